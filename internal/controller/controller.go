// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package controller is a minimal stand-in for the cluster controller's
// global lock manager, node table, and job table — named in spec §6 as
// external collaborators whose internals are out of scope, modeled here
// just deeply enough that the watchdog's reconciliation (§4.7/§5) and
// the burst-buffer priority-boost policy (§4.4) are exercisable and
// testable against something real.
package controller

import (
	"sync"
	"time"

	"github.com/jontk/agentd/internal/bbstate"
	"github.com/jontk/agentd/pkg/logging"
)

// LockMode is the access a caller requests on one of the controller's
// global tables.
type LockMode int

const (
	LockNone LockMode = iota
	LockRead
	LockWrite
)

// CompositeLock enforces the controller's global lock ordering: job
// before node before partition before federation (spec §5). Federation
// is not modeled; no SPEC_FULL component needs it.
type CompositeLock struct {
	jobMu       sync.RWMutex
	nodeMu      sync.RWMutex
	partitionMu sync.RWMutex
}

// Release undoes the acquisitions made by Acquire, in reverse order.
type Release func()

// Acquire takes job/node/partition locks in that fixed order, each
// either LockRead, LockWrite, or LockNone (skipped). The watchdog's
// reconciliation step calls this with job=LockWrite, node=LockWrite,
// partition=LockNone (§4.7, §5).
func (c *CompositeLock) Acquire(job, node, partition LockMode) Release {
	var releases []func()

	if r := lockOne(&c.jobMu, job); r != nil {
		releases = append(releases, r)
	}
	if r := lockOne(&c.nodeMu, node); r != nil {
		releases = append(releases, r)
	}
	if r := lockOne(&c.partitionMu, partition); r != nil {
		releases = append(releases, r)
	}

	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}

func lockOne(mu *sync.RWMutex, mode LockMode) func() {
	switch mode {
	case LockWrite:
		mu.Lock()
		return mu.Unlock
	case LockRead:
		mu.RLock()
		return mu.RUnlock
	default:
		return nil
	}
}

// NodeRecord is the controller's view of one compute node's
// responsiveness, as updated by the watchdog's reconciliation.
type NodeRecord struct {
	Name          string
	Responding    bool
	LastContact   time.Time
	NotRespCount  int
	LastNotRespAt time.Time
}

// NodeTable is the stand-in node table the watchdog reconciles
// worker-record outcomes into. Callers must hold the composite lock's
// node write lock before calling NodeNotResp/NodeDidResp.
type NodeTable struct {
	mu    sync.Mutex
	nodes map[string]*NodeRecord
}

// NewNodeTable returns an empty node table.
func NewNodeTable() *NodeTable {
	return &NodeTable{nodes: make(map[string]*NodeRecord)}
}

func (t *NodeTable) recordFor(name string) *NodeRecord {
	n, ok := t.nodes[name]
	if !ok {
		n = &NodeRecord{Name: name}
		t.nodes[name] = n
	}
	return n
}

// NodeNotResp marks name as non-responding, called once per FAILED
// worker during watchdog reconciliation (§4.7 step 2).
func (t *NodeTable) NodeNotResp(logger logging.Logger, name string) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.recordFor(name)
	n.Responding = false
	n.NotRespCount++
	n.LastNotRespAt = time.Now()
	logger.Warn("node marked not responding", "node_name", name, "not_resp_count", n.NotRespCount)
}

// NodeDidResp marks name as responding, called once per DONE worker
// during watchdog reconciliation (§4.7 step 3).
func (t *NodeTable) NodeDidResp(logger logging.Logger, name string) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.recordFor(name)
	n.Responding = true
	n.LastContact = time.Now()
	logger.Debug("node responded", "node_name", name)
}

// Get returns a copy of name's node record, or false if name has never
// been reconciled.
func (t *NodeTable) Get(name string) (NodeRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[name]
	if !ok {
		return NodeRecord{}, false
	}
	return *n, true
}

// JobTable is the stand-in job table implementing bbstate.JobLookup, so
// SetUseTime and the priority-boost policy (§4.4) have a real collaborator
// to exercise against instead of a bare test fake.
type JobTable struct {
	mu   sync.RWMutex
	jobs map[uint32]*bbstate.JobRecord
}

// NewJobTable returns an empty job table.
func NewJobTable() *JobTable {
	return &JobTable{jobs: make(map[uint32]*bbstate.JobRecord)}
}

// Put inserts or replaces job's record.
func (t *JobTable) Put(job *bbstate.JobRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.JobID] = job
}

// Lookup implements bbstate.JobLookup.
func (t *JobTable) Lookup(jobID uint32) (*bbstate.JobRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[jobID]
	return j, ok
}

// Controller bundles the composite lock with the node and job tables the
// watchdog and burst-buffer subsystems reconcile against.
type Controller struct {
	Lock  *CompositeLock
	Nodes *NodeTable
	Jobs  *JobTable
}

// New returns an empty controller stand-in.
func New() *Controller {
	return &Controller{
		Lock:  &CompositeLock{},
		Nodes: NewNodeTable(),
		Jobs:  NewJobTable(),
	}
}
