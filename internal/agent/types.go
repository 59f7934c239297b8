// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"github.com/jontk/agentd/internal/rpcwire"
	"github.com/jontk/agentd/pkg/agenterrors"
)

// WorkerState is a worker's lifecycle state (§3, "Worker record").
// Terminal states (Done, Failed) are absorbing.
type WorkerState int

const (
	StateNew WorkerState = iota
	StateActive
	StateDone
	StateFailed
)

func (s WorkerState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateActive:
		return "ACTIVE"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s WorkerState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// MaxNameLen bounds a target's node name (§3, "Agent request").
const MaxNameLen = 255

// Target is one destination the scheduler dispatches to.
type Target struct {
	Address  string
	NodeName string
}

// Request is the immutable batch job handed to Dispatch (§3).
type Request struct {
	MsgType rpcwire.MessageType
	Payload []byte
	Targets []Target
}

// WorkerRecord is one per-target worker's shared state (§3). All
// mutable fields are guarded by the owning Scheduler's schedulerContext
// mutex; Address/NodeName are written once before workers start and
// read without locking thereafter.
type WorkerRecord struct {
	State     WorkerState
	Timestamp int64 // semantics depend on State, see §4.7
	Address   string
	NodeName  string

	// forceTimeout, when non-nil, forces the worker's in-flight I/O to
	// unblock with an error — the Go-idiomatic replacement for SIGALRM
	// called out in spec's Design Note §9. Set once the worker's
	// connection is open; read and invoked by the watchdog.
	forceTimeout func()

	// LastError classifies a FAILED terminal state per §4.6: which of
	// dial, send/receive, wrong-reply-type, or non-zero-rc caused it.
	// Nil for StateDone.
	LastError *agenterrors.AgentError
}
