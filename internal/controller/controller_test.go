// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/jontk/agentd/internal/bbstate"
	"github.com/jontk/agentd/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeLock_WriteExcludesConcurrentWrite(t *testing.T) {
	c := &CompositeLock{}
	var order []string
	var mu sync.Mutex

	release := c.Acquire(LockWrite, LockWrite, LockNone)

	done := make(chan struct{})
	go func() {
		r2 := c.Acquire(LockWrite, LockNone, LockNone)
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		r2()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, "first")
	mu.Unlock()
	release()

	<-done
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestCompositeLock_LockNoneSkipsAcquisition(t *testing.T) {
	c := &CompositeLock{}
	release := c.Acquire(LockNone, LockNone, LockNone)
	release()

	release2 := c.Acquire(LockWrite, LockWrite, LockWrite)
	release2()
}

func TestNodeTable_NotRespThenDidResp(t *testing.T) {
	nt := NewNodeTable()

	nt.NodeNotResp(logging.NoOpLogger{}, "node1")
	rec, ok := nt.Get("node1")
	require.True(t, ok)
	assert.False(t, rec.Responding)
	assert.Equal(t, 1, rec.NotRespCount)

	nt.NodeDidResp(logging.NoOpLogger{}, "node1")
	rec, ok = nt.Get("node1")
	require.True(t, ok)
	assert.True(t, rec.Responding)
}

func TestNodeTable_GetUnknownNode(t *testing.T) {
	nt := NewNodeTable()
	_, ok := nt.Get("ghost")
	assert.False(t, ok)
}

func TestJobTable_PutLookup(t *testing.T) {
	jt := NewJobTable()
	job := &bbstate.JobRecord{JobID: 7, StartTime: 100}
	jt.Put(job)

	got, ok := jt.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, job, got)

	_, ok = jt.Lookup(999)
	assert.False(t, ok)
}

func TestNew_ReturnsWiredController(t *testing.T) {
	c := New()
	require.NotNil(t, c.Lock)
	require.NotNil(t, c.Nodes)
	require.NotNil(t, c.Jobs)
}
