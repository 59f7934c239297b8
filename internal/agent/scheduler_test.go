// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jontk/agentd/internal/controller"
	"github.com/jontk/agentd/internal/rpcwire"
	"github.com/jontk/agentd/pkg/logging"
	"github.com/jontk/agentd/pkg/metrics"
	"github.com/jontk/agentd/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTarget runs a TCP server on an ephemeral port whose per-connection
// handler lets tests script per-target behavior: always respond, stall
// past the timeout, or refuse.
type fakeTarget struct {
	ln net.Listener
}

func newFakeTarget(t *testing.T, handle func(net.Conn)) *fakeTarget {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ft := &fakeTarget{ln: ln}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return ft
}

func (f *fakeTarget) addr() string { return f.ln.Addr().String() }

func respondRC(rc int32) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		req, err := rpcwire.ReadRequest(conn)
		if err != nil {
			return
		}
		_ = req
		_ = rpcwire.WriteResponse(conn, rpcwire.Response{MsgType: rpcwire.ResponseSlurmRC, ReturnCode: rc})
	}
}

func stall(d time.Duration) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		_, _ = rpcwire.ReadRequest(conn)
		time.Sleep(d)
	}
}

func testScheduler(cfg *Config, ctrl *controller.Controller) *Scheduler {
	if ctrl == nil {
		ctrl = controller.New()
	}
	return NewScheduler(cfg, logging.NoOpLogger{}, metrics.NewInMemoryRegistry(), ctrl)
}

func TestDispatch_HappyFanOut_ThreeTargets(t *testing.T) {
	t1 := newFakeTarget(t, respondRC(0))
	t2 := newFakeTarget(t, respondRC(0))
	t3 := newFakeTarget(t, respondRC(0))

	cfg := &Config{AgentThreadCount: 4, CommandTimeout: 5 * time.Second, WdogPoll: 50 * time.Millisecond}
	ctrl := controller.New()
	s := testScheduler(cfg, ctrl)

	req := &Request{
		MsgType: rpcwire.RequestPing,
		Targets: []Target{
			{Address: t1.addr(), NodeName: "node1"},
			{Address: t2.addr(), NodeName: "node2"},
			{Address: t3.addr(), NodeName: "node3"},
		},
	}

	err := s.Dispatch(context.Background(), req)
	require.NoError(t, err)

	for _, name := range []string{"node1", "node2", "node3"} {
		rec, ok := ctrl.Nodes.Get(name)
		require.True(t, ok, name)
		assert.True(t, rec.Responding, name)
	}
}

func TestDispatch_StalledTargetTimesOut(t *testing.T) {
	stuck := newFakeTarget(t, stall(10*time.Second))
	ok1 := newFakeTarget(t, respondRC(0))
	ok2 := newFakeTarget(t, respondRC(0))

	cfg := &Config{AgentThreadCount: 4, CommandTimeout: 300 * time.Millisecond, WdogPoll: 50 * time.Millisecond}
	ctrl := controller.New()
	s := testScheduler(cfg, ctrl)

	req := &Request{
		MsgType: rpcwire.RequestPing,
		Targets: []Target{
			{Address: stuck.addr(), NodeName: "stuck"},
			{Address: ok1.addr(), NodeName: "ok1"},
			{Address: ok2.addr(), NodeName: "ok2"},
		},
	}

	done := make(chan error, 1)
	go func() { done <- s.Dispatch(context.Background(), req) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Dispatch did not return after stalled target should have timed out")
	}

	rec, ok := ctrl.Nodes.Get("stuck")
	require.True(t, ok)
	assert.False(t, rec.Responding)

	for _, name := range []string{"ok1", "ok2"} {
		rec, ok := ctrl.Nodes.Get(name)
		require.True(t, ok, name)
		assert.True(t, rec.Responding, name)
	}
}

func TestDispatch_Saturation_BoundedConcurrency(t *testing.T) {
	const targetCount = 10
	const threadCount = 4

	var active int32
	var maxActive int32
	var mu sync.Mutex

	handle := func(conn net.Conn) {
		defer conn.Close()
		cur := atomic.AddInt32(&active, 1)
		mu.Lock()
		if cur > maxActive {
			maxActive = cur
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)
		req, err := rpcwire.ReadRequest(conn)
		_ = req
		atomic.AddInt32(&active, -1)
		if err != nil {
			return
		}
		_ = rpcwire.WriteResponse(conn, rpcwire.Response{MsgType: rpcwire.ResponseSlurmRC, ReturnCode: 0})
	}

	targets := make([]Target, targetCount)
	for i := 0; i < targetCount; i++ {
		ft := newFakeTarget(t, handle)
		targets[i] = Target{Address: ft.addr(), NodeName: "node"}
	}

	cfg := &Config{AgentThreadCount: threadCount, CommandTimeout: 5 * time.Second, WdogPoll: 20 * time.Millisecond}
	s := testScheduler(cfg, nil)

	req := &Request{MsgType: rpcwire.RequestPing, Targets: targets}
	err := s.Dispatch(context.Background(), req)
	require.NoError(t, err)

	mu.Lock()
	observedMax := maxActive
	mu.Unlock()
	assert.LessOrEqual(t, observedMax, int32(threadCount))
}

func TestDispatch_InvalidMessageType_PanicsWithNoWorkersSpawned(t *testing.T) {
	s := testScheduler(&Config{AgentThreadCount: 2, CommandTimeout: time.Second, WdogPoll: 10 * time.Millisecond}, nil)

	req := &Request{
		MsgType: rpcwire.ResponseSlurmRC, // not a valid request type
		Targets: []Target{{Address: "127.0.0.1:1", NodeName: "node1"}},
	}

	assert.Panics(t, func() {
		_ = s.Dispatch(context.Background(), req)
	})
}

func TestDispatch_EmptyTargetList_Panics(t *testing.T) {
	s := testScheduler(&Config{AgentThreadCount: 2, CommandTimeout: time.Second, WdogPoll: 10 * time.Millisecond}, nil)
	assert.Panics(t, func() {
		_ = s.Dispatch(context.Background(), &Request{MsgType: rpcwire.RequestPing})
	})
}

func TestDispatch_NilRequest_Panics(t *testing.T) {
	s := testScheduler(&Config{AgentThreadCount: 2, CommandTimeout: time.Second, WdogPoll: 10 * time.Millisecond}, nil)
	assert.Panics(t, func() {
		_ = s.Dispatch(context.Background(), nil)
	})
}

func TestDispatch_FailedTargets_IncrementFailedMetric(t *testing.T) {
	bad := newFakeTarget(t, respondRC(17))
	reg := metrics.NewInMemoryRegistry()
	ctrl := controller.New()
	s := NewScheduler(&Config{AgentThreadCount: 2, CommandTimeout: time.Second, WdogPoll: 10 * time.Millisecond},
		logging.NoOpLogger{}, reg, ctrl)

	req := &Request{MsgType: rpcwire.RequestPing, Targets: []Target{{Address: bad.addr(), NodeName: "bad"}}}
	require.NoError(t, s.Dispatch(context.Background(), req))

	snap := reg.Snapshot()
	assert.Equal(t, int64(1), snap.Counters["agent_worker_failed_total"])

	rec, ok := ctrl.Nodes.Get("bad")
	require.True(t, ok)
	assert.False(t, rec.Responding)
}

func TestDispatch_SpawnRetriesForeverThenSucceeds(t *testing.T) {
	good := newFakeTarget(t, respondRC(0))
	ctrl := controller.New()
	s := testScheduler(&Config{AgentThreadCount: 2, CommandTimeout: time.Second, WdogPoll: 10 * time.Millisecond}, ctrl)
	s.backoff = &retry.ExponentialBackoffStrategy{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  2,
	}

	var failures int32
	s.spawnProbe = func() error {
		if atomic.AddInt32(&failures, 1) <= 5 {
			return assert.AnError
		}
		return nil
	}

	req := &Request{MsgType: rpcwire.RequestPing, Targets: []Target{{Address: good.addr(), NodeName: "n1"}}}

	done := make(chan error, 1)
	go func() { done <- s.Dispatch(context.Background(), req) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not complete after simulated spawn failures")
	}

	assert.GreaterOrEqual(t, atomic.LoadInt32(&failures), int32(6))
}
