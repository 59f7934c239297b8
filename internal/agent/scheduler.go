// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jontk/agentd/internal/controller"
	"github.com/jontk/agentd/internal/rpcwire"
	"github.com/jontk/agentd/internal/statusfeed"
	"github.com/jontk/agentd/pkg/logging"
	"github.com/jontk/agentd/pkg/metrics"
	"github.com/jontk/agentd/pkg/pool"
	"github.com/jontk/agentd/pkg/retry"
)

// schedulerContext is the state shared by C6, C7, and C8 (§3, "Scheduler
// context"): one mutex/condition pair guarding threadsActive and every
// worker record's mutable fields, plus the request's message type and
// payload, which are immutable for the request's lifetime.
type schedulerContext struct {
	mu            sync.Mutex
	cond          *sync.Cond
	threadsActive int
	n             int
	records       []*WorkerRecord
	msgType       rpcwire.MessageType
	payload       []byte
	requestID     string
}

// publish forwards a worker-state transition to s.Feed, a no-op when no
// feed is wired.
func (s *Scheduler) publish(schedCtx *schedulerContext, nodeName string, state WorkerState) {
	if s.Feed == nil {
		return
	}
	s.Feed.Publish(statusfeed.Event{
		RequestID: schedCtx.requestID,
		NodeName:  nodeName,
		State:     state.String(),
		Timestamp: time.Now(),
	})
}

// Scheduler is the worker-pool dispatcher (C6).
type Scheduler struct {
	cfg     *Config
	logger  logging.Logger
	metrics metrics.Registry
	ctrl    *controller.Controller
	dialers *pool.DialerPool
	dial    func(ctx context.Context, addr string) (*rpcwire.Conn, error)
	backoff retry.BackoffStrategy

	// Feed, when set, receives a statusfeed.Event for every worker-state
	// transition so operators can watch a dispatch live (SPEC_FULL §4's
	// debug status/WebSocket surface). Nil by default: publishing is
	// opt-in, wired by cmd/agentd.
	Feed *statusfeed.Hub

	// spawnProbe, when set, simulates the worker-spawn failure path
	// (§4.5/§7): a non-nil error makes acquireSlot back off and retry
	// instead of launching a worker. Go's goroutine creation cannot
	// itself fail the way pthread_create can, so this is test-only
	// fault injection, never set in production.
	spawnProbe func() error
}

// NewScheduler wires a Scheduler against the given config, logger,
// metrics registry, and controller stand-in. Target dials go through a
// pkg/pool.DialerPool keyed by target address, so repeated dispatches to
// the same node reuse that node's dial/keep-alive parameters instead of
// reconstructing a fresh *net.Dialer per worker.
func NewScheduler(cfg *Config, logger logging.Logger, reg metrics.Registry, ctrl *controller.Controller) *Scheduler {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if reg == nil {
		reg = metrics.NoOpRegistry{}
	}
	dialers := pool.NewDialerPool(nil, logger)
	return &Scheduler{
		cfg:     cfg,
		logger:  logger,
		metrics: reg,
		ctrl:    ctrl,
		dialers: dialers,
		dial: func(ctx context.Context, addr string) (*rpcwire.Conn, error) {
			nc, err := dialers.Dial(ctx, addr)
			if err != nil {
				return nil, err
			}
			return rpcwire.WrapConn(nc), nil
		},
		backoff: retry.NewExponentialBackoffStrategy(),
	}
}

// Dialers exposes the scheduler's dial-parameter cache so a host process
// can run pool.Manager's idle-cleanup loop alongside it.
func (s *Scheduler) Dialers() *pool.DialerPool {
	return s.dialers
}

// Dispatch fans req out across up to cfg.AgentThreadCount concurrent
// workers and blocks until every worker has reached a terminal state
// and the watchdog has reconciled the outcome into the controller
// (§4.5). Precondition violations are programmer errors (§7) and panic.
func (s *Scheduler) Dispatch(ctx context.Context, req *Request) error {
	validateRequest(req)

	requestID := uuid.New()
	ctx = logging.WithRequestID(ctx, requestID.String())
	logger := s.logger.WithContext(ctx).With("msg_type", req.MsgType.String())

	records := make([]*WorkerRecord, len(req.Targets))
	for i, t := range req.Targets {
		records[i] = &WorkerRecord{State: StateNew, Address: t.Address, NodeName: t.NodeName}
	}

	schedCtx := &schedulerContext{n: s.cfg.AgentThreadCount, records: records, msgType: req.MsgType, payload: req.Payload, requestID: requestID.String()}
	schedCtx.cond = sync.NewCond(&schedCtx.mu)

	s.metrics.Counter("agent_dispatch_total").Inc()
	start := time.Now()
	logger.Info("dispatch starting", "target_count", len(req.Targets), "thread_count", s.cfg.AgentThreadCount)

	wdogDone := make(chan struct{})
	go s.watchdog(schedCtx, logger, wdogDone)

	var wg sync.WaitGroup
	for _, rec := range records {
		s.acquireSlot(schedCtx, logger)
		wg.Add(1)
		go func(rec *WorkerRecord) {
			defer wg.Done()
			s.runWorker(ctx, schedCtx, logger, rec)
		}(rec)
	}

	<-wdogDone
	wg.Wait()

	logging.LogDuration(logger, start, "dispatch")
	return nil
}

func validateRequest(req *Request) {
	if req == nil {
		panic("agent: nil request")
	}
	if len(req.Targets) == 0 {
		panic("agent: empty target list")
	}
	if !rpcwire.IsValidRequest(req.MsgType) {
		panic("agent: invalid message type " + req.MsgType.String())
	}
	for _, t := range req.Targets {
		if t.Address == "" || t.NodeName == "" {
			panic("agent: target missing address or node name")
		}
		if len(t.NodeName) > MaxNameLen {
			panic("agent: node name exceeds MaxNameLen")
		}
	}
}

// acquireSlot implements the dispatch loop's steps 1, 3, and 4 (§4.5):
// wait while saturated, retry forever on a (simulated) spawn failure
// with the documented backoff, then reserve a slot before returning.
// spawnAttempt feeds s.backoff: once it runs out of configured steps
// the schedule wraps back to the start rather than stopping, since §4.5
// requires retrying forever, not giving up after a bounded attempt count.
func (s *Scheduler) acquireSlot(schedCtx *schedulerContext, logger logging.Logger) {
	spawnAttempt := 0
	schedCtx.mu.Lock()
	for {
		for schedCtx.threadsActive >= schedCtx.n {
			schedCtx.cond.Wait()
		}

		if s.spawnProbe == nil || s.spawnProbe() == nil {
			schedCtx.threadsActive++
			schedCtx.mu.Unlock()
			return
		}

		delay, ok := s.backoff.NextDelay(spawnAttempt)
		if !ok {
			spawnAttempt = 0
			delay, _ = s.backoff.NextDelay(spawnAttempt)
		}
		spawnAttempt++
		logger.Warn("worker spawn failed, backing off", "delay", delay)

		if schedCtx.threadsActive > 0 {
			schedCtx.cond.Wait()
		} else {
			schedCtx.mu.Unlock()
			time.Sleep(delay)
			schedCtx.mu.Lock()
		}
	}
}
