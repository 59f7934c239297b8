// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"time"

	"github.com/jontk/agentd/internal/controller"
	"github.com/jontk/agentd/pkg/logging"
)

// watchdog is the supervisor (C8): polls every cfg.WdogPoll, forces a
// deadline on any ACTIVE worker that has exceeded cfg.CommandTimeout,
// and once no worker remains NEW/ACTIVE, reconciles outcomes into the
// controller's node table under its composite lock (§4.7).
func (s *Scheduler) watchdog(schedCtx *schedulerContext, logger logging.Logger, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.WdogPoll)
	defer ticker.Stop()

	commandTimeoutSecs := int64(s.cfg.CommandTimeout.Seconds())

	for range ticker.C {
		schedCtx.mu.Lock()

		workInProgress := false
		var maxDelay int64
		var failCnt int
		now := time.Now().Unix()

		for _, rec := range schedCtx.records {
			switch rec.State {
			case StateActive:
				if now-rec.Timestamp >= commandTimeoutSecs && rec.forceTimeout != nil {
					rec.forceTimeout()
				}
				workInProgress = true
			case StateNew:
				workInProgress = true
			case StateDone:
				if rec.Timestamp > maxDelay {
					maxDelay = rec.Timestamp
				}
			case StateFailed:
				failCnt++
			}
		}

		if workInProgress {
			schedCtx.mu.Unlock()
			continue
		}

		s.reconcile(schedCtx, logger, maxDelay, failCnt)
		schedCtx.mu.Unlock()
		return
	}
}

// reconcile drives the controller composite lock and node-table updates
// (§4.7 steps 1-6); called with schedCtx.mu already held, as the spec
// requires ("exits the poll loop, still holding the scheduler mutex").
func (s *Scheduler) reconcile(schedCtx *schedulerContext, logger logging.Logger, maxDelay int64, failCnt int) {
	if s.ctrl == nil {
		return
	}

	release := s.ctrl.Lock.Acquire(controller.LockWrite, controller.LockWrite, controller.LockNone)
	for _, rec := range schedCtx.records {
		switch rec.State {
		case StateFailed:
			s.ctrl.Nodes.NodeNotResp(logger, rec.NodeName)
		case StateDone:
			s.ctrl.Nodes.NodeDidResp(logger, rec.NodeName)
		}
	}
	release()

	if maxDelay > 0 {
		s.metrics.Histogram("agent_max_delay_seconds").Observe(time.Duration(maxDelay) * time.Second)
		logger.Info("watchdog reconciled", "max_delay_s", maxDelay, "fail_count", failCnt)
	}
}
