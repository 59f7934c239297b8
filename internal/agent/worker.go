// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"net"
	"time"

	"github.com/jontk/agentd/internal/rpcwire"
	"github.com/jontk/agentd/pkg/agenterrors"
	"github.com/jontk/agentd/pkg/logging"
)

// runWorker is the per-target worker (C7): mutate to ACTIVE, perform
// the RPC outside the scheduler lock, classify the outcome, store the
// terminal state, and release the scheduler slot (§4.6).
func (s *Scheduler) runWorker(ctx context.Context, schedCtx *schedulerContext, logger logging.Logger, rec *WorkerRecord) {
	defer func() {
		schedCtx.mu.Lock()
		schedCtx.threadsActive--
		schedCtx.cond.Signal()
		schedCtx.mu.Unlock()
	}()

	ctx = logging.WithNodeName(ctx, rec.NodeName)
	logger = logger.WithContext(ctx)

	start := time.Now()
	schedCtx.mu.Lock()
	rec.State = StateActive
	rec.Timestamp = start.Unix()
	msgType := schedCtx.msgType
	payload := schedCtx.payload
	schedCtx.mu.Unlock()
	s.publish(schedCtx, rec.NodeName, StateActive)

	finalState, rc, classErr := s.doRPC(ctx, schedCtx, rec, msgType, payload, logger)

	elapsed := int64(time.Since(start).Seconds())
	schedCtx.mu.Lock()
	rec.State = finalState
	rec.Timestamp = elapsed
	rec.forceTimeout = nil
	rec.LastError = classErr
	schedCtx.mu.Unlock()
	s.publish(schedCtx, rec.NodeName, finalState)

	evLogger := logging.LogDispatchEvent(logger, msgType.String(), rec.NodeName,
		"state", finalState.String(), "elapsed_s", elapsed, "return_code", rc)
	if finalState == StateDone {
		s.metrics.Counter("agent_worker_done_total").Inc()
		evLogger.Debug("worker terminal")
	} else {
		s.metrics.Counter("agent_worker_failed_total").Inc()
		evLogger.Debug("worker terminal")
		if classErr != nil {
			logging.LogError(logger, classErr, "worker_dispatch")
		}
	}
}

// doRPC opens a connection to rec.Address, sends the request, and reads
// exactly one reply, classifying per §4.6. The connection's deadline is
// extended to cfg.CommandTimeout and rec.forceTimeout is wired to force
// it into the past — the watchdog's cancellation mechanism (§3.7 of
// SPEC_FULL, replacing SIGALRM per spec's Design Note §9). Every FAILED
// classification carries an *agenterrors.AgentError naming which of
// dial/RPC/timeout/reply-type it was, for callers that want more than
// the terminal state and return code.
func (s *Scheduler) doRPC(ctx context.Context, schedCtx *schedulerContext, rec *WorkerRecord, msgType rpcwire.MessageType, payload []byte, logger logging.Logger) (WorkerState, int32, *agenterrors.AgentError) {
	logger = logging.LogOperation(logger, "rpc_dispatch", "node_name", rec.NodeName)

	conn, err := s.dial(ctx, rec.Address)
	if err != nil {
		classErr := agenterrors.Wrap(agenterrors.CodeDialFailed, "dial failed", err)
		logger.Warn("dial failed", "node_name", rec.NodeName, "error", classErr)
		return StateFailed, 0, classErr
	}
	defer conn.Close()

	schedCtx.mu.Lock()
	rec.forceTimeout = func() { conn.SetDeadline(time.Now()) }
	schedCtx.mu.Unlock()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.CommandTimeout))

	if err := conn.Send(rpcwire.Request{MsgType: msgType, Payload: payload}); err != nil {
		classErr := classifyIOErr(err, "send failed")
		logger.Warn("send failed", "node_name", rec.NodeName, "error", classErr)
		return StateFailed, 0, classErr
	}

	resp, err := conn.Receive()
	if err != nil {
		classErr := classifyIOErr(err, "receive failed")
		logger.Warn("receive failed", "node_name", rec.NodeName, "error", classErr)
		return StateFailed, 0, classErr
	}

	if resp.MsgType != rpcwire.ResponseSlurmRC {
		classErr := agenterrors.New(agenterrors.CodeBadMessageType, "unexpected reply type "+resp.MsgType.String())
		logger.Warn("unexpected reply type", "node_name", rec.NodeName, "msg_type", resp.MsgType.String())
		return StateFailed, 0, classErr
	}
	if resp.ReturnCode != 0 {
		classErr := agenterrors.New(agenterrors.CodeRPCFailed, "non-zero return code")
		logger.Warn("non-zero return code", "node_name", rec.NodeName, "return_code", resp.ReturnCode)
		return StateFailed, resp.ReturnCode, classErr
	}

	return StateDone, 0, nil
}

// classifyIOErr distinguishes the watchdog's forced-deadline cancellation
// (§3.7/§9) from any other send/receive failure: a net.Error reporting
// Timeout() is CodeWorkerTimeout, everything else is CodeRPCFailed.
func classifyIOErr(err error, message string) *agenterrors.AgentError {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return agenterrors.Wrap(agenterrors.CodeWorkerTimeout, message, err)
	}
	return agenterrors.Wrap(agenterrors.CodeRPCFailed, message, err)
}
