// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the parallel RPC dispatch agent: a bounded
// worker-pool scheduler (C6), per-target worker (C7), and watchdog
// supervisor (C8) that together fan a batch request out across a set
// of target nodes and reconcile the outcome into the controller's node
// table.
package agent

import (
	"time"

	"github.com/jontk/agentd/pkg/agenterrors"
)

// Config holds the agent's tunables, following the teacher's
// NewDefault()/Validate() shape applied to the agent's own fixed set of
// knobs; this package has no Load() step.
type Config struct {
	// AgentThreadCount bounds concurrent in-flight workers (§4.5); must
	// be >= 1.
	AgentThreadCount int

	// CommandTimeout is the wall-clock bound on any single worker
	// (§4.6/§4.7).
	CommandTimeout time.Duration

	// WdogPoll is the watchdog's poll interval (§4.7): 1s when
	// CommandTimeout <= 10s, else 2s, matching spec's "1 or 2 depending
	// on COMMAND_TIMEOUT".
	WdogPoll time.Duration
}

// NewDefault returns the documented defaults: 8 worker threads, a 30s
// command timeout, and a poll interval derived from it.
func NewDefault() *Config {
	cfg := &Config{
		AgentThreadCount: 8,
		CommandTimeout:   30 * time.Second,
	}
	cfg.WdogPoll = wdogPollFor(cfg.CommandTimeout)
	return cfg
}

func wdogPollFor(commandTimeout time.Duration) time.Duration {
	if commandTimeout <= 10*time.Second {
		return time.Second
	}
	return 2 * time.Second
}

// Validate enforces AgentThreadCount >= 1 (spec §4.5: "must be >= 1 at
// build time") and derives WdogPoll from CommandTimeout if it was left
// unset.
func (c *Config) Validate() error {
	if c.AgentThreadCount < 1 {
		return agenterrors.New(agenterrors.CodeBadRequest, "AgentThreadCount must be >= 1")
	}
	if c.CommandTimeout <= 0 {
		return agenterrors.New(agenterrors.CodeBadRequest, "CommandTimeout must be > 0")
	}
	if c.WdogPoll <= 0 {
		c.WdogPoll = wdogPollFor(c.CommandTimeout)
	}
	return nil
}
