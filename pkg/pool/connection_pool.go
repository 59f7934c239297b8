// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package pool provides dial-parameter caching for the agent dispatcher's
// per-target RPC connections.
package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jontk/agentd/pkg/logging"
)

// DialerPool caches configured net.Dialer instances per target address so
// repeated agent dispatches to the same node reuse the same dial/keep-alive
// parameters instead of reconstructing them per worker.
type DialerPool struct {
	mu      sync.RWMutex
	dialers map[string]*pooledDialer
	config  *PoolConfig
	logger  logging.Logger
}

// pooledDialer wraps a net.Dialer with usage statistics
type pooledDialer struct {
	dialer   *net.Dialer
	created  time.Time
	lastUsed time.Time
	useCount int64
}

// PoolConfig holds configuration for the dialer pool
type PoolConfig struct {
	// DialTimeout bounds a single connect attempt
	DialTimeout time.Duration

	// KeepAlive sets the TCP keep-alive period
	KeepAlive time.Duration

	// MaxIdleTime is a configured idle bound; CleanupIdle takes its own
	// maxIdle argument and does not read this field
	MaxIdleTime time.Duration
}

// DefaultPoolConfig returns a pool configuration suited to worker RPC dials
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		DialTimeout: 10 * time.Second,
		KeepAlive:   30 * time.Second,
		MaxIdleTime: 15 * time.Minute,
	}
}

// NewDialerPool creates a new dialer pool
func NewDialerPool(config *PoolConfig, logger logging.Logger) *DialerPool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &DialerPool{
		dialers: make(map[string]*pooledDialer),
		config:  config,
		logger:  logger,
	}
}

// GetDialer returns a configured *net.Dialer for the given target address,
// creating and caching one if this is the first use of that address.
func (p *DialerPool) GetDialer(addr string) *net.Dialer {
	p.mu.RLock()
	pd, exists := p.dialers[addr]
	p.mu.RUnlock()

	if exists {
		p.mu.Lock()
		pd.lastUsed = time.Now()
		pd.useCount++
		p.mu.Unlock()

		return pd.dialer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pd, exists := p.dialers[addr]; exists {
		pd.lastUsed = time.Now()
		pd.useCount++
		return pd.dialer
	}

	dialer := &net.Dialer{
		Timeout:   p.config.DialTimeout,
		KeepAlive: p.config.KeepAlive,
	}
	pd = &pooledDialer{
		dialer:   dialer,
		created:  time.Now(),
		lastUsed: time.Now(),
		useCount: 1,
	}

	p.dialers[addr] = pd
	p.logger.Debug("created dialer for target", "address", addr)

	return dialer
}

// Dial opens a connection to addr using the pooled dialer, bounded by ctx.
func (p *DialerPool) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := p.GetDialer(addr)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Stats returns statistics about the dialer pool
func (p *DialerPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		TotalDialers: len(p.dialers),
		DialerStats:  make(map[string]DialerStats),
	}

	for addr, pd := range p.dialers {
		stats.DialerStats[addr] = DialerStats{
			Created:  pd.created,
			LastUsed: pd.lastUsed,
			UseCount: pd.useCount,
		}
	}

	return stats
}

// CleanupIdle removes dialers that haven't been used recently
func (p *DialerPool) CleanupIdle(maxIdleTime time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxIdleTime)

	for addr, pd := range p.dialers {
		if pd.lastUsed.Before(cutoff) {
			delete(p.dialers, addr)
			removed++

			p.logger.Debug("removed idle dialer",
				"address", addr,
				"idle_duration", time.Since(pd.lastUsed),
			)
		}
	}

	return removed
}

// PoolStats contains statistics about the dialer pool
type PoolStats struct {
	TotalDialers int
	DialerStats  map[string]DialerStats
}

// DialerStats contains statistics for a single dialer
type DialerStats struct {
	Created  time.Time
	LastUsed time.Time
	UseCount int64
}

// Manager drives periodic cleanup of idle dialers in the background,
// mirroring the connection pool's cleanup routine but over the agent's
// longer-lived target set.
type Manager struct {
	pool            *DialerPool
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	logger          logging.Logger
}

// NewManager creates a new dialer pool manager
func NewManager(pool *DialerPool, logger logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &Manager{
		pool:            pool,
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     15 * time.Minute,
		ctx:             ctx,
		cancel:          cancel,
		logger:          logger,
	}
}

// Start begins the background cleanup routine
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.cleanupRoutine()
}

// Stop stops the background cleanup routine
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) cleanupRoutine() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := m.pool.CleanupIdle(m.maxIdleTime)
			if removed > 0 {
				m.logger.Info("cleaned up idle dialers", "removed", removed)
			}
		case <-m.ctx.Done():
			return
		}
	}
}
