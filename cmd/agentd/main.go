// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command agentd is the process entrypoint for the parallel RPC dispatch
// agent: it wires configuration, structured logging, metrics, the
// controller stand-in, and a debug HTTP/WebSocket status surface. The
// dispatcher itself (internal/agent.Scheduler) is invoked by callers
// embedding this module; this binary exists to host the debug surface
// and, optionally, the burst-buffer config reload loop alongside it.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/jontk/agentd/internal/agent"
	"github.com/jontk/agentd/internal/bbconfig"
	"github.com/jontk/agentd/internal/controller"
	"github.com/jontk/agentd/internal/statusfeed"
	"github.com/jontk/agentd/pkg/logging"
	"github.com/jontk/agentd/pkg/metrics"
	"github.com/jontk/agentd/pkg/pool"
)

func main() {
	logger := logging.NewLogger(logging.DefaultConfig())

	cfg := agent.NewDefault()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid agent config", "error", err)
		os.Exit(1)
	}

	reg := metrics.NewInMemoryRegistry()
	metrics.SetDefaultRegistry(reg)
	ctrl := controller.New()
	feed := statusfeed.NewHub(logger)
	scheduler := agent.NewScheduler(cfg, logger, reg, ctrl)
	scheduler.Feed = feed

	dialerMgr := pool.NewManager(scheduler.Dialers(), logger)
	dialerMgr.Start()
	defer dialerMgr.Stop()

	if confPath := os.Getenv("BB_CONF_PATH"); confPath != "" {
		bbCfg := bbconfig.NewDefault()
		if err := bbconfig.Load(logger, bbCfg, []string{confPath}, os.Getenv("BB_TYPE")); err != nil {
			logger.Warn("burst-buffer config load failed, continuing without it", "error", err)
		} else {
			logger.Info("burst-buffer config loaded", "conf_path", confPath, "granularity", bbCfg.Granularity)
		}
	}

	addr := os.Getenv("AGENTD_LISTEN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8642"
	}

	router := newRouter(logger, feed)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Info("agentd debug surface listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug server stopped", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("agentd shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func newRouter(logger logging.Logger, feed *statusfeed.Hub) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/debug/agent/status", func(w http.ResponseWriter, req *http.Request) {
		snap := metrics.DefaultRegistry().Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			logger.Warn("failed to encode status snapshot", "error", err)
		}
	}).Methods(http.MethodGet)

	r.HandleFunc("/debug/agent/ws", feed.HandleWebSocket)

	return r
}

func applyEnvOverrides(cfg *agent.Config) {
	if v := os.Getenv("AGENT_THREAD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AgentThreadCount = n
		}
	}
	if v := os.Getenv("COMMAND_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CommandTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("WDOG_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WdogPoll = time.Duration(n) * time.Second
		}
	}
}
