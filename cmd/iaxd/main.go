// Command iaxd runs the IAX2 protocol engine: it binds the UDP socket,
// drives transactions/registration lines, and serves an admin/metrics HTTP
// surface alongside it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/iaxd/internal/admin"
	"github.com/flowpbx/iaxd/internal/config"
	"github.com/flowpbx/iaxd/internal/iax/engine"
	"github.com/flowpbx/iaxd/internal/iax/line"
	"github.com/flowpbx/iaxd/internal/iax/transaction"
	"github.com/flowpbx/iaxd/internal/iax/trunkframe"
	"github.com/flowpbx/iaxd/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting iaxd",
		"addr", cfg.Addr,
		"port", cfg.Port,
		"read_threads", cfg.ReadThreads,
		"event_threads", cfg.EventThreads,
		"trunk_threads", cfg.TrunkThreads,
		"admin_addr", cfg.AdminAddr,
		"admin_port", cfg.AdminPort,
	)

	callTokenKey, err := cfg.CallTokenKeyBytes()
	if err != nil {
		slog.Error("failed to decode call token key", "error", err)
		os.Exit(1)
	}

	eng := engine.New(engineConfig(cfg, callTokenKey), logger, nil, nil)
	if err := eng.Listen(); err != nil {
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	lines := line.NewManager(eng, line.Config{
		ExpiresMin:   cfg.ExpiresMin,
		ExpiresDef:   cfg.ExpiresDef,
		ExpiresMax:   cfg.ExpiresMax,
		KeepaliveSec: cfg.KeepaliveSec,
	}, logger)

	startTime := time.Now()

	collector := metrics.NewCollector(eng, eng, eng, lines, startTime)
	prometheus.MustRegister(collector)

	adminSrv := admin.NewServer(eng, lines, eng, startTime)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.AdminAddr, cfg.AdminPort),
		Handler:      adminSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("admin http server error", "error", err)
	}

	slog.Info("shutting down")
	lines.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("admin http server shutdown error", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer drainCancel()
	if err := eng.Close(drainCtx); err != nil {
		slog.Error("engine shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("iaxd stopped")
}

// engineConfig translates the flat process Config into engine.Config,
// filling in the transaction-layer and trunk-aggregation sub-configs.
func engineConfig(cfg *config.Config, callTokenKey []byte) engine.Config {
	txCfg := transaction.DefaultConfig()
	txCfg.RetransCount = cfg.RetransCount
	txCfg.RetransInterval = time.Duration(cfg.RetransInterval) * time.Millisecond
	txCfg.PingInterval = time.Duration(cfg.PingInterval) * time.Second

	policy := trunkframe.PolicyEfficientUse
	if cfg.TrunkPolicy == "always" {
		policy = trunkframe.PolicyAlwaysSend
	}

	return engine.Config{
		Addr:               cfg.Addr,
		Port:               cfg.Port,
		ForceBind:          cfg.ForceBind,
		ReadThreads:        cfg.ReadThreads,
		EventThreads:       cfg.EventThreads,
		TrunkThreads:       cfg.TrunkThreads,
		TOS:                cfg.TOS,
		StreamReadBuffer:   cfg.StreamReadBuffer,
		CallTokenOut:       cfg.CallTokenOut,
		CallTokenKey:       callTokenKey,
		ExpiresMin:         cfg.ExpiresMin,
		ExpiresDef:         cfg.ExpiresDef,
		ExpiresMax:         cfg.ExpiresMax,
		AuthRequired:       cfg.AuthRequired,
		Transaction:        txCfg,
		TrunkPolicy:        policy,
		TrunkUseTimestamps: cfg.TrunkUseTimestamps,
	}
}
