package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/scrollstitch/capture"
	"github.com/hazyhaar/scrollstitch/dbopen"
	"github.com/hazyhaar/scrollstitch/observability"
	"github.com/hazyhaar/scrollstitch/shield"
)

const (
	workerName = "scrollstitch"
	version    = "0.1.0"
)

func newServeCommand(flags *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture service (HTTP, MCP, metrics)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, slog.Default())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the config")
	return cmd
}

func serve(ctx context.Context, cfg *capture.Config, logger *slog.Logger) error {
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("index db: %w", err)
	}
	defer db.Close()

	// Separate database so monitoring writes never contend with ingestion.
	obsDB, err := dbopen.Open(cfg.Observability.DBPath, dbopen.WithMkdirAll(), dbopen.WithSynchronous("OFF"))
	if err != nil {
		return fmt.Errorf("observability db: %w", err)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		return fmt.Errorf("observability schema: %w", err)
	}

	metrics := observability.NewMetricsManager(obsDB, 100, 5*time.Second, logger)
	defer metrics.Close()
	events := observability.NewEventLogger(obsDB, observability.WithEventLogger(logger))
	prom := observability.NewProm()

	svc, err := capture.New(ctx, cfg, db,
		capture.WithLogger(logger),
		capture.WithMetrics(metrics),
		capture.WithEvents(events),
		capture.WithProm(prom),
	)
	if err != nil {
		return err
	}
	if err := svc.Recover(ctx); err != nil {
		return err
	}

	heartbeat := observability.NewHeartbeatWriter(obsDB, workerName, cfg.Observability.HeartbeatInterval, svc.LiveSessions, logger)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	// The pipeline outlives the HTTP server: in-flight completions finish
	// after shutdown begins.
	svcCtx, svcCancel := context.WithCancel(context.WithoutCancel(ctx))
	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		svc.Run(svcCtx)
	}()
	go func() {
		defer bg.Done()
		cleanupLoop(svcCtx, obsDB, cfg.Observability.Retention, logger)
	}()

	drain := shield.NewDrain("/v1/health", "/metrics")
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(cfg, svc, obsDB, prom, drain, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Listen, "workers", cfg.Workers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	logger.Info("shutting down")
	drain.Start()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("shutdown", "error", serr)
	}
	svcCancel()
	bg.Wait()
	logger.Info("server stopped")
	return err
}

func newRouter(cfg *capture.Config, svc *capture.Service, obsDB *sql.DB, prom *observability.Prom, drain *shield.Drain, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	stack := shield.DefaultStack(shield.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		// Frames arrive base64 in JSON.
		MaxBodyBytes: cfg.MaxFrameSize()/3*4 + 2<<20,
		RateLimit:    cfg.RateLimit,
		RateWindow:   time.Minute,
	}, drain, logger)
	for _, mw := range stack {
		r.Use(mw)
	}
	r.Use(prom.InstrumentHandler)

	r.Method(http.MethodGet, "/metrics", prom.Handler())
	r.Get("/v1/health", healthHandler(obsDB, cfg.Observability.HeartbeatInterval))

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: workerName, Version: version}, nil)
	svc.RegisterMCP(mcpSrv)
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))

	svc.RegisterHTTP(r)
	return r
}

func healthHandler(obsDB *sql.DB, interval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hb, err := observability.LatestHeartbeat(r.Context(), obsDB, workerName, 3*interval)
		status := http.StatusOK
		body := map[string]any{"status": "ok", "heartbeat": hb}
		switch {
		case err != nil:
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "error", "error": err.Error()}
		case hb == nil || !hb.Alive:
			status = http.StatusServiceUnavailable
			body["status"] = "stale"
		}
		writeJSON(w, status, body)
	}
}

func cleanupLoop(ctx context.Context, obsDB *sql.DB, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	rc := observability.RetentionConfig{Events: retention, Metrics: retention, Heartbeats: retention}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := observability.Cleanup(ctx, obsDB, rc); err != nil {
				logger.Warn("observability cleanup", "error", err)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
