// Command syncd runs the sync engine as a long-lived service: it wires
// every component in §4 together (via internal/wiring, shared with
// synccli), drives the Scheduler's tick loop and the Watch Manager's
// renewal scan on their own timers, consumes the Kafka ingest queue, and
// serves the HTTP surface (push callbacks + retrieval search) described in
// §6.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"aisync/internal/config"
	"aisync/internal/httpapi"
	"aisync/internal/ingestqueue"
	"aisync/internal/logging"
	"aisync/internal/scheduler"
	"aisync/internal/telemetry"
	"aisync/internal/version"
	"aisync/internal/watchmanager"
	"aisync/internal/wiring"
)

func main() {
	if err := run(); err != nil {
		logging.Log.Fatal().Err(err).Msg("syncd_exit")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Log.Info().Str("version", version.Version).Msg("syncd_starting")

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logging.Log.Warn().Err(err).Msg("telemetry_shutdown_failed")
		}
	}()

	svc, err := wiring.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	defer svc.Close()

	server := otelhttp.NewHandler(httpapi.NewServer(svc.PushHandlers, svc.Retrieval), "syncd.http")
	consumer := ingestqueue.NewConsumer(cfg.Kafka, svc.Pipeline, svc.Store, svc.Queue, alertOnIngestFailure)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return runTicker(gctx, 1*time.Minute, func() { tickScheduler(gctx, svc.Scheduler) }) })
	g.Go(func() error {
		return runTicker(gctx, cfg.Scheduler.WatchScanInterval, func() { scanWatches(gctx, svc.WatchMgr) })
	})
	g.Go(func() error { return serveHTTP(gctx, server) })

	return g.Wait()
}

func tickScheduler(ctx context.Context, s *scheduler.Scheduler) {
	if err := s.RunOnce(ctx, time.Now()); err != nil {
		logging.Log.Warn().Err(err).Msg("scheduler_run_once_failed")
	}
}

// alertOnIngestFailure is the production AlertFunc for a failed Ingest job:
// there is no paging integration wired in yet, so this raises the log level
// to Error (distinct from the Warn the Consumer already logged) so it trips
// whatever log-based alerting the deployment has configured on this field.
func alertOnIngestFailure(job ingestqueue.Job, err error) {
	logging.Log.Error().Err(err).Str("user_id", job.UserID).Str("source", job.Source).
		Str("source_id", job.SourceID).Msg("ingest_job_alert")
}

func scanWatches(ctx context.Context, m *watchmanager.Manager) {
	if err := m.ScanOnce(ctx, time.Now()); err != nil {
		logging.Log.Warn().Err(err).Msg("watch_manager_scan_failed")
	}
}

func runTicker(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

func serveHTTP(ctx context.Context, handler http.Handler) error {
	addr := ":8080"
	if v := os.Getenv("SYNC_HTTP_ADDR"); v != "" {
		addr = v
	}
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
