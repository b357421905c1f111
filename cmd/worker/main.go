// Command worker runs the Worker Pool (spec.md §4.4): consumes the Job
// Stream's consumer group, dispatches to the Generator, applies
// retry/backoff/DLQ policy, and reports back to the Submission API.
// Exposes a Prometheus /metrics endpoint, generalizing the teacher's
// worker/main.go histogram/counter trio onto the full job pipeline.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeffreysanford/soundforge/internal/config"
	"github.com/jeffreysanford/soundforge/internal/generator"
	"github.com/jeffreysanford/soundforge/internal/job"
	"github.com/jeffreysanford/soundforge/internal/logging"
	"github.com/jeffreysanford/soundforge/internal/metrics"
	"github.com/jeffreysanford/soundforge/internal/objectstore"
	"github.com/jeffreysanford/soundforge/internal/stream"
	"github.com/jeffreysanford/soundforge/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logger := logging.New("worker", os.Getenv("LOG_LEVEL"))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Error("redis ping failed", "error", err)
		cancelPing()
		os.Exit(1)
	}
	cancelPing()

	jobs := job.NewStore(rdb)
	jobStream := stream.New(rdb, cfg.Redis.Stream, cfg.Redis.DeadStream, cfg.Redis.Group, cfg.Redis.Consumer)
	if err := jobStream.EnsureGroup(context.Background()); err != nil {
		logger.Error("ensure consumer group failed", "error", err)
		os.Exit(1)
	}

	objStore, err := objectstore.New(context.Background(), cfg.ObjectStoreBucket, cfg.AWSRegion)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(1)
	}

	genClient := generator.New(cfg.GeneratorEndpoints, cfg.ServiceToken, cfg.GeneratorTimeout)

	metrics.RegisterWorker(prometheus.DefaultRegisterer)

	pool := worker.New(jobs, jobStream, genClient, objStore, cfg, logger)

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("starting worker metrics endpoint", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed to start", "error", err)
		}
	}()

	runCtx, stopPool := context.WithCancel(context.Background())
	pool.Start(runCtx)
	logger.Info("worker pool started", "concurrency", cfg.Concurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("draining worker pool")
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancelDrain()
	if err := pool.Shutdown(drainCtx); err != nil {
		logger.Warn("drain deadline exceeded", "error", err)
	}
	stopPool()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = rdb.Close()
	logger.Info("worker exited")
}
