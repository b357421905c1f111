// Command api runs the Submission API (spec.md §4.1): job submission,
// status/list/cancel, the privileged Report endpoint, and the Auth &
// Service-Token surface. Lifecycle follows mattcburns-shoal-provision's
// cmd/shoal/main.go: background http.Server goroutine, signal.Notify on
// SIGINT/SIGTERM, context-bounded graceful shutdown.
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

	"github.com/jeffreysanford/soundforge/internal/apiserver"
	"github.com/jeffreysanford/soundforge/internal/auth"
	"github.com/jeffreysanford/soundforge/internal/config"
	"github.com/jeffreysanford/soundforge/internal/job"
	"github.com/jeffreysanford/soundforge/internal/logging"
	"github.com/jeffreysanford/soundforge/internal/metrics"
	"github.com/jeffreysanford/soundforge/internal/stream"
)

func main() {
	cfg := config.LoadAPI()
	logger := logging.New("api", os.Getenv("LOG_LEVEL"))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
	ctx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
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
	users := auth.NewUserStore(rdb)
	issuer := auth.NewIssuer(cfg.Auth.JWTSecret)

	metrics.RegisterAPI(prometheus.DefaultRegisterer)

	srv := apiserver.New(rdb, jobs, jobStream, users, issuer, cfg, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting submission api", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down submission api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	_ = rdb.Close()
	logger.Info("submission api exited")
}
