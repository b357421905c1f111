// Command gateway runs the Notification Gateway (spec.md §4.5): an
// authenticated websocket hub that fans Job transitions observed on the
// jobs:events Redis Pub/Sub channel out to subscribed clients.
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

	"github.com/jeffreysanford/soundforge/internal/auth"
	"github.com/jeffreysanford/soundforge/internal/config"
	"github.com/jeffreysanford/soundforge/internal/job"
	"github.com/jeffreysanford/soundforge/internal/logging"
	"github.com/jeffreysanford/soundforge/internal/metrics"
	"github.com/jeffreysanford/soundforge/internal/notify"
)

func main() {
	cfg := config.LoadGateway()
	logger := logging.New("gateway", os.Getenv("LOG_LEVEL"))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Error("redis ping failed", "error", err)
		cancelPing()
		os.Exit(1)
	}
	cancelPing()

	jobs := job.NewStore(rdb)
	issuer := auth.NewIssuer(cfg.Auth.JWTSecret)

	metrics.RegisterGateway(prometheus.DefaultRegisterer)

	hub := notify.NewHub()
	go hub.Run()
	runCtx, stopHub := context.WithCancel(context.Background())

	watcher := notify.NewWatcher(rdb, cfg.EventsChannel, hub, logger)
	go func() {
		if err := watcher.Run(runCtx); err != nil && err != context.Canceled {
			logger.Error("events watcher stopped", "error", err)
		}
	}()

	jobOwner := func(jobID string) (string, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		j, err := jobs.Get(ctx, jobID)
		if err != nil {
			return "", false
		}
		return j.UserID, true
	}

	wsServer := notify.NewServer(hub, issuer, jobOwner, cfg.HeartbeatPeriod, cfg.IdleTimeout, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.HandleUpgrade)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket connections
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting notification gateway", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down notification gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	stopHub()
	_ = rdb.Close()
	logger.Info("notification gateway exited")
}
