package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-realtime/internal/config"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/relay"
)

func main() {
	cfg, err := config.LoadRelayConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rl := relay.New(cfg, logger)

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rl.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	logger.Info("relay consuming", slog.String("topic", cfg.KafkaTopic), slog.Any("brokers", cfg.KafkaBrokers), slog.String("group", cfg.KafkaGroup))
	if err := rl.Run(ctx); err != nil {
		logger.Error("relay failed", slog.Any("error", err))
		os.Exit(1)
	}
}
