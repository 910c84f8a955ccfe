// ridewatch is a development client: it joins a session bus, runs the
// leader election, connects to the push server, and prints the events
// and interpolated positions it sees. Run several copies with the
// same REALTIME_SESSION_ID against one Redis to watch the leader
// election and cross-instance relay at work.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ride-realtime/bus"
	"github.com/example/ride-realtime/internal/config"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/interp"
	"github.com/example/ride-realtime/model"
	"github.com/example/ride-realtime/realtime"
	"github.com/example/ride-realtime/state"
)

// staticAuth satisfies realtime.AuthProvider with a fixed token; a
// dev tool has no refresh flow, so refresh simply fails into logout.
type staticAuth struct{}

func (staticAuth) Refresh(ctx context.Context) error { return fmt.Errorf("refresh not supported") }
func (staticAuth) Logout(ctx context.Context) error  { os.Exit(1); return nil }
func (staticAuth) Session() model.SessionState {
	return model.SessionState{Role: model.RoleRider, LoggedIn: true}
}

type stderrToast struct{ logger *slog.Logger }

func (t stderrToast) Toast(description, variant string) {
	t.logger.Warn("toast", slog.String("variant", variant), slog.String("description", description))
}

func main() {
	cfg, err := config.LoadClientConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	header := http.Header{}
	if token := os.Getenv("REALTIME_TOKEN"); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	var b bus.Bus
	if cfg.RedisAddr != "" && cfg.SessionID != "" {
		b = bus.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.SessionID, logger)
	}

	client := realtime.NewClient(realtime.Config{
		URL:                cfg.ServerURL,
		Header:             header,
		ElectionWindow:     cfg.ElectionWindow,
		ElectionJitterMax:  cfg.ElectionJitterMax,
		ReconnectBase:      cfg.ReconnectBase,
		ReconnectMax:       cfg.ReconnectMax,
		ReconnectJitterMax: cfg.ReconnectJitterMax,
		ReconnectAttempts:  cfg.ReconnectAttempts,
	}, b, staticAuth{}, stderrToast{logger: logger}, logger)
	defer client.Close()

	store := state.NewStore()
	client.SetRouter(state.NewRouter(store, logger))

	positions := interp.NewSet()

	client.On(model.EventDriverLocation, func(event string, payload json.RawMessage) {
		var sample model.LocationSample
		if err := json.Unmarshal(payload, &sample); err != nil {
			return
		}
		if latest, ok := store.Latest(sample.RideID); ok && latest.ID == sample.ID {
			positions.Advance(sample.RideID, sample)
		}
		if pos, ok := positions.Position(sample.RideID); ok {
			logger.Info("position", slog.String("ride", sample.RideID),
				slog.Float64("lat", pos.Lat), slog.Float64("lng", pos.Lng), slog.Float64("heading", pos.Heading))
		}
	})
	client.On(model.EventRideStatus, func(event string, payload json.RawMessage) {
		logger.Info("ride status", slog.String("payload", string(payload)))
	})
	client.On(model.EventChatMessage, func(event string, payload json.RawMessage) {
		logger.Info("chat", slog.String("payload", string(payload)))
	})
	client.On(model.EventNotification, func(event string, payload json.RawMessage) {
		logger.Info("notification", slog.String("payload", string(payload)))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		logger.Error("connect failed", slog.Any("error", err))
	}
	logger.Info("watching", slog.Bool("leader", client.IsLeader()), slog.String("peer", client.PeerID()))

	<-ctx.Done()
	_ = client.Disconnect(context.Background())
}
