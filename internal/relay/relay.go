// Package relay consumes the driver-location firehose from Kafka and
// folds it into Redis: the latest sample per ride goes into a hash
// for late-joining sessions, and every sample is republished on the
// location channel the push server fans out from.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-realtime/internal/config"
	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/model"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_redis_errors_total",
		Help: "Total redis errors",
	})
)

// RedisSink is the small subset of redis operations the relay needs,
// split out so tests can fake it.
type RedisSink interface {
	SetLatest(ctx context.Context, sample model.LocationSample) error
	PublishSample(ctx context.Context, sample model.LocationSample) error
}

type redisAdapter struct {
	c       *redis.Client
	channel string
}

func (r *redisAdapter) SetLatest(ctx context.Context, s model.LocationSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.c.HSet(ctx, "ride:latest", s.RideID, b).Err()
}

func (r *redisAdapter) PublishSample(ctx context.Context, s model.LocationSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.c.Publish(ctx, r.channel, b).Err()
}

// UpdateWithRetry writes a sample to the sink with bounded retries
// and doubling delay: latest-cache first, then the publish.
func UpdateWithRetry(ctx context.Context, sink RedisSink, sample model.LocationSample, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if err := sink.SetLatest(ctx, sample); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := sink.PublishSample(ctx, sample); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}

type Relay struct {
	reader *kafka.Reader
	rc     *redis.Client
	sink   RedisSink
	cfg    config.RelayConfig
	logger *slog.Logger

	lastByRide map[string]model.LocationSample
}

func New(cfg config.RelayConfig, logger *slog.Logger) *Relay {
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	return &Relay{
		reader:     r,
		rc:         rc,
		sink:       &redisAdapter{c: rc, channel: cfg.RedisChannel},
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "relay")),
		lastByRide: make(map[string]model.LocationSample),
	}
}

// Ping checks redis connectivity, used by the readiness endpoint.
func (r *Relay) Ping(ctx context.Context) error {
	return r.rc.Ping(ctx).Err()
}

// Run consumes until the context ends. Kafka read errors back off
// exponentially up to 30s; redis write failures are retried per
// message and then skipped.
func (r *Relay) Run(ctx context.Context) error {
	defer func() {
		_ = r.reader.Close()
		_ = r.rc.Close()
	}()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("shutting down relay")
				return nil
			}
			r.logger.Warn("kafka read error", slog.Any("error", err), slog.Duration("backoff", backoff))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var sample model.LocationSample
		if err := json.Unmarshal(m.Value, &sample); err != nil {
			msgsInvalid.Inc()
			r.logger.Warn("invalid location message", slog.Any("error", err))
			continue
		}
		sample = r.enrich(sample)

		if err := UpdateWithRetry(ctx, r.sink, sample, r.cfg.RetryAttempts, r.cfg.RetryDelay); err != nil {
			redisErrors.Inc()
			r.logger.Warn("redis update failed", slog.String("ride", sample.RideID), slog.Any("error", err))
			continue
		}
		redisUpdates.Inc()
	}
}

// enrich derives speed and heading from the previous sample when the
// device did not report them.
func (r *Relay) enrich(sample model.LocationSample) model.LocationSample {
	prev, ok := r.lastByRide[sample.RideID]
	r.lastByRide[sample.RideID] = sample
	if !ok || sample.TS <= prev.TS {
		return sample
	}
	if sample.Speed == 0 {
		dist := geo.Haversine(prev.Lat, prev.Lng, sample.Lat, sample.Lng)
		dt := float64(sample.TS-prev.TS) / 1000.0
		sample.Speed = dist / dt
	}
	if sample.Heading == 0 {
		sample.Heading = geo.Bearing(prev.Lat, prev.Lng, sample.Lat, sample.Lng)
	}
	return sample
}
