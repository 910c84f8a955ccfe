// Package httpapi is the push-server side of the realtime protocol:
// a websocket endpoint speaking the subscribe/unsubscribe envelope
// protocol, plus HTTP ingest for driver locations and ride lifecycle
// transitions. It exists so the client library has a real server to
// run against in development and integration environments.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-realtime/internal/config"
	"github.com/example/ride-realtime/internal/ingest"
	"github.com/example/ride-realtime/internal/payments"
	"github.com/example/ride-realtime/internal/storage"
	"github.com/example/ride-realtime/model"
)

type Server struct {
	cfg       config.ServerConfig
	logger    *slog.Logger
	registry  *Registry
	store     storage.RideStore
	kafka     *ingest.KafkaProducer
	payments  *payments.Lifecycle
	redis     *redis.Client
	jwtSecret string
	mux       *mux.Router

	seqMu sync.Mutex
	seqs  map[string]int64
}

// New wires a server from config with sensible fallbacks: memory
// store without Postgres, no firehose without Kafka, no relay fan-in
// without Redis.
func New(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var store storage.RideStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Warn("postgres unavailable, using memory store", slog.Any("error", err))
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "httpapi")),
		registry:  NewRegistry(logger),
		store:     store,
		kafka:     kp,
		payments:  payments.NewLifecycle(),
		redis:     rc,
		jwtSecret: cfg.JWTSecret,
		mux:       mux.NewRouter(),
		seqs:      make(map[string]int64),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/status", s.handleRideStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/history", s.handleRideHistory).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Run serves until the context ends, then shuts down gracefully and
// stops the Redis fan-in loop.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	if s.redis != nil {
		go s.runRedisFanIn(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("push server listening", slog.String("addr", s.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, status, err := s.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	sess := s.registry.Add(id, userID, conn)
	s.logger.Info("session connected", slog.String("session", id), slog.String("user", userID))

	defer func() {
		s.registry.Remove(id)
		conn.Close()
		s.logger.Info("session disconnected", slog.String("session", id))
	}()

	for {
		var env model.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Event {
		case model.EventSubscribe, model.EventUnsubscribe:
			var sub model.SubscriptionPayload
			if err := json.Unmarshal(env.Payload, &sub); err != nil {
				continue
			}
			if env.Event == model.EventSubscribe {
				sess.subscribe(sub.Events)
			} else {
				sess.unsubscribe(sub.Events)
			}
		default:
			// Client-originated events (chat, typing indicators) fan
			// out to the other sessions subscribed to that name.
			s.registry.Broadcast(env.Event, env.Payload, id)
		}
	}
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var sample model.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sample = s.stamp(sample)

	if s.kafka != nil {
		if err := s.kafka.PublishSample(sample); err != nil {
			s.logger.Warn("kafka publish failed", slog.Any("error", err))
		}
	}
	s.fanOutSample(sample)
	w.WriteHeader(http.StatusNoContent)
}

type rideStatusRequest struct {
	Status     string          `json:"status"`
	UpdatedAt  int64           `json:"updated_at,omitempty"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	FareAmount int64           `json:"fare_amount,omitempty"`
	Currency   string          `json:"currency,omitempty"`
	CustomerID string          `json:"customer_id,omitempty"`
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req rideStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UpdatedAt == 0 {
		req.UpdatedAt = time.Now().UnixMilli()
	}
	rec := model.RideStatus{
		RideID:    rideID,
		Status:    req.Status,
		UpdatedAt: req.UpdatedAt,
		Meta:      req.Meta,
		ID:        uuid.NewString(),
	}
	if err := s.store.SaveStatus(rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.applyPayment(r.Context(), rec, req)

	payload, _ := json.Marshal(rec)
	s.registry.Broadcast(model.EventRideStatus, payload, "")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) applyPayment(ctx context.Context, rec model.RideStatus, req rideStatusRequest) {
	var err error
	switch rec.Status {
	case "accepted":
		if req.FareAmount > 0 {
			err = s.payments.HoldForRide(ctx, rec.RideID, req.FareAmount, req.Currency, req.CustomerID)
		}
	case "completed":
		err = s.payments.CaptureForRide(ctx, rec.RideID)
	case "canceled":
		err = s.payments.ReleaseForRide(ctx, rec.RideID)
	default:
		return
	}
	if err != nil {
		s.logger.Warn("payment transition failed", slog.String("ride", rec.RideID), slog.String("status", rec.Status), slog.Any("error", err))
	}
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	recs, err := s.store.History(rideID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

// runRedisFanIn pushes samples relayed from the Kafka firehose (via
// the location channel) out to subscribed sessions.
func (s *Server) runRedisFanIn(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.cfg.RedisChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var sample model.LocationSample
			if err := json.Unmarshal([]byte(m.Payload), &sample); err != nil {
				s.logger.Warn("invalid relayed sample", slog.Any("error", err))
				continue
			}
			s.fanOutSample(s.stamp(sample))
		}
	}
}

// stamp assigns the server-authoritative per-ride sequence number and
// a message id when the producer did not set one.
func (s *Server) stamp(sample model.LocationSample) model.LocationSample {
	s.seqMu.Lock()
	s.seqs[sample.RideID]++
	sample.Seq = s.seqs[sample.RideID]
	s.seqMu.Unlock()
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	if sample.TS == 0 {
		sample.TS = time.Now().UnixMilli()
	}
	return sample
}

func (s *Server) fanOutSample(sample model.LocationSample) {
	payload, err := json.Marshal(sample)
	if err != nil {
		return
	}
	s.registry.Broadcast(model.EventDriverLocation, payload, "")
}
