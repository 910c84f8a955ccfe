// Package realtime maintains the single logical push connection of a
// user session. Of all the peer client instances sharing that session
// only the elected leader dials the server; every instance sees the
// event stream through the session bus, and sends from followers are
// relayed through the leader. The package exposes Connect/Disconnect,
// per-event subscriptions, and Emit.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-realtime/bus"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/model"
)

// AuthProvider is the authentication collaborator. Refresh renews the
// credential after an expiry rejection; Logout terminates the session
// when recovery is impossible. Session gates whether a connection
// should exist at all.
type AuthProvider interface {
	Refresh(ctx context.Context) error
	Logout(ctx context.Context) error
	Session() model.SessionState
}

// Notifier is the user-notification collaborator (toast sink).
type Notifier interface {
	Toast(description, variant string)
}

// Router receives every socket event before the per-event handlers.
// Satisfied by state.Router.
type Router interface {
	Route(event string, payload json.RawMessage)
}

// Handler is a per-event subscriber callback.
type Handler func(event string, payload json.RawMessage)

// Config holds the client tunables. Zero values fall back to the
// production protocol constants.
type Config struct {
	URL    string
	Header http.Header
	Jar    http.CookieJar

	ElectionWindow    time.Duration
	ElectionJitterMax time.Duration

	ReconnectBase      time.Duration
	ReconnectMax       time.Duration
	ReconnectJitterMax time.Duration
	ReconnectAttempts  int
}

func (c Config) withDefaults() Config {
	if c.ElectionWindow <= 0 {
		c.ElectionWindow = 250 * time.Millisecond
	}
	if c.ElectionJitterMax < 0 {
		c.ElectionJitterMax = 0
	} else if c.ElectionJitterMax == 0 {
		c.ElectionJitterMax = 100 * time.Millisecond
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	return c
}

type Client struct {
	cfg       Config
	peerID    string
	bus       bus.Bus
	transport *Transport
	elector   *Elector
	auth      AuthProvider
	notify    Notifier
	router    Router
	logger    *slog.Logger

	mu             sync.Mutex
	handlers       map[string]map[int]Handler
	nextHandlerID  int
	subCounts      map[string]int
	reconnectTimer *time.Timer
	attempts       int
	stopped        bool

	cancelSub func()
}

// NewClient wires a client onto the session bus. Pass nil for b to
// run in single-instance mode; the client then uses a private
// in-process hub and always elects itself.
func NewClient(cfg Config, b bus.Bus, auth AuthProvider, notify Notifier, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if b == nil {
		b = bus.NewHub().Join()
	}
	peerID := uuid.NewString()
	c := &Client{
		cfg:       cfg,
		peerID:    peerID,
		bus:       b,
		transport: NewTransport(cfg.URL, cfg.Header, cfg.Jar, logger),
		elector:   NewElector(b, peerID, cfg.ElectionWindow, cfg.ElectionJitterMax, logger),
		auth:      auth,
		notify:    notify,
		logger:    logger.With(slog.String("component", "realtime_client"), slog.String("peer", peerID)),
		handlers:  make(map[string]map[int]Handler),
		subCounts: make(map[string]int),
	}
	c.transport.SetHandlers(c.handleSocketEvent, c.handleSocketClosed)
	c.elector.SetCallbacks(c.cancelReconnect, c.handleLeaderReleased)
	c.cancelSub = b.Subscribe(c.handleBusMessage)
	return c
}

// SetRouter installs the reducer router. Must be called before
// Connect; events received with no router go only to On handlers.
func (c *Client) SetRouter(r Router) { c.router = r }

// PeerID identifies this client instance on the session bus.
func (c *Client) PeerID() string { return c.peerID }

// IsLeader reports whether this instance currently owns the socket.
func (c *Client) IsLeader() bool { return c.elector.IsLeader() }

// Connected reports whether this instance holds an open socket. Only
// ever true on the leader.
func (c *Client) Connected() bool { return c.transport.Connected() }

// Connect runs an election round and, on winning, opens the socket.
// Idempotent: an instance that is already connected, or that loses
// the election, returns nil. Not logged in returns ErrLoggedOut.
func (c *Client) Connect(ctx context.Context) error {
	if !c.auth.Session().LoggedIn {
		return ErrLoggedOut
	}
	c.mu.Lock()
	c.stopped = false
	c.attempts = 0
	c.mu.Unlock()

	if c.transport.Connected() {
		return nil
	}
	if !c.elector.Campaign(ctx) {
		c.logger.Debug("following existing leader")
		return nil
	}
	return c.openSocket(ctx)
}

// Disconnect releases leadership, stops any pending reconnect and
// closes the socket. Idempotent. The client can Connect again later.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.attempts = 0
	c.mu.Unlock()

	c.elector.Release(ctx)
	observability.Connected.Set(0)
	return c.transport.Close()
}

// Close permanently detaches the client from the bus.
func (c *Client) Close() error {
	err := c.Disconnect(context.Background())
	c.elector.Close()
	if c.cancelSub != nil {
		c.cancelSub()
	}
	return err
}

// On registers a handler for an event name and returns its remover.
// The first handler for a name subscribes the session to that event
// on the server (relayed through the leader); removing the last one
// unsubscribes.
func (c *Client) On(event string, fn Handler) (cancel func()) {
	c.mu.Lock()
	m, ok := c.handlers[event]
	if !ok {
		m = make(map[int]Handler)
		c.handlers[event] = m
	}
	id := c.nextHandlerID
	c.nextHandlerID++
	m[id] = fn
	first := len(m) == 1
	c.mu.Unlock()

	if first {
		c.announceSubscription(bus.KindSubscribe, event)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(m, id)
			last := len(m) == 0
			if last {
				delete(c.handlers, event)
			}
			c.mu.Unlock()
			if last {
				c.announceSubscription(bus.KindUnsubscribe, event)
			}
		})
	}
}

// Emit sends an event to the server: directly when this instance is
// the connected leader, otherwise relayed over the bus. When neither
// path exists the failure is surfaced, never silently dropped.
func (c *Client) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if c.elector.IsLeader() {
		if c.transport.Connected() {
			return c.transport.Send(model.Envelope{Event: event, Payload: raw})
		}
		c.notify.Toast("Not connected. Your action was not sent.", "error")
		return ErrNoPath
	}
	msg := bus.Message{Kind: bus.KindEmit, From: c.peerID, Event: event, Payload: raw}
	if err := c.bus.Publish(context.Background(), msg); err != nil {
		c.notify.Toast("Not connected. Your action was not sent.", "error")
		return ErrNoPath
	}
	return nil
}

// --- socket side ---

func (c *Client) openSocket(ctx context.Context) error {
	err := c.transport.Open(ctx)
	if err != nil {
		c.handleConnectionError(ctx, err)
		return err
	}
	c.mu.Lock()
	c.attempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()
	observability.Connected.Set(1)
	c.replaySubscriptions()
	return nil
}

// handleSocketEvent mirrors every inbound server event onto the bus.
// The leader consumes it through its own bus subscription like every
// other peer, so delivery is one uniform path. If the bus rejects the
// publish the event is delivered locally so a degraded instance still
// sees its own stream.
func (c *Client) handleSocketEvent(env model.Envelope) {
	msg := bus.Message{Kind: bus.KindSocketEvent, From: c.peerID, Event: env.Event, Payload: env.Payload}
	if err := c.bus.Publish(context.Background(), msg); err != nil {
		c.deliver(env.Event, env.Payload)
	}
}

func (c *Client) handleSocketClosed(err error) {
	observability.Connected.Set(0)
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}
	c.logger.Warn("socket closed", slog.Any("error", err))
	c.handleConnectionError(context.Background(), err)
}

func (c *Client) handleConnectionError(ctx context.Context, err error) {
	switch Classify(err) {
	case ClassCredential:
		go c.refreshAndReconnect(ctx)
	case ClassBlocked:
		c.notify.Toast("Your account has been blocked. Contact support.", "error")
		if lerr := c.auth.Logout(ctx); lerr != nil {
			c.logger.Error("logout failed", slog.Any("error", lerr))
		}
	default:
		c.scheduleReconnect()
	}
}

func (c *Client) refreshAndReconnect(ctx context.Context) {
	if err := c.auth.Refresh(ctx); err != nil {
		c.logger.Warn("credential refresh failed", slog.Any("error", err))
		c.notify.Toast("Your session has expired. Please log in again.", "error")
		if lerr := c.auth.Logout(ctx); lerr != nil {
			c.logger.Error("logout failed", slog.Any("error", lerr))
		}
		return
	}
	if err := c.transport.Open(ctx); err != nil {
		c.scheduleReconnect()
		return
	}
	observability.Connected.Set(1)
	c.replaySubscriptions()
}

// scheduleReconnect queues one backoff timer. Attempts are capped;
// past the cap the instance stays disconnected until an external
// trigger (login or role change) calls Connect again.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || !c.elector.IsLeader() {
		return
	}
	if c.reconnectTimer != nil {
		return
	}
	if c.attempts >= c.cfg.ReconnectAttempts {
		c.logger.Warn("reconnect attempts exhausted", slog.Int("attempts", c.attempts))
		return
	}
	c.attempts++
	observability.ReconnectsTotal.Inc()
	delay := ReconnectDelay(c.attempts, c.cfg.ReconnectBase, c.cfg.ReconnectMax)
	if c.cfg.ReconnectJitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(c.cfg.ReconnectJitterMax)))
	}
	c.logger.Info("scheduling reconnect", slog.Int("attempt", c.attempts), slog.Duration("delay", delay))
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		_ = c.openSocket(context.Background())
	})
}

func (c *Client) cancelReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// ReconnectDelay is the backoff curve: base doubled per attempt,
// capped. Jitter is added by the caller.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// --- bus side ---

func (c *Client) handleBusMessage(msg bus.Message) {
	switch msg.Kind {
	case bus.KindSocketEvent:
		observability.EventsReceivedTotal.Inc()
		c.deliver(msg.Event, msg.Payload)
	case bus.KindEmit:
		if msg.From == c.peerID {
			return
		}
		if c.elector.IsLeader() && c.transport.Connected() {
			if err := c.transport.Send(model.Envelope{Event: msg.Event, Payload: msg.Payload}); err != nil {
				c.logger.Warn("relayed emit failed", slog.String("event", msg.Event), slog.Any("error", err))
			}
		}
	case bus.KindSubscribe:
		c.adjustSubscription(msg.Event, +1)
	case bus.KindUnsubscribe:
		c.adjustSubscription(msg.Event, -1)
	}
}

func (c *Client) deliver(event string, payload json.RawMessage) {
	if c.router != nil {
		c.router.Route(event, payload)
	}
	c.mu.Lock()
	fns := make([]Handler, 0, len(c.handlers[event]))
	for _, fn := range c.handlers[event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(event, payload)
	}
}

// announceSubscription publishes a subscription change to the whole
// session; each peer keeps the count so whichever one is (or becomes)
// leader knows the live set of event names. Falls back to a local
// adjustment when the bus is down.
func (c *Client) announceSubscription(kind bus.Kind, event string) {
	msg := bus.Message{Kind: kind, From: c.peerID, Event: event}
	if err := c.bus.Publish(context.Background(), msg); err != nil {
		delta := +1
		if kind == bus.KindUnsubscribe {
			delta = -1
		}
		c.adjustSubscription(event, delta)
	}
}

func (c *Client) adjustSubscription(event string, delta int) {
	c.mu.Lock()
	n := c.subCounts[event] + delta
	if n <= 0 {
		delete(c.subCounts, event)
		n = 0
	} else {
		c.subCounts[event] = n
	}
	leaderAttach := c.elector.IsLeader() && c.transport.Connected()
	c.mu.Unlock()

	if !leaderAttach {
		return
	}
	// Attach or detach the server-side listener at the 0/1 boundary.
	if delta > 0 && n == 1 {
		c.sendSubscriptionFrame(model.EventSubscribe, []string{event})
	} else if delta < 0 && n == 0 {
		c.sendSubscriptionFrame(model.EventUnsubscribe, []string{event})
	}
}

// replaySubscriptions re-attaches every live event listener after a
// connect, so handlers registered while disconnected are honored.
func (c *Client) replaySubscriptions() {
	c.mu.Lock()
	events := make([]string, 0, len(c.subCounts))
	for ev := range c.subCounts {
		events = append(events, ev)
	}
	c.mu.Unlock()
	if len(events) > 0 {
		c.sendSubscriptionFrame(model.EventSubscribe, events)
	}
}

func (c *Client) sendSubscriptionFrame(control string, events []string) {
	raw, err := json.Marshal(model.SubscriptionPayload{Events: events})
	if err != nil {
		return
	}
	if err := c.transport.Send(model.Envelope{Event: control, Payload: raw}); err != nil {
		c.logger.Warn("subscription frame failed", slog.String("control", control), slog.Any("error", err))
	}
}

// handleLeaderReleased re-runs the election when the sitting leader
// steps down, and opens the socket if this instance wins.
func (c *Client) handleLeaderReleased() {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped || !c.auth.Session().LoggedIn {
		return
	}
	go func() {
		if c.elector.Campaign(context.Background()) {
			_ = c.openSocket(context.Background())
		}
	}()
}
