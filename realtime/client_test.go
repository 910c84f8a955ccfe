package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-realtime/bus"
	"github.com/example/ride-realtime/model"
)

type fakeAuth struct {
	mu         sync.Mutex
	loggedIn   bool
	refreshErr error
	refreshes  int

	logoutOnce sync.Once
	loggedOut  chan struct{}
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{loggedIn: true, loggedOut: make(chan struct{})}
}

func (a *fakeAuth) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	return a.refreshErr
}

func (a *fakeAuth) Logout(ctx context.Context) error {
	a.mu.Lock()
	a.loggedIn = false
	a.mu.Unlock()
	a.logoutOnce.Do(func() { close(a.loggedOut) })
	return nil
}

func (a *fakeAuth) Session() model.SessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return model.SessionState{Role: model.RoleRider, LoggedIn: a.loggedIn}
}

func (a *fakeAuth) refreshCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes
}

type toastRecorder struct {
	mu     sync.Mutex
	toasts []string
}

func (r *toastRecorder) Toast(description, variant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, description)
}

func (r *toastRecorder) contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.toasts {
		if strings.Contains(d, substr) {
			return true
		}
	}
	return false
}

// pushServer is a minimal websocket endpoint: every inbound envelope
// lands on recv, every accepted connection on conns.
type pushServer struct {
	srv   *httptest.Server
	recv  chan model.Envelope
	conns chan *websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{
		recv:  make(chan model.Envelope, 64),
		conns: make(chan *websocket.Conn, 4),
	}
	up := websocket.Upgrader{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.conns <- conn
		for {
			var env model.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			ps.recv <- env
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func (ps *pushServer) nextFrame(t *testing.T) model.Envelope {
	t.Helper()
	select {
	case env := <-ps.recv:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no frame reached the server")
		return model.Envelope{}
	}
}

func testClientConfig(url string) Config {
	return Config{
		URL:                url,
		ElectionWindow:     testWindow,
		ElectionJitterMax:  testJitter,
		ReconnectBase:      time.Millisecond,
		ReconnectMax:       5 * time.Millisecond,
		ReconnectJitterMax: time.Nanosecond,
		ReconnectAttempts:  5,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectRequiresLogin(t *testing.T) {
	auth := newFakeAuth()
	auth.loggedIn = false
	c := NewClient(testClientConfig("ws://127.0.0.1:1/ws"), nil, auth, &toastRecorder{}, testLogger())
	defer c.Close()

	if err := c.Connect(context.Background()); !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Connect while logged out = %v, want ErrLoggedOut", err)
	}
}

func TestOnlyTheLeaderOpensTheSocket(t *testing.T) {
	ps := newPushServer(t)
	hub := bus.NewHub()
	cfg := testClientConfig(ps.wsURL())

	a := NewClient(cfg, hub.Join(), newFakeAuth(), &toastRecorder{}, testLogger())
	defer a.Close()
	b := NewClient(cfg, hub.Join(), newFakeAuth(), &toastRecorder{}, testLogger())
	defer b.Close()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("leader connect: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("follower connect: %v", err)
	}
	if !a.IsLeader() || !a.Connected() {
		t.Fatalf("first instance should be connected leader: leader=%v connected=%v", a.IsLeader(), a.Connected())
	}
	if b.IsLeader() || b.Connected() {
		t.Fatalf("second instance should follow without a socket: leader=%v connected=%v", b.IsLeader(), b.Connected())
	}
}

func TestFollowerEmitRelaysThroughLeader(t *testing.T) {
	ps := newPushServer(t)
	hub := bus.NewHub()
	cfg := testClientConfig(ps.wsURL())

	a := NewClient(cfg, hub.Join(), newFakeAuth(), &toastRecorder{}, testLogger())
	defer a.Close()
	b := NewClient(cfg, hub.Join(), newFakeAuth(), &toastRecorder{}, testLogger())
	defer b.Close()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("leader connect: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("follower connect: %v", err)
	}

	if err := b.Emit(model.EventChatMessage, model.ChatMessage{RideID: "r1", ID: "m1", Text: "hi"}); err != nil {
		t.Fatalf("follower emit: %v", err)
	}
	env := ps.nextFrame(t)
	if env.Event != model.EventChatMessage {
		t.Fatalf("server saw event %q, want %q", env.Event, model.EventChatMessage)
	}
	var msg model.ChatMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.Text != "hi" {
		t.Fatalf("relayed payload corrupted: %s err=%v", env.Payload, err)
	}
}

func TestServerEventsFanOutToAllPeers(t *testing.T) {
	ps := newPushServer(t)
	hub := bus.NewHub()
	cfg := testClientConfig(ps.wsURL())

	a := NewClient(cfg, hub.Join(), newFakeAuth(), &toastRecorder{}, testLogger())
	defer a.Close()
	b := NewClient(cfg, hub.Join(), newFakeAuth(), &toastRecorder{}, testLogger())
	defer b.Close()

	gotA := make(chan json.RawMessage, 1)
	gotB := make(chan json.RawMessage, 1)
	a.On(model.EventRideStatus, func(event string, payload json.RawMessage) { gotA <- payload })
	b.On(model.EventRideStatus, func(event string, payload json.RawMessage) { gotB <- payload })

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("leader connect: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("follower connect: %v", err)
	}

	conn := <-ps.conns
	payload := `{"ride_id":"r1","status":"ongoing","updated_at":1}`
	if err := conn.WriteJSON(model.Envelope{Event: model.EventRideStatus, Payload: json.RawMessage(payload)}); err != nil {
		t.Fatalf("server push: %v", err)
	}

	for name, ch := range map[string]chan json.RawMessage{"leader": gotA, "follower": gotB} {
		select {
		case raw := <-ch:
			if !strings.Contains(string(raw), "ongoing") {
				t.Fatalf("%s payload corrupted: %s", name, raw)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never saw the pushed event", name)
		}
	}
}

func TestSubscriptionFramesFollowHandlerLifecycle(t *testing.T) {
	ps := newPushServer(t)
	hub := bus.NewHub()

	c := NewClient(testClientConfig(ps.wsURL()), hub.Join(), newFakeAuth(), &toastRecorder{}, testLogger())
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	cancel1 := c.On(model.EventNotification, func(string, json.RawMessage) {})
	env := ps.nextFrame(t)
	if env.Event != model.EventSubscribe {
		t.Fatalf("first handler sent %q, want subscribe", env.Event)
	}
	var sub model.SubscriptionPayload
	if err := json.Unmarshal(env.Payload, &sub); err != nil || len(sub.Events) != 1 || sub.Events[0] != model.EventNotification {
		t.Fatalf("subscribe payload %s err=%v", env.Payload, err)
	}

	// A second handler for the same event reuses the live listener.
	cancel2 := c.On(model.EventNotification, func(string, json.RawMessage) {})
	select {
	case env := <-ps.recv:
		t.Fatalf("second handler sent an extra frame: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}

	// Only removing the last handler detaches the server-side listener.
	cancel1()
	select {
	case env := <-ps.recv:
		t.Fatalf("early cancel sent a frame: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
	cancel2()
	env = ps.nextFrame(t)
	if env.Event != model.EventUnsubscribe {
		t.Fatalf("last cancel sent %q, want unsubscribe", env.Event)
	}
	// A remover is idempotent.
	cancel2()
	select {
	case env := <-ps.recv:
		t.Fatalf("repeated cancel sent a frame: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitSurfacesMissingSendPath(t *testing.T) {
	hub := bus.NewHub()
	ep := hub.Join()
	toasts := &toastRecorder{}
	c := NewClient(testClientConfig("ws://127.0.0.1:1/ws"), ep, newFakeAuth(), toasts, testLogger())
	defer c.Close()

	// The bus is dead and there is no leader to relay through.
	hub.Close()
	if err := c.Emit(model.EventChatMessage, model.ChatMessage{Text: "hi"}); !errors.Is(err, ErrNoPath) {
		t.Fatalf("emit with no path = %v, want ErrNoPath", err)
	}
	if !toasts.contains("not sent") {
		t.Fatalf("user was not told about the lost action: %v", toasts.toasts)
	}
}

func TestReconnectStopsAfterAttemptCap(t *testing.T) {
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "temporarily down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	hub := bus.NewHub()
	cfg := testClientConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	c := NewClient(cfg, hub.Join(), newFakeAuth(), &toastRecorder{}, testLogger())
	defer c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("connect against a broken server succeeded")
	}

	// The initial dial plus every backoff retry, then nothing more.
	want := int64(1 + cfg.ReconnectAttempts)
	waitFor(t, func() bool { return dials.Load() >= want }, "retries never ran")
	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != want {
		t.Fatalf("dials = %d, want %d", got, want)
	}
}

func TestExpiredCredentialRefreshesAndReconnects(t *testing.T) {
	var dials atomic.Int64
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) == 1 {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	hub := bus.NewHub()
	auth := newFakeAuth()
	c := NewClient(testClientConfig("ws"+strings.TrimPrefix(srv.URL, "http")), hub.Join(), auth, &toastRecorder{}, testLogger())
	defer c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("first connect should fail on the expired token")
	}
	waitFor(t, c.Connected, "client never reconnected after refresh")
	if got := auth.refreshCount(); got != 1 {
		t.Fatalf("refreshes = %d, want 1", got)
	}
}

func TestFailedRefreshLogsOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	hub := bus.NewHub()
	auth := newFakeAuth()
	auth.refreshErr = errors.New("refresh token expired")
	toasts := &toastRecorder{}
	c := NewClient(testClientConfig("ws"+strings.TrimPrefix(srv.URL, "http")), hub.Join(), auth, toasts, testLogger())
	defer c.Close()

	_ = c.Connect(context.Background())
	select {
	case <-auth.loggedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("failed refresh never logged the session out")
	}
	if !toasts.contains("expired") {
		t.Fatalf("user was not told the session expired: %v", toasts.toasts)
	}
}

func TestBlockedAccountLogsOutWithoutRetry(t *testing.T) {
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "account blocked", http.StatusForbidden)
	}))
	defer srv.Close()

	hub := bus.NewHub()
	auth := newFakeAuth()
	toasts := &toastRecorder{}
	c := NewClient(testClientConfig("ws"+strings.TrimPrefix(srv.URL, "http")), hub.Join(), auth, toasts, testLogger())
	defer c.Close()

	_ = c.Connect(context.Background())
	select {
	case <-auth.loggedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked account never logged out")
	}
	if !toasts.contains("blocked") {
		t.Fatalf("user was not told about the block: %v", toasts.toasts)
	}
	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("blocked account was retried: %d dials", got)
	}
}

func TestLeadershipHandsOffOnDisconnect(t *testing.T) {
	ps := newPushServer(t)
	hub := bus.NewHub()
	cfg := testClientConfig(ps.wsURL())

	a := NewClient(cfg, hub.Join(), newFakeAuth(), &toastRecorder{}, testLogger())
	defer a.Close()
	b := NewClient(cfg, hub.Join(), newFakeAuth(), &toastRecorder{}, testLogger())
	defer b.Close()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("leader connect: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("follower connect: %v", err)
	}

	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitFor(t, func() bool { return b.IsLeader() && b.Connected() }, "survivor never took over the socket")
	if a.IsLeader() {
		t.Fatal("released instance still claims leadership")
	}
}

func TestReconnectDelayCurve(t *testing.T) {
	base := 500 * time.Millisecond
	max := 30 * time.Second
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	for i, w := range want {
		if got := ReconnectDelay(i+1, base, max); got != w {
			t.Fatalf("attempt %d: delay %v, want %v", i+1, got, w)
		}
	}
	if got := ReconnectDelay(10, base, max); got != max {
		t.Fatalf("deep attempt not capped: %v", got)
	}
	// Shift overflow must land on the cap, not go negative.
	if got := ReconnectDelay(70, base, max); got != max {
		t.Fatalf("overflowed attempt not capped: %v", got)
	}
	if got := ReconnectDelay(0, base, max); got != base {
		t.Fatalf("attempt floor broken: %v", got)
	}
}
