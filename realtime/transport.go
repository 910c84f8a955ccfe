package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-realtime/model"
)

// Transport owns the one physical websocket to the push server. It
// knows nothing about leadership or peers; the Client decides when to
// open it. Credentials travel out of band via the cookie jar or
// headers configured on the dialer.
type Transport struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	logger *slog.Logger

	onEvent  func(model.Envelope)
	onClosed func(err error)

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func NewTransport(url string, header http.Header, jar http.CookieJar, logger *slog.Logger) *Transport {
	d := &websocket.Dialer{Jar: jar}
	return &Transport{
		url:    url,
		dialer: d,
		header: header,
		logger: logger.With(slog.String("component", "transport")),
	}
}

func (t *Transport) SetHandlers(onEvent func(model.Envelope), onClosed func(err error)) {
	t.onEvent = onEvent
	t.onClosed = onClosed
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Open dials the server and starts the read loop. No-op when a
// connection is already up.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil {
			// Fold the HTTP status into the error so the handshake
			// rejection reason survives for classification.
			return fmt.Errorf("handshake failed: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	t.mu.Lock()
	if t.conn != nil {
		// Lost the race to another Open; keep the first socket.
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info("socket open", slog.String("url", t.url))
	go t.readPump(conn)
	return nil
}

func (t *Transport) readPump(conn *websocket.Conn) {
	for {
		var env model.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.mu.Lock()
			mine := t.conn == conn
			if mine {
				t.conn = nil
			}
			t.mu.Unlock()
			conn.Close()
			if mine && t.onClosed != nil {
				t.onClosed(err)
			}
			return
		}
		if t.onEvent != nil {
			t.onEvent(env)
		}
	}
}

// Send writes one envelope. Safe for concurrent use.
func (t *Transport) Send(env model.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("realtime: socket not open")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// Close tears the socket down without invoking the closed handler;
// deliberate teardown is not a failure to recover from. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return conn.Close()
}
