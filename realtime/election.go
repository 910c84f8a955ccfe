package realtime

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/example/ride-realtime/bus"
	"github.com/example/ride-realtime/internal/observability"
)

// Elector decides which peer instance of a session owns the physical
// socket. The protocol is timing-based, not consensus: a candidate
// broadcasts request-leader, any sitting leader answers iam-leader,
// and silence for the election window means the candidacy succeeds.
// Concurrent claims inside the jitter window can produce two leaders;
// the server tolerates the resulting duplicate sends, so no
// tie-breaker is applied.
type Elector struct {
	bus       bus.Bus
	peerID    string
	window    time.Duration
	jitterMax time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	leader  bool
	replied chan struct{}

	// onFollower fires when another peer announces leadership; the
	// client uses it to cancel any queued reconnect.
	onFollower func()
	// onRelease fires when the sitting leader steps down; the client
	// re-runs the election.
	onRelease func()

	cancelSub func()
}

func NewElector(b bus.Bus, peerID string, window, jitterMax time.Duration, logger *slog.Logger) *Elector {
	e := &Elector{
		bus:       b,
		peerID:    peerID,
		window:    window,
		jitterMax: jitterMax,
		logger:    logger.With(slog.String("component", "elector"), slog.String("peer", peerID)),
	}
	e.cancelSub = b.Subscribe(e.handle)
	return e
}

func (e *Elector) SetCallbacks(onFollower, onRelease func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFollower = onFollower
	e.onRelease = onRelease
}

func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Campaign runs one election round and reports whether this peer is
// now the leader. If the bus is unusable the peer claims leadership
// unconditionally: with no channel to the other peers, single-tab
// behavior is the only safe assumption.
func (e *Elector) Campaign(ctx context.Context) bool {
	observability.ElectionsTotal.Inc()

	e.mu.Lock()
	if e.leader {
		e.mu.Unlock()
		return true
	}
	replied := make(chan struct{})
	e.replied = replied
	e.mu.Unlock()

	if err := e.bus.Publish(ctx, bus.Message{Kind: bus.KindRequestLeader, From: e.peerID}); err != nil {
		e.logger.Warn("bus unavailable, assuming single-instance leadership", slog.Any("error", err))
		e.setLeader(true)
		return true
	}

	wait := e.window
	if e.jitterMax > 0 {
		wait += time.Duration(rand.Int63n(int64(e.jitterMax)))
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-replied:
		e.logger.Debug("leader already present, staying follower")
		e.setLeader(false)
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		e.setLeader(true)
		if err := e.bus.Publish(ctx, bus.Message{Kind: bus.KindIAmLeader, From: e.peerID}); err != nil {
			e.logger.Warn("could not announce leadership", slog.Any("error", err))
		}
		e.logger.Info("claimed leadership")
		return true
	}
}

// Release steps down and tells the other peers to re-elect. Safe to
// call when not leader.
func (e *Elector) Release(ctx context.Context) {
	e.mu.Lock()
	wasLeader := e.leader
	e.leader = false
	e.mu.Unlock()
	if !wasLeader {
		return
	}
	if err := e.bus.Publish(ctx, bus.Message{Kind: bus.KindReleaseLeader, From: e.peerID}); err != nil {
		e.logger.Warn("could not broadcast leadership release", slog.Any("error", err))
	}
}

func (e *Elector) Close() {
	if e.cancelSub != nil {
		e.cancelSub()
	}
}

func (e *Elector) setLeader(v bool) {
	e.mu.Lock()
	e.leader = v
	e.replied = nil
	e.mu.Unlock()
}

// handle processes election traffic. State is read under the lock and
// released before any publish, because bus delivery is synchronous
// and may re-enter this handler.
func (e *Elector) handle(msg bus.Message) {
	if msg.From == e.peerID {
		return
	}
	switch msg.Kind {
	case bus.KindRequestLeader:
		e.mu.Lock()
		leader := e.leader
		e.mu.Unlock()
		if leader {
			if err := e.bus.Publish(context.Background(), bus.Message{Kind: bus.KindIAmLeader, From: e.peerID}); err != nil {
				e.logger.Warn("could not answer leadership request", slog.Any("error", err))
			}
		}
	case bus.KindIAmLeader:
		e.mu.Lock()
		if e.replied != nil {
			close(e.replied)
			e.replied = nil
		}
		wasLeader := e.leader
		onFollower := e.onFollower
		e.mu.Unlock()
		if wasLeader {
			// Two self-declared leaders: the race the protocol
			// tolerates. Keep leadership, the server dedups.
			e.logger.Warn("another peer also claims leadership", slog.String("other", msg.From))
			return
		}
		if onFollower != nil {
			onFollower()
		}
	case bus.KindReleaseLeader:
		e.mu.Lock()
		onRelease := e.onRelease
		e.mu.Unlock()
		if onRelease != nil {
			onRelease()
		}
	}
}
