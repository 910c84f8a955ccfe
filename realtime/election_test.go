package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-realtime/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	testWindow = 20 * time.Millisecond
	testJitter = time.Nanosecond
)

func TestFirstCandidateWinsUncontested(t *testing.T) {
	hub := bus.NewHub()
	e := NewElector(hub.Join(), "p1", testWindow, testJitter, testLogger())
	defer e.Close()

	if e.IsLeader() {
		t.Fatal("leader before campaigning")
	}
	if !e.Campaign(context.Background()) {
		t.Fatal("uncontested campaign lost")
	}
	if !e.IsLeader() {
		t.Fatal("IsLeader false after winning")
	}
	// Campaigning again while leader is a no-op win.
	if !e.Campaign(context.Background()) {
		t.Fatal("sitting leader lost its own campaign")
	}
}

func TestSecondCandidateDefersToSittingLeader(t *testing.T) {
	hub := bus.NewHub()
	e1 := NewElector(hub.Join(), "p1", testWindow, testJitter, testLogger())
	defer e1.Close()
	e2 := NewElector(hub.Join(), "p2", testWindow, testJitter, testLogger())
	defer e2.Close()

	if !e1.Campaign(context.Background()) {
		t.Fatal("first campaign lost")
	}
	// The sitting leader answers synchronously over the hub, so the
	// second candidacy resolves without waiting out the window.
	start := time.Now()
	if e2.Campaign(context.Background()) {
		t.Fatal("second candidate won against a sitting leader")
	}
	if elapsed := time.Since(start); elapsed > testWindow {
		t.Fatalf("contested campaign waited out the window: %v", elapsed)
	}
	if !e1.IsLeader() || e2.IsLeader() {
		t.Fatalf("leadership split: e1=%v e2=%v", e1.IsLeader(), e2.IsLeader())
	}
}

func TestReleaseAllowsSuccessorToWin(t *testing.T) {
	hub := bus.NewHub()
	e1 := NewElector(hub.Join(), "p1", testWindow, testJitter, testLogger())
	defer e1.Close()
	e2 := NewElector(hub.Join(), "p2", testWindow, testJitter, testLogger())
	defer e2.Close()

	released := make(chan struct{}, 1)
	e2.SetCallbacks(nil, func() { released <- struct{}{} })

	if !e1.Campaign(context.Background()) {
		t.Fatal("first campaign lost")
	}
	if e2.Campaign(context.Background()) {
		t.Fatal("second campaign won while leader sat")
	}

	e1.Release(context.Background())
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("release never reached the follower")
	}
	if e1.IsLeader() {
		t.Fatal("leader flag survived release")
	}
	if !e2.Campaign(context.Background()) {
		t.Fatal("successor campaign lost with no leader present")
	}
}

func TestReleaseWhenNotLeaderIsSilent(t *testing.T) {
	hub := bus.NewHub()
	e1 := NewElector(hub.Join(), "p1", testWindow, testJitter, testLogger())
	defer e1.Close()
	e2 := NewElector(hub.Join(), "p2", testWindow, testJitter, testLogger())
	defer e2.Close()

	releases := make(chan struct{}, 1)
	e2.SetCallbacks(nil, func() { releases <- struct{}{} })

	e1.Release(context.Background())
	select {
	case <-releases:
		t.Fatal("non-leader release was broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCampaignClaimsLeadershipWhenBusIsDown(t *testing.T) {
	hub := bus.NewHub()
	ep := hub.Join()
	e := NewElector(ep, "p1", testWindow, testJitter, testLogger())
	defer e.Close()

	hub.Close()
	if !e.Campaign(context.Background()) {
		t.Fatal("campaign on a dead bus must claim leadership")
	}
	if !e.IsLeader() {
		t.Fatal("IsLeader false after degraded claim")
	}
}

func TestCampaignAbortsOnContextCancel(t *testing.T) {
	hub := bus.NewHub()
	e := NewElector(hub.Join(), "p1", time.Minute, testJitter, testLogger())
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if e.Campaign(ctx) {
		t.Fatal("canceled campaign reported a win")
	}
	if e.IsLeader() {
		t.Fatal("canceled campaign left the leader flag set")
	}
}
