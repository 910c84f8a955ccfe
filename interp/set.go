package interp

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-realtime/model"
)

// FrameInterval approximates one display frame. There is no repaint
// callback to align with in-process; a steady ticker is the rendition.
const FrameInterval = 16 * time.Millisecond

// Set owns one Tracker and at most one frame loop per tracked ride.
// Starting a loop for a ride replaces any previous loop for it, and
// Clear cancels the loop outright; a frame loop outliving its ride is
// a leak.
type Set struct {
	mu       sync.Mutex
	clock    func() time.Time
	interval time.Duration
	trackers map[string]*Tracker
	cancels  map[string]context.CancelFunc
}

func NewSet() *Set {
	return &Set{
		clock:    time.Now,
		interval: FrameInterval,
		trackers: make(map[string]*Tracker),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Advance feeds an accepted sample into the ride's tracker, creating
// it on first use.
func (s *Set) Advance(rideID string, sample model.LocationSample) {
	s.mu.Lock()
	tr, ok := s.trackers[rideID]
	if !ok {
		tr = NewTracker(s.clock)
		s.trackers[rideID] = tr
	}
	s.mu.Unlock()
	tr.Advance(sample)
}

// Position returns the ride's current displayed position.
func (s *Set) Position(rideID string) (model.DisplayPosition, bool) {
	s.mu.Lock()
	tr, ok := s.trackers[rideID]
	s.mu.Unlock()
	if !ok {
		return model.DisplayPosition{}, false
	}
	return tr.Position()
}

// Track runs a frame loop invoking fn with the ride's position until
// the context ends, Clear is called, or another Track replaces it.
// The returned stop is idempotent.
func (s *Set) Track(ctx context.Context, rideID string, fn func(model.DisplayPosition)) (stop func()) {
	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if prev, ok := s.cancels[rideID]; ok {
		prev()
	}
	s.cancels[rideID] = cancel
	if _, ok := s.trackers[rideID]; !ok {
		s.trackers[rideID] = NewTracker(s.clock)
	}
	interval := s.interval
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if pos, ok := s.Position(rideID); ok {
					fn(pos)
				}
			}
		}
	}()
	return cancel
}

// Clear stops the ride's frame loop and drops its tracker, for when
// the tracked ride changes or concludes.
func (s *Set) Clear(rideID string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[rideID]; ok {
		cancel()
		delete(s.cancels, rideID)
	}
	delete(s.trackers, rideID)
	s.mu.Unlock()
}
