// Package interp turns the sparse, irregular stream of accepted
// location samples into continuous on-screen motion. Each new sample
// starts an animation segment from wherever the marker currently is
// toward the new fix; a newer sample replaces the in-flight segment
// rather than queueing behind it, so the marker always moves toward
// the latest known truth.
package interp

import (
	"sync"
	"time"

	"github.com/example/ride-realtime/model"
)

const (
	// Segment duration bounds. The gap between sample timestamps sets
	// the duration, clamped so bursty or sparse streams still animate
	// sensibly.
	MinSegment = 100 * time.Millisecond
	MaxSegment = 2 * time.Second
	// Fallback for two samples carrying the same timestamp.
	EqualTSSegment = 300 * time.Millisecond
)

type segment struct {
	fromLat, fromLng float64
	toLat, toLng     float64
	heading          float64
	start            time.Time
	duration         time.Duration
}

// Tracker animates one ride's marker. The clock is injectable so
// tests can sample deterministically.
type Tracker struct {
	mu    sync.Mutex
	clock func() time.Time
	last  *model.LocationSample
	seg   *segment
}

func NewTracker(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{clock: clock}
}

// Advance starts a new segment toward the sample. The segment begins
// at the currently displayed position when an animation is in flight,
// otherwise at the previous sample. The first sample ever snaps.
func (t *Tracker) Advance(sample model.LocationSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()

	if t.last == nil {
		t.seg = &segment{
			fromLat: sample.Lat, fromLng: sample.Lng,
			toLat: sample.Lat, toLng: sample.Lng,
			heading: sample.Heading,
			start:   now,
		}
		t.last = &sample
		return
	}

	fromLat, fromLng := t.positionLocked(now)
	duration := segmentDuration(t.last.TS, sample.TS)
	t.seg = &segment{
		fromLat: fromLat, fromLng: fromLng,
		toLat: sample.Lat, toLng: sample.Lng,
		heading:  sample.Heading,
		start:    now,
		duration: duration,
	}
	t.last = &sample
}

// PositionAt returns the displayed position at the given instant.
// The boolean is false until the first sample arrives.
func (t *Tracker) PositionAt(now time.Time) (model.DisplayPosition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seg == nil {
		return model.DisplayPosition{}, false
	}
	lat, lng := t.positionAtLocked(now)
	return model.DisplayPosition{Lat: lat, Lng: lng, Heading: t.seg.heading}, true
}

// Position is PositionAt with the tracker's own clock.
func (t *Tracker) Position() (model.DisplayPosition, bool) {
	t.mu.Lock()
	clock := t.clock
	t.mu.Unlock()
	return t.PositionAt(clock())
}

func (t *Tracker) positionLocked(now time.Time) (lat, lng float64) {
	if t.seg == nil {
		return t.last.Lat, t.last.Lng
	}
	return t.positionAtLocked(now)
}

func (t *Tracker) positionAtLocked(now time.Time) (lat, lng float64) {
	s := t.seg
	if s.duration <= 0 {
		return s.toLat, s.toLng
	}
	p := float64(now.Sub(s.start)) / float64(s.duration)
	if p <= 0 {
		return s.fromLat, s.fromLng
	}
	if p >= 1 {
		return s.toLat, s.toLng
	}
	e := easeInOut(p)
	return s.fromLat + (s.toLat-s.fromLat)*e, s.fromLng + (s.toLng-s.fromLng)*e
}

func segmentDuration(prevTS, nextTS int64) time.Duration {
	delta := time.Duration(nextTS-prevTS) * time.Millisecond
	if delta == 0 {
		return EqualTSSegment
	}
	if delta < MinSegment {
		return MinSegment
	}
	if delta > MaxSegment {
		return MaxSegment
	}
	return delta
}

// easeInOut is the symmetric quadratic curve: slow at both ends,
// fastest in the middle.
func easeInOut(p float64) float64 {
	if p < 0.5 {
		return 2 * p * p
	}
	q := -2*p + 2
	return 1 - q*q/2
}
