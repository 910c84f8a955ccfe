// Package state holds the client-side read models for the realtime
// event stream and the reducers that keep them consistent under
// duplicated, out-of-order and partially failed delivery. Reducers
// never trust arrival order: locations are ordered by sequence
// number, ride status by logical timestamp, and everything with a
// stable id is deduplicated.
package state

import (
	"sync"

	"github.com/example/ride-realtime/model"
)

// LocationRingSize bounds the per-ride location history.
const LocationRingSize = 200

// Outcome reports why a location sample was or was not applied.
type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
	Stale
)

type Store struct {
	mu sync.RWMutex

	locations map[string][]model.LocationSample
	locSeen   map[string]map[string]struct{}
	latest    map[string]model.LocationSample

	status map[string]model.RideStatus

	chat     map[string][]model.ChatMessage
	chatIdx  map[string]map[string]int
	chatOpen map[string]bool
	unread   map[string]int

	notifications []model.Notification
	notifSeen     map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		locations: make(map[string][]model.LocationSample),
		locSeen:   make(map[string]map[string]struct{}),
		latest:    make(map[string]model.LocationSample),
		status:    make(map[string]model.RideStatus),
		chat:      make(map[string][]model.ChatMessage),
		chatIdx:   make(map[string]map[string]int),
		chatOpen:  make(map[string]bool),
		unread:    make(map[string]int),
		notifSeen: make(map[string]struct{}),
	}
}

// ApplyLocation appends a sample to the ride's buffer unless its id
// was already seen or its sequence number does not advance past the
// last accepted sample's.
func (s *Store) ApplyLocation(sample model.LocationSample) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.locSeen[sample.RideID]
	if !ok {
		seen = make(map[string]struct{})
		s.locSeen[sample.RideID] = seen
	}
	if sample.ID != "" {
		if _, dup := seen[sample.ID]; dup {
			return Duplicate
		}
	}
	if last, ok := s.latest[sample.RideID]; ok {
		if sample.Seq != 0 && last.Seq != 0 && sample.Seq <= last.Seq {
			return Stale
		}
	}

	buf := append(s.locations[sample.RideID], sample)
	if len(buf) > LocationRingSize {
		evicted := buf[0]
		buf = buf[1:]
		if evicted.ID != "" {
			delete(seen, evicted.ID)
		}
	}
	s.locations[sample.RideID] = buf
	s.latest[sample.RideID] = sample
	if sample.ID != "" {
		seen[sample.ID] = struct{}{}
	}
	return Accepted
}

// ApplyStatus replaces the stored record unless it is logically newer
// than the incoming one. Ties accept the incoming record, so a
// redelivered latest status is harmless.
func (s *Store) ApplyStatus(r model.RideStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.status[r.RideID]; ok && cur.UpdatedAt > r.UpdatedAt {
		return false
	}
	s.status[r.RideID] = r
	return true
}

// ApplyChatMessage appends a message with an unseen id. Receipt while
// the chat surface is closed bumps the ride's unread counter.
func (s *Store) ApplyChatMessage(m model.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.chatIdx[m.RideID]
	if !ok {
		idx = make(map[string]int)
		s.chatIdx[m.RideID] = idx
	}
	if _, dup := idx[m.ID]; dup {
		return false
	}
	idx[m.ID] = len(s.chat[m.RideID])
	s.chat[m.RideID] = append(s.chat[m.RideID], m)
	if !s.chatOpen[m.RideID] {
		s.unread[m.RideID]++
	}
	return true
}

// ApplyChatEdit rewrites a message's text in place.
func (s *Store) ApplyChatEdit(rideID, msgID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.chatIdx[rideID][msgID]
	if !ok {
		return false
	}
	msg := &s.chat[rideID][i]
	if msg.Deleted {
		return false
	}
	msg.Text = text
	msg.Edited = true
	return true
}

// ApplyChatDelete soft-deletes a message: content is cleared and the
// flag set, but the entry stays in the timeline.
func (s *Store) ApplyChatDelete(rideID, msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.chatIdx[rideID][msgID]
	if !ok {
		return false
	}
	msg := &s.chat[rideID][i]
	msg.Text = ""
	msg.Image = ""
	msg.Deleted = true
	return true
}

// ApplyNotification prepends an unseen notification, newest first.
func (s *Store) ApplyNotification(n model.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.notifSeen[n.ID]; dup {
		return false
	}
	s.notifSeen[n.ID] = struct{}{}
	s.notifications = append([]model.Notification{n}, s.notifications...)
	return true
}

func (s *Store) MarkNotificationRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].Read = true
			return true
		}
	}
	return false
}

// OpenChat marks the ride's chat surface open and zeroes its unread
// counter. This is the only path that resets the counter.
func (s *Store) OpenChat(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatOpen[rideID] = true
	s.unread[rideID] = 0
}

func (s *Store) CloseChat(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatOpen[rideID] = false
}

// ClearRide drops all per-ride state once a ride has concluded.
func (s *Store) ClearRide(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locations, rideID)
	delete(s.locSeen, rideID)
	delete(s.latest, rideID)
	delete(s.status, rideID)
	delete(s.chat, rideID)
	delete(s.chatIdx, rideID)
	delete(s.chatOpen, rideID)
	delete(s.unread, rideID)
}

func (s *Store) ClearNotifications() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = nil
	s.notifSeen = make(map[string]struct{})
}

// --- read models ---

func (s *Store) Latest(rideID string) (model.LocationSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.latest[rideID]
	return l, ok
}

func (s *Store) Positions(rideID string) []model.LocationSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.locations[rideID]
	out := make([]model.LocationSample, len(buf))
	copy(out, buf)
	return out
}

func (s *Store) Status(rideID string) (model.RideStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.status[rideID]
	return r, ok
}

func (s *Store) Chat(rideID string) []model.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.chat[rideID]
	out := make([]model.ChatMessage, len(buf))
	copy(out, buf)
	return out
}

func (s *Store) Notifications() []model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

func (s *Store) Unread(rideID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[rideID]
}
