// Package model holds the wire and domain types shared by the realtime
// client, the state reducers, and the server harness.
package model

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Role of the logged-in session. Drives which event subscriptions are
// relevant and whether a connection should exist at all.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

// SessionState is the read-only login signal owned by the auth
// collaborator.
type SessionState struct {
	Role     Role `json:"role"`
	LoggedIn bool `json:"logged_in"`
}

// Envelope is the framing for every message on the push socket.
// Event names are opaque strings agreed with the server out of band.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LocationSample is one driver position ping. Seq is optional; when
// both the incoming and the last accepted sample carry one, the
// reducer enforces monotonicity. ID is optional and used for dedup.
type LocationSample struct {
	RideID   string  `json:"ride_id"`
	DriverID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Speed    float64 `json:"speed,omitempty"`
	Heading  float64 `json:"heading,omitempty"`
	TS       int64   `json:"ts"` // unix millis
	Seq      int64   `json:"seq,omitempty"`
	ID       string  `json:"id,omitempty"`
}

func (s LocationSample) Time() time.Time { return time.UnixMilli(s.TS) }

// RideStatus is the last-writer-wins lifecycle record for a ride.
type RideStatus struct {
	RideID    string          `json:"ride_id"`
	Status    string          `json:"status"` // requested, matched, accepted, ongoing, completed, canceled
	UpdatedAt int64           `json:"updated_at"` // unix millis, logical time for LWW
	Meta      json.RawMessage `json:"meta,omitempty"`
	ID        string          `json:"id"`
}

type ChatMessage struct {
	ID      string `json:"id"`
	RideID  string `json:"ride_id"`
	Text    string `json:"text,omitempty"`
	Image   string `json:"image,omitempty"`
	Sender  string `json:"sender"`
	Time    int64  `json:"time"`
	Edited  bool   `json:"edited,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

type Notification struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	Read      bool   `json:"read,omitempty"`
}

// DisplayPosition is the derived, render-only position produced by the
// interpolator. Never persisted.
type DisplayPosition struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Heading float64 `json:"heading,omitempty"`
}

// Well-known event names. The realtime layer treats event names as
// opaque keys; these constants exist so the reducers and the harness
// agree on the handful of families they route.
const (
	// Control frames of the push protocol: the client tells the server
	// which event names it wants forwarded.
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"

	EventDriverLocation = "driver:location:update"
	EventRideStatus     = "ride:status"
	EventChatMessage    = "chat:message"
	EventChatEdit       = "chat:edit"
	EventChatDelete     = "chat:delete"
	EventNotification   = "notification:new"
)

// SubscriptionPayload is the body of subscribe/unsubscribe frames.
type SubscriptionPayload struct {
	Events []string `json:"events"`
}
