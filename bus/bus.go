// Package bus is the broadcast channel shared by the peer client
// instances of one user session. The leader publishes every socket
// event on it, followers publish emit requests on it, and the leader
// election protocol runs over it. Delivery is broadcast-only: every
// subscriber on the channel sees every message, the publisher
// included, and no ordering is guaranteed across messages published
// by different peers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
)

type Kind string

const (
	KindRequestLeader Kind = "request-leader"
	KindIAmLeader     Kind = "iam-leader"
	KindReleaseLeader Kind = "release-leader"
	KindSocketEvent   Kind = "socket-event"
	KindEmit          Kind = "emit"
	KindSubscribe     Kind = "subscribe"
	KindUnsubscribe   Kind = "unsubscribe"
)

// Message is one broadcast frame. From carries the publishing peer's
// id so receivers can ignore their own broadcasts where that matters.
// Event and Payload are only set for socket-event, emit and
// subscription messages.
type Message struct {
	Kind    Kind            `json:"kind"`
	From    string          `json:"from"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Bus is one peer's endpoint on the session broadcast channel. It is
// deliberately small so tests can fake a multi-peer session in
// process instead of needing real separate processes.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers a handler for every message on the channel.
	// The returned cancel removes it. Handlers must not block.
	Subscribe(fn func(Message)) (cancel func())
	Close() error
}

var ErrClosed = errors.New("bus: closed")
