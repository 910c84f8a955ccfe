package state

import (
	"fmt"
	"log/slog"
)

// Emitter sends an event to the server. Satisfied by realtime.Client.
type Emitter interface {
	Emit(event string, payload any) error
}

// Actions dispatched by the application. Emit is the bridge to the
// transport: the intent to send travels as a value, so tests can
// capture it without a live socket. A failed emit is not retried;
// connection-level recovery belongs to the transport.
type (
	Emit struct {
		Event   string
		Payload any
	}
	ChatOpened           struct{ RideID string }
	ChatClosed           struct{ RideID string }
	NotificationRead     struct{ ID string }
	RideClosed           struct{ RideID string }
	NotificationsCleared struct{}
)

// Dispatcher applies local actions to the store and forwards Emit
// actions to the transport.
type Dispatcher struct {
	store   *Store
	emitter Emitter
	logger  *slog.Logger
}

func NewDispatcher(store *Store, emitter Emitter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, emitter: emitter, logger: logger.With(slog.String("component", "dispatcher"))}
}

func (d *Dispatcher) Dispatch(action any) error {
	switch a := action.(type) {
	case Emit:
		return d.emitter.Emit(a.Event, a.Payload)
	case ChatOpened:
		d.store.OpenChat(a.RideID)
	case ChatClosed:
		d.store.CloseChat(a.RideID)
	case NotificationRead:
		d.store.MarkNotificationRead(a.ID)
	case RideClosed:
		d.store.ClearRide(a.RideID)
	case NotificationsCleared:
		d.store.ClearNotifications()
	default:
		return fmt.Errorf("state: unknown action %T", action)
	}
	return nil
}
