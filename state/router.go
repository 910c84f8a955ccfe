package state

import (
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/model"
)

// Router folds incoming socket events into the Store. Only the known
// event families are reduced; anything else is left to whatever
// handlers the application registered directly. Payloads arrive as
// opaque JSON; chat edits and deletes carry only a couple of keys, so
// those are picked out with gjson instead of a full unmarshal.
type Router struct {
	store  *Store
	logger *slog.Logger
}

func NewRouter(store *Store, logger *slog.Logger) *Router {
	return &Router{store: store, logger: logger.With(slog.String("component", "state_router"))}
}

func (r *Router) Route(event string, payload json.RawMessage) {
	switch event {
	case model.EventDriverLocation:
		var sample model.LocationSample
		if err := json.Unmarshal(payload, &sample); err != nil {
			r.logger.Warn("bad location payload", slog.Any("error", err))
			return
		}
		switch r.store.ApplyLocation(sample) {
		case Duplicate:
			observability.EventsDuplicateTotal.Inc()
		case Stale:
			observability.EventsStaleTotal.Inc()
		}
	case model.EventRideStatus:
		var rec model.RideStatus
		if err := json.Unmarshal(payload, &rec); err != nil {
			r.logger.Warn("bad status payload", slog.Any("error", err))
			return
		}
		if !r.store.ApplyStatus(rec) {
			observability.EventsStaleTotal.Inc()
		}
	case model.EventChatMessage:
		var msg model.ChatMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.logger.Warn("bad chat payload", slog.Any("error", err))
			return
		}
		if !r.store.ApplyChatMessage(msg) {
			observability.EventsDuplicateTotal.Inc()
		}
	case model.EventChatEdit:
		rideID := gjson.GetBytes(payload, "ride_id").String()
		msgID := gjson.GetBytes(payload, "id").String()
		text := gjson.GetBytes(payload, "text").String()
		r.store.ApplyChatEdit(rideID, msgID, text)
	case model.EventChatDelete:
		rideID := gjson.GetBytes(payload, "ride_id").String()
		msgID := gjson.GetBytes(payload, "id").String()
		r.store.ApplyChatDelete(rideID, msgID)
	case model.EventNotification:
		var n model.Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			r.logger.Warn("bad notification payload", slog.Any("error", err))
			return
		}
		if !r.store.ApplyNotification(n) {
			observability.EventsDuplicateTotal.Inc()
		}
	}
}
