package server

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/epvlab/epv/internal/events"
)

// EventsWSHandler streams bus events to websocket clients, optionally
// filtered by event type.
type EventsWSHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsWSHandler creates the websocket event stream handler.
func NewEventsWSHandler(bus *events.Bus, log zerolog.Logger) *EventsWSHandler {
	return &EventsWSHandler{
		bus: bus,
		log: log.With().Str("component", "events_ws").Logger(),
	}
}

// ServeHTTP handles GET /api/events/ws?types=analysis_completed,batch_progress
func (h *EventsWSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var allowedTypes map[events.EventType]bool
	if filter := r.URL.Query().Get("types"); filter != "" {
		allowedTypes = make(map[events.EventType]bool)
		for _, t := range strings.Split(filter, ",") {
			allowedTypes[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS already enforced by middleware
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream terminated")

	id, ch := h.bus.Subscribe(128)
	defer h.bus.Unsubscribe(id)

	h.log.Info().Str("subscriber", id).Msg("Event stream client connected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if allowedTypes != nil && !allowedTypes[ev.Type] {
				continue
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				h.log.Debug().Err(err).Str("subscriber", id).Msg("Event stream client gone")
				return
			}
		}
	}
}
