package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/forager/internal/events"
)

const (
	// eventBuffer absorbs bursts between client writes. A full buffer
	// drops events rather than blocking the emitter.
	eventBuffer = 100

	// heartbeatInterval keeps idle connections alive through proxies.
	heartbeatInterval = 30 * time.Second
)

// EventsStreamHandler streams bus events to clients as server-sent
// events.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates the SSE handler.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream. A `types` query parameter
// narrows the stream to a comma-separated set of event types; without
// it every event type is forwarded.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	typesFilter := r.URL.Query().Get("types")
	var allowed map[events.EventType]bool
	if typesFilter != "" {
		allowed = make(map[events.EventType]bool)
		for _, t := range strings.Split(typesFilter, ",") {
			allowed[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	// Buffer between the bus, which dispatches on the emitter's
	// goroutine, and this connection's writer.
	eventChan := make(chan *events.Event, eventBuffer)
	forward := func(event *events.Event) {
		select {
		case eventChan <- event:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event channel full, dropping event")
		}
	}

	var unsubscribes []func()
	if allowed == nil {
		for _, eventType := range events.All() {
			unsubscribes = append(unsubscribes, h.bus.Subscribe(eventType, forward))
		}
	} else {
		for eventType := range allowed {
			unsubscribes = append(unsubscribes, h.bus.Subscribe(eventType, forward))
		}
	}
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()

	h.log.Info().Str("types_filter", typesFilter).Msg("Client connected to event stream")

	fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]any{
		"type":    "connected",
		"message": "Connected to event stream",
	}))
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]any{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			}))
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]any{
				"type":      "heartbeat",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

// encodeEvent encodes an event payload to a JSON string.
func (h *EventsStreamHandler) encodeEvent(event map[string]any) string {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}
