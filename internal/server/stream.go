package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matt-riley/flagstaff/internal/core"
	"github.com/matt-riley/flagstaff/internal/repository"
)

// Notifier fans database event notifications out to open streams.
type Notifier struct {
	mu          sync.Mutex
	subscribers map[chan struct{}]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subscribers: make(map[chan struct{}]struct{})}
}

// Run forwards notifications until the channel closes. Each handler sees
// every notification before subscribers are woken.
func (n *Notifier) Run(notifications <-chan repository.EventNotification, handlers ...func(repository.EventNotification)) {
	for notification := range notifications {
		for _, h := range handlers {
			h(notification)
		}
		n.broadcast()
	}
}

// Subscribe returns a channel that receives a value whenever new events may
// be available, and a function that releases it. A nil Notifier returns a
// nil channel, which never fires.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	if n == nil {
		return nil, func() {}
	}
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		delete(n.subscribers, ch)
		n.mu.Unlock()
	}
}

func (n *Notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type eventsResponse struct {
	Events []core.Event `json:"events"`
}

func (s *HTTPServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	since, err := parseLastEventID(query.Get("since"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid since")
		return
	}
	limit := s.eventBatchSize
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, s.eventBatchSize)
	}

	events, err := s.service.ListEvents(r.Context(), core.EventQuery{
		SinceID:     since,
		Project:     query.Get("project"),
		FeatureName: query.Get("feature"),
		Limit:       limit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []core.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

// handleEventStream replays events after Last-Event-ID (or ?since=) and then
// follows new ones as server-sent events.
func (s *HTTPServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	rawID := r.Header.Get("Last-Event-ID")
	if strings.TrimSpace(rawID) == "" {
		rawID = r.URL.Query().Get("since")
	}
	lastEventID, err := parseLastEventID(rawID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	rc := http.NewResponseController(w)
	query := core.EventQuery{
		SinceID:     lastEventID,
		Project:     r.URL.Query().Get("project"),
		FeatureName: r.URL.Query().Get("feature"),
		Limit:       s.eventBatchSize,
	}

	writeEvents := func(events []core.Event) error {
		for _, event := range events {
			query.SinceID = event.ID
			payload, err := json.Marshal(event)
			if err != nil {
				payload = []byte(`{}`)
			}
			if err := writeSSEEvent(w, event.ID, string(event.Type), payload); err != nil {
				return err
			}
		}
		if len(events) == 0 {
			return nil
		}
		return rc.Flush()
	}

	// drain writes everything after query.SinceID, a batch at a time.
	drain := func(ctx context.Context) error {
		for {
			events, err := s.service.ListEvents(ctx, query)
			if err != nil {
				return err
			}
			if err := writeEvents(events); err != nil {
				return err
			}
			if len(events) < query.Limit {
				return nil
			}
		}
	}

	wake, unsubscribe := s.notifier.Subscribe()
	defer unsubscribe()

	initial, err := s.service.ListEvents(r.Context(), query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	closed := s.streamOpened("sse")
	defer closed()

	if err := writeEvents(initial); err != nil {
		return
	}
	if len(initial) == query.Limit {
		if err := drain(r.Context()); err != nil {
			endStream(w, rc, err)
			return
		}
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		if err := drain(r.Context()); err != nil {
			endStream(w, rc, err)
			return
		}
	}
}

// endStream reports a backend failure to the client. Client disconnects
// end the stream silently.
func endStream(w io.Writer, rc *http.ResponseController, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	writeSSEError(w, rc, "internal server error")
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func writeSSEError(w io.Writer, rc *http.ResponseController, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	_ = rc.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range compactSSEPayload(payload) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

// compactSSEPayload keeps JSON on a single data line. Anything else is split
// into one data line per input line.
func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}
	return strings.Split(string(payload), "\n")
}
