package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/matt-riley/flagstaff/internal/core"
	"github.com/matt-riley/flagstaff/internal/middleware"
)

// APIPrefix is the path prefix of the admin API.
const APIPrefix = "/api/admin"

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
	defaultEventBatchSize     = 1000
	unknownActor              = "unknown"
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the admin API.
type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxBodyBytes       int64
	eventBatchSize     int
	notifier           *Notifier
	streamOpened       func(transport string) func()
}

// HTTPOption configures an HTTPServer.
type HTTPOption func(*HTTPServer)

// WithStreamPollInterval sets how often an open event stream polls for new
// events when no notification arrives.
func WithStreamPollInterval(d time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if d > 0 {
			s.streamPollInterval = d
		}
	}
}

func WithMaxBodyBytes(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithEventBatchSize caps how many events one stream read returns.
func WithEventBatchSize(n int) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.eventBatchSize = n
		}
	}
}

// WithNotifier wakes open event streams as soon as an event is written.
func WithNotifier(n *Notifier) HTTPOption {
	return func(s *HTTPServer) { s.notifier = n }
}

// WithStreamObserver is called when an event stream opens. The returned
// function is called when it closes.
func WithStreamObserver(fn func(transport string) func()) HTTPOption {
	return func(s *HTTPServer) {
		if fn != nil {
			s.streamOpened = fn
		}
	}
}

// NewHTTPHandler returns the admin API routes under APIPrefix. Callers wrap
// it with authentication; handlers read the actor from the request context.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	s := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxBodyBytes:       defaultMaxJSONBodyBytes,
		eventBatchSize:     defaultEventBatchSize,
		streamOpened:       func(string) func() { return func() {} },
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.registerFeatureRoutes(mux)
	s.registerStrategyRoutes(mux)
	s.registerSetupRoutes(mux)
	mux.HandleFunc("GET "+APIPrefix+"/events", s.handleListEvents)
	mux.HandleFunc("GET "+APIPrefix+"/events/stream", s.handleEventStream)
	return mux
}

func actorFrom(r *http.Request) string {
	if actor, ok := middleware.ActorFromContext(r.Context()); ok && actor != "" {
		return actor
	}
	return unknownActor
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details []core.FieldError `json:"details,omitempty"`
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *core.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: core.ErrValidation.Error(), Details: validationErr.Details})
	case errors.Is(err, core.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrConflict):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		middleware.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "request failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON decodes exactly one JSON value into dst, rejecting unknown
// fields and bodies over the configured limit.
func (s *HTTPServer) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON value")
		}
		return normalizeJSONDecodeError(err)
	}
	return nil
}

// readBody returns the raw body, used for JSON Patch documents that the
// service validates itself.
func (s *HTTPServer) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, io.EOF
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		return nil, normalizeJSONDecodeError(err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, io.EOF
	}
	return body, nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}

// parseTagFilter reads "type:value" or a bare value with the simple type.
func parseTagFilter(raw string) *core.Tag {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	tagType, value, ok := strings.Cut(raw, ":")
	if !ok {
		return &core.Tag{Type: core.DefaultTagType, Value: raw}
	}
	return &core.Tag{Type: tagType, Value: value}
}
