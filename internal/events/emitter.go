// Package events records domain events in the event store and fans them out
// to in-process listeners.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/matt-riley/flagstaff/internal/core"
)

const (
	defaultPoolSize        = 8
	defaultListenerTimeout = 5 * time.Second
	releaseTimeout         = 10 * time.Second
)

// Store persists events. WriteEvent returns the stored event with its
// assigned ID.
type Store interface {
	WriteEvent(ctx context.Context, event core.Event) (core.Event, error)
	ListEvents(ctx context.Context, query core.EventQuery) ([]core.Event, error)
}

// Listener receives every event after it has been stored.
type Listener interface {
	HandleEvent(ctx context.Context, event core.Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event core.Event)

func (f ListenerFunc) HandleEvent(ctx context.Context, event core.Event) { f(ctx, event) }

// Recorder counts emission outcomes.
type Recorder interface {
	EventEmitted(eventType string)
	EventEmitFailed(eventType string)
}

type nopRecorder struct{}

func (nopRecorder) EventEmitted(string)    {}
func (nopRecorder) EventEmitFailed(string) {}

// Option configures an Emitter.
type Option func(*Emitter)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(e *Emitter) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

// WithPoolSize sets how many listener deliveries may run at once.
func WithPoolSize(size int) Option {
	return func(e *Emitter) {
		if size > 0 {
			e.poolSize = size
		}
	}
}

func WithListenerTimeout(timeout time.Duration) Option {
	return func(e *Emitter) {
		if timeout > 0 {
			e.listenerTimeout = timeout
		}
	}
}

// Emitter writes events to a Store and then delivers them to listeners on a
// bounded worker pool.
type Emitter struct {
	store           Store
	logger          *slog.Logger
	recorder        Recorder
	poolSize        int
	listenerTimeout time.Duration
	now             func() time.Time

	pool     *ants.Pool
	inflight sync.WaitGroup

	mu        sync.RWMutex
	listeners []Listener
	closed    bool
}

func NewEmitter(store Store, opts ...Option) (*Emitter, error) {
	if store == nil {
		return nil, errors.New("event store is nil")
	}

	e := &Emitter{
		store:           store,
		logger:          slog.Default(),
		recorder:        nopRecorder{},
		poolSize:        defaultPoolSize,
		listenerTimeout: defaultListenerTimeout,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}

	pool, err := ants.NewPool(e.poolSize,
		ants.WithPanicHandler(func(p any) {
			e.logger.Error("event listener panic recovered", "panic", p)
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create listener pool: %w", err)
	}
	e.pool = pool

	return e, nil
}

// Subscribe registers a listener for all subsequent events.
func (e *Emitter) Subscribe(listener Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, listener)
}

// Emit stamps and stores event, then hands it to every listener. Listener
// delivery is asynchronous; only the store write is reported back. Once Close
// has started, events are still stored but no longer delivered.
func (e *Emitter) Emit(ctx context.Context, event core.Event) (core.Event, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = e.now()
	}

	stored, err := e.store.WriteEvent(ctx, event)
	if err != nil {
		e.recorder.EventEmitFailed(string(event.Type))
		return core.Event{}, fmt.Errorf("write event: %w", err)
	}
	e.recorder.EventEmitted(string(stored.Type))

	// inflight is raised under mu so Close cannot start waiting between the
	// closed check and the Add.
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return stored, nil
	}
	listeners := append([]Listener(nil), e.listeners...)
	e.inflight.Add(len(listeners))
	e.mu.RUnlock()

	for _, listener := range listeners {
		e.dispatch(ctx, listener, stored)
	}

	return stored, nil
}

// dispatch expects the caller to have counted the delivery in inflight.
func (e *Emitter) dispatch(ctx context.Context, listener Listener, event core.Event) {
	err := e.pool.Submit(func() {
		defer e.inflight.Done()
		deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.listenerTimeout)
		defer cancel()
		listener.HandleEvent(deliverCtx, event)
	})
	if err != nil {
		e.inflight.Done()
		e.logger.Warn("event listener delivery dropped",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"error", err,
		)
	}
}

// ListEvents reads stored events.
func (e *Emitter) ListEvents(ctx context.Context, query core.EventQuery) ([]core.Event, error) {
	events, err := e.store.ListEvents(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// Wait blocks until every delivery submitted so far has finished.
func (e *Emitter) Wait() {
	e.inflight.Wait()
}

// Close stops further deliveries, waits for pending ones and releases the
// worker pool. Calling it again is a no-op.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.inflight.Wait()
	return e.pool.ReleaseTimeout(releaseTimeout)
}
