package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matt-riley/flagstaff/internal/core"
)

type fakeStore struct {
	mu       sync.Mutex
	events   []core.Event
	writeErr error
}

func (s *fakeStore) WriteEvent(_ context.Context, event core.Event) (core.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return core.Event{}, s.writeErr
	}
	event.ID = int64(len(s.events) + 1)
	s.events = append(s.events, event)
	return event, nil
}

func (s *fakeStore) ListEvents(_ context.Context, query core.EventQuery) ([]core.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Event, 0)
	for _, e := range s.events {
		if e.ID > query.SinceID {
			out = append(out, e)
		}
	}
	return out, nil
}

type countingRecorder struct {
	emitted atomic.Int64
	failed  atomic.Int64
}

func (r *countingRecorder) EventEmitted(string)    { r.emitted.Add(1) }
func (r *countingRecorder) EventEmitFailed(string) { r.failed.Add(1) }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestEmitter(t *testing.T, store Store, opts ...Option) *Emitter {
	t.Helper()
	emitter, err := NewEmitter(store, opts...)
	if err != nil {
		t.Fatalf("NewEmitter() error = %v", err)
	}
	t.Cleanup(func() { _ = emitter.Close() })
	return emitter
}

func TestNewEmitterRequiresStore(t *testing.T) {
	if _, err := NewEmitter(nil); err == nil {
		t.Fatal("NewEmitter(nil) error = nil, want error")
	}
}

func TestEmitStoresThenDeliversToListeners(t *testing.T) {
	store := &fakeStore{}
	recorder := &countingRecorder{}
	emitter := newTestEmitter(t, store, WithRecorder(recorder))

	var (
		mu       sync.Mutex
		received []core.Event
	)
	listener := ListenerFunc(func(_ context.Context, event core.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event)
	})
	emitter.Subscribe(listener)
	emitter.Subscribe(listener)

	stored, err := emitter.Emit(context.Background(), core.Event{
		Type:        core.EventFeatureCreated,
		CreatedBy:   "alice",
		FeatureName: "new-ui",
	})
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	emitter.Wait()

	if stored.ID != 1 || stored.CreatedAt.IsZero() {
		t.Fatalf("Emit() = %+v, want id 1 and timestamp", stored)
	}
	if len(received) != 2 || received[0].ID != stored.ID {
		t.Fatalf("listeners received %+v, want stored event twice", received)
	}
	if recorder.emitted.Load() != 1 {
		t.Fatalf("emitted count = %d, want 1", recorder.emitted.Load())
	}
}

func TestEmitAfterCloseStoresWithoutDelivering(t *testing.T) {
	store := &fakeStore{}
	emitter := newTestEmitter(t, store)

	var delivered atomic.Int64
	emitter.Subscribe(ListenerFunc(func(context.Context, core.Event) { delivered.Add(1) }))

	if err := emitter.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	stored, err := emitter.Emit(context.Background(), core.Event{Type: core.EventFeatureArchived, FeatureName: "late"})
	if err != nil {
		t.Fatalf("Emit() after Close error = %v", err)
	}
	emitter.Wait()

	if stored.ID != 1 {
		t.Fatalf("Emit() after Close = %+v, want stored event", stored)
	}
	if got := delivered.Load(); got != 0 {
		t.Fatalf("deliveries after Close = %d, want 0", got)
	}
	if err := emitter.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestCloseWhileEmitting(t *testing.T) {
	emitter := newTestEmitter(t, &fakeStore{}, WithPoolSize(2))

	var delivered atomic.Int64
	emitter.Subscribe(ListenerFunc(func(context.Context, core.Event) { delivered.Add(1) }))

	var (
		wg      sync.WaitGroup
		emitted atomic.Int64
	)
	for range 8 {
		wg.Go(func() {
			for range 50 {
				if _, err := emitter.Emit(context.Background(), core.Event{Type: core.EventFeatureMetadataUpdated}); err == nil {
					emitted.Add(1)
				}
			}
		})
	}
	if err := emitter.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	wg.Wait()

	if emitted.Load() != 400 {
		t.Fatalf("emitted = %d, want 400", emitted.Load())
	}
	if got := delivered.Load(); got > emitted.Load() {
		t.Fatalf("delivered = %d, more than emitted %d", got, emitted.Load())
	}
}

func TestEmitWriteFailureSkipsListeners(t *testing.T) {
	store := &fakeStore{writeErr: errors.New("db down")}
	recorder := &countingRecorder{}
	emitter := newTestEmitter(t, store, WithRecorder(recorder))

	var calls atomic.Int64
	emitter.Subscribe(ListenerFunc(func(context.Context, core.Event) { calls.Add(1) }))

	if _, err := emitter.Emit(context.Background(), core.Event{Type: core.EventFeatureArchived}); err == nil {
		t.Fatal("Emit() error = nil, want write error")
	}
	emitter.Wait()

	if calls.Load() != 0 {
		t.Fatalf("listener called %d times, want 0", calls.Load())
	}
	if recorder.failed.Load() != 1 {
		t.Fatalf("failed count = %d, want 1", recorder.failed.Load())
	}
}

func TestListenerSurvivesCallerCancellation(t *testing.T) {
	emitter := newTestEmitter(t, &fakeStore{}, WithListenerTimeout(time.Second))

	var ctxErr atomic.Value
	emitter.Subscribe(ListenerFunc(func(ctx context.Context, _ core.Event) {
		ctxErr.Store(ctx.Err() == nil)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := emitter.Emit(ctx, core.Event{Type: core.EventFeatureRevived}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	cancel()
	emitter.Wait()

	if alive, _ := ctxErr.Load().(bool); !alive {
		t.Fatal("listener context was cancelled with the caller")
	}
}

func TestListenerPanicIsRecovered(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	emitter := newTestEmitter(t, &fakeStore{}, WithLogger(logger), WithPoolSize(1))

	emitter.Subscribe(ListenerFunc(func(context.Context, core.Event) { panic("boom") }))

	for range 2 {
		if _, err := emitter.Emit(context.Background(), core.Event{Type: core.EventFeatureTagged}); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}
	emitter.Wait()

	// The panic handler runs after the delivery is marked done.
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(logs.String(), "panic recovered") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(logs.String(), "panic recovered") {
		t.Fatalf("expected panic to be logged, got %q", logs.String())
	}
}

func TestListEventsReadsStore(t *testing.T) {
	store := &fakeStore{}
	emitter := newTestEmitter(t, store)
	for range 3 {
		if _, err := emitter.Emit(context.Background(), core.Event{Type: core.EventStrategyAdded}); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}

	events, err := emitter.ListEvents(context.Background(), core.EventQuery{SinceID: 1})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 2 || events[0].ID != 2 {
		t.Fatalf("ListEvents() = %+v, want events 2 and 3", events)
	}
}
