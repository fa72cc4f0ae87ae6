package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	flagstaff "github.com/matt-riley/flagstaff/clients/go"
	flagstaffhttp "github.com/matt-riley/flagstaff/clients/go/http"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *flagstaffhttp.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return flagstaffhttp.NewHTTPClient(flagstaffhttp.Config{
		BaseURL: srv.URL + "/",
		APIKey:  "key.secret",
	})
}

func assertRequest(t *testing.T, r *http.Request, method, path string) {
	t.Helper()
	if got := r.Header.Get("Authorization"); got != "Bearer key.secret" {
		t.Errorf("auth header: got %q, want %q", got, "Bearer key.secret")
	}
	if r.Method != method || r.URL.EscapedPath() != path {
		t.Errorf("unexpected %s %s, want %s %s", r.Method, r.URL.EscapedPath(), method, path)
	}
}

func TestCreateFeature(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertRequest(t, r, http.MethodPost, "/api/admin/projects/web/features")
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["name"] != "new-ui" || body["type"] != "experiment" {
			t.Errorf("unexpected body: %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"name":"new-ui","project":"web","type":"experiment","createdAt":"2026-01-01T00:00:00Z","variants":[]}`)
	})

	f, err := c.CreateFeature(context.Background(), "web", flagstaff.FeatureCreate{Name: "new-ui", Type: "experiment"})
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != "new-ui" || f.Project != "web" || f.CreatedAt.IsZero() {
		t.Errorf("unexpected feature: %+v", f)
	}
}

func TestGetFeatureEscapesPath(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertRequest(t, r, http.MethodGet, "/api/admin/projects/web/features/a%2Fb")
		fmt.Fprint(w, `{"name":"a/b","project":"web"}`)
	})

	f, err := c.GetFeature(context.Background(), "web", "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != "a/b" {
		t.Errorf("got name %q", f.Name)
	}
}

func TestAPIErrorUsesServerMessage(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"feature \"missing\" not found"}`)
	})

	_, err := c.GetFeature(context.Background(), "web", "missing")
	var apiErr *flagstaffhttp.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != `feature "missing" not found` {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
	if !flagstaffhttp.IsNotFound(err) {
		t.Error("IsNotFound() = false, want true")
	}
}

func TestAPIErrorFallsBackToText(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})

	err := c.ArchiveFeature(context.Background(), "web", "x")
	var apiErr *flagstaffhttp.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "unauthorized" {
		t.Errorf("expected 401 APIError, got %v", err)
	}
	if flagstaffhttp.IsNotFound(err) {
		t.Error("IsNotFound() = true for 401")
	}
}

func TestListFeatures(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertRequest(t, r, http.MethodGet, "/api/admin/projects/default/features")
		fmt.Fprint(w, `{"features":[{"name":"a"},{"name":"b","stale":true}]}`)
	})

	features, err := c.ListFeatures(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if len(features) != 2 || features[0].Name != "a" || !features[1].Stale {
		t.Errorf("unexpected features: %+v", features)
	}
}

func TestLifecycleCalls(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		call   func(*flagstaffhttp.Client) error
	}{
		{"archive", http.MethodDelete, "/api/admin/projects/web/features/x", func(c *flagstaffhttp.Client) error {
			return c.ArchiveFeature(context.Background(), "web", "x")
		}},
		{"revive", http.MethodPost, "/api/admin/archive/revive/x", func(c *flagstaffhttp.Client) error {
			return c.ReviveFeature(context.Background(), "x")
		}},
		{"delete", http.MethodDelete, "/api/admin/archive/x", func(c *flagstaffhttp.Client) error {
			return c.DeleteFeature(context.Background(), "x")
		}},
		{"stale on", http.MethodPost, "/api/admin/projects/web/features/x/stale/on", func(c *flagstaffhttp.Client) error {
			return c.SetStale(context.Background(), "web", "x", true)
		}},
		{"stale off", http.MethodPost, "/api/admin/projects/web/features/x/stale/off", func(c *flagstaffhttp.Client) error {
			return c.SetStale(context.Background(), "web", "x", false)
		}},
		{"enable", http.MethodPost, "/api/admin/projects/web/features/x/environments/production/on", func(c *flagstaffhttp.Client) error {
			return c.SetEnabled(context.Background(), "web", "x", "production", true)
		}},
		{"disable", http.MethodPost, "/api/admin/projects/web/features/x/environments/production/off", func(c *flagstaffhttp.Client) error {
			return c.SetEnabled(context.Background(), "web", "x", "production", false)
		}},
		{"delete strategy", http.MethodDelete, "/api/admin/projects/web/features/x/environments/production/strategies/s1", func(c *flagstaffhttp.Client) error {
			return c.DeleteStrategy(context.Background(), "web", "x", "production", "s1")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				assertRequest(t, r, tt.method, tt.path)
				w.WriteHeader(http.StatusOK)
			})
			if err := tt.call(c); err != nil {
				t.Fatalf("call error = %v", err)
			}
		})
	}
}

func TestAddStrategyDropsClientID(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertRequest(t, r, http.MethodPost, "/api/admin/projects/web/features/x/environments/production/strategies")
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if _, ok := body["id"]; ok {
			t.Errorf("request body carries id: %s", raw)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"s1","name":"flexibleRollout","parameters":{"rollout":"50"},"sortOrder":2}`)
	})

	s, err := c.AddStrategy(context.Background(), "web", "x", "production", flagstaff.Strategy{
		ID:         "ignored",
		Name:       "flexibleRollout",
		Parameters: map[string]string{"rollout": "50"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "s1" || s.SortOrder != 2 || s.Parameters["rollout"] != "50" {
		t.Errorf("unexpected strategy: %+v", s)
	}
}

func TestListStrategies(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertRequest(t, r, http.MethodGet, "/api/admin/projects/web/features/x/environments/production/strategies")
		fmt.Fprint(w, `[{"id":"s1","name":"default"},{"id":"s2","name":"userWithId","sortOrder":1}]`)
	})

	strategies, err := c.ListStrategies(context.Background(), "web", "x", "production")
	if err != nil {
		t.Fatal(err)
	}
	if len(strategies) != 2 || strategies[1].ID != "s2" {
		t.Errorf("unexpected strategies: %+v", strategies)
	}
}

func TestWatchEvents(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertRequest(t, r, http.MethodGet, "/api/admin/events/stream")
		if got := r.Header.Get("Last-Event-ID"); got != "41" {
			t.Errorf("Last-Event-ID = %q, want %q", got, "41")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 42\nevent: feature-created\ndata: {\"id\":42,\"type\":\"feature-created\",\"createdBy\":\"alice\",\"featureName\":\"new-ui\"}\n\n")
		fmt.Fprint(w, "event: error\ndata: {\"error\":\"boom\"}\n\n")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.WatchEvents(ctx, 41)
	if err != nil {
		t.Fatal(err)
	}

	var events []flagstaff.Event
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].ID != 42 || events[0].Type != "feature-created" || events[0].CreatedBy != "alice" || events[0].FeatureName != "new-ui" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != "error" || string(events[1].Data) != `{"error":"boom"}` {
		t.Errorf("unexpected error event: %+v", events[1])
	}
}

func TestWatchEventsConnectError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Last-Event-ID") != "" {
			t.Error("Last-Event-ID sent for a zero start")
		}
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid Last-Event-ID"}`)
	})

	_, err := c.WatchEvents(context.Background(), 0)
	var apiErr *flagstaffhttp.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
}

func TestWatchEventsStopsOnCancel(t *testing.T) {
	release := make(chan struct{})
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.WatchEvents(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected event after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
