package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

func TestHTTPBearerAuthMiddleware(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		nextCalled := false
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("expected WWW-Authenticate header to be Bearer, got %q", got)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("non-bearer scheme", func(t *testing.T) {
		validator := &testTokenValidator{}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("empty actor rejected", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", actor: "  "}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "key1.secret", actor: "ci-pipeline"}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actor, ok := ActorFromContext(r.Context()); !ok || actor != "ci-pipeline" {
				t.Errorf("ActorFromContext = %q, %v; want ci-pipeline, true", actor, ok)
			}
			if keyID, ok := APIKeyIDFromContext(r.Context()); !ok || keyID != "key1" {
				t.Errorf("APIKeyIDFromContext = %q, %v; want key1, true", keyID, ok)
			}
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer key1.secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected %d, got %d", http.StatusNoContent, rec.Code)
		}
		if validator.gotToken != "key1.secret" {
			t.Fatalf("expected token %q, got %q", "key1.secret", validator.gotToken)
		}
	})
}

func TestHTTPBearerAuthMiddleware_RateLimit(t *testing.T) {
	rl := newTestLimiter(t, 2)
	failures := 0
	validator := &testTokenValidator{expectedToken: "good", actor: "ops"}
	handler := HTTPBearerAuthMiddleware(validator,
		WithRateLimiter(rl),
		WithOnAuthFailure(func() { failures++ }),
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("good"); code != http.StatusOK {
		t.Fatalf("valid request: got %d", code)
	}
	for i := range 2 {
		if code := do("bad"); code != http.StatusUnauthorized {
			t.Fatalf("failure %d: got %d, want 401", i+1, code)
		}
	}

	validator.called = false
	if code := do("good"); code != http.StatusTooManyRequests {
		t.Fatalf("blocked client: got %d, want 429", code)
	}
	if validator.called {
		t.Fatal("blocked client must not reach the validator")
	}
	if failures != 2 {
		t.Fatalf("expected 2 failure callbacks, got %d", failures)
	}
}

func TestAPIKeyValidator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	lookup := apiKeyLookupFunc(func(_ context.Context, id string) (string, string, error) {
		switch id {
		case "key1":
			return string(hash), "deploy-bot", nil
		case "unnamed":
			return string(hash), "", nil
		default:
			return "", "", pgx.ErrNoRows
		}
	})
	v := NewAPIKeyValidator(lookup)

	tests := []struct {
		token     string
		wantActor string
		wantErr   bool
	}{
		{"key1.s3cret", "deploy-bot", false},
		{"unnamed.s3cret", "unnamed", false},
		{"key1.wrong", "", true},
		{"missing.s3cret", "", true},
		{"key1", "", true},
		{".s3cret", "", true},
		{"key1.", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			actor, err := v.ValidateToken(context.Background(), tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateToken(%q) error = %v, wantErr %v", tt.token, err, tt.wantErr)
			}
			if actor != tt.wantActor {
				t.Fatalf("ValidateToken(%q) actor = %q, want %q", tt.token, actor, tt.wantActor)
			}
		})
	}
}

func TestAPIKeyMatchesHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !APIKeyMatchesHash(string(hash), "secret") {
		t.Fatal("expected API key to match hash")
	}
	if APIKeyMatchesHash(string(hash), "wrong") {
		t.Fatal("expected API key mismatch")
	}
	if APIKeyMatchesHash("not-a-hash", "secret") {
		t.Fatal("expected invalid hash to fail")
	}
}

type apiKeyLookupFunc func(ctx context.Context, id string) (string, string, error)

func (f apiKeyLookupFunc) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	return f(ctx, id)
}

type testTokenValidator struct {
	expectedToken string
	err           error
	called        bool
	gotToken      string
	actor         string
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	v.called = true
	v.gotToken = token
	if v.err != nil {
		return "", v.err
	}
	if v.expectedToken != "" && token != v.expectedToken {
		return "", errors.New("invalid token")
	}
	return v.actor, nil
}
