package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token and returns the actor it belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (actor string, err error)
}

// AuthOption configures HTTPBearerAuthMiddleware.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every failed attempt.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter throttles clients by IP once they exceed the allowed number
// of failed attempts. Throttled clients get 429 before their token is checked.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

// HTTPBearerAuthMiddleware requires a valid bearer token and stores the
// resulting actor in the request context.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractIP(r.RemoteAddr)
			if cfg.rateLimiter != nil && cfg.rateLimiter.Blocked(ip) {
				writeTooManyRequests(w)
				return
			}

			header := r.Header.Get("Authorization")
			actor, err := authorize(r.Context(), header, validator)
			if err != nil {
				LoggerFromContext(r.Context()).WarnContext(r.Context(), "authentication failed",
					slog.String("remote_ip", ip),
					slog.String("error", err.Error()),
				)
				if cfg.onFailure != nil {
					cfg.onFailure()
				}
				if cfg.rateLimiter != nil && !cfg.rateLimiter.RecordFailureAndAllow(ip) {
					writeTooManyRequests(w)
					return
				}
				writeHTTPUnauthorized(w)
				return
			}

			ctx := NewContextWithActor(r.Context(), actor)
			if keyID := apiKeyIDFromBearer(header); keyID != "" {
				ctx = NewContextWithAPIKeyID(ctx, keyID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type contextKey string

const (
	actorKey    contextKey = "actor"
	apiKeyIDKey contextKey = "api_key_id"
)

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorKey).(string)
	return actor, ok
}

func NewContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// APIKeyIDFromContext returns the ID of the API key used on the request.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

func NewContextWithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

func authorize(ctx context.Context, authorizationHeader string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	actor, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(actor) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return actor, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func writeTooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "60")
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}

// apiKeyIDFromBearer returns keyID from "Bearer keyID.secret".
func apiKeyIDFromBearer(authHeader string) string {
	token, err := parseBearerToken(authHeader)
	if err != nil {
		return ""
	}
	keyID, _, ok := strings.Cut(token, ".")
	if !ok || keyID == "" {
		return ""
	}
	return keyID
}
