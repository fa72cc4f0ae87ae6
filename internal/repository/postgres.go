// Package repository provides PostgreSQL-backed persistence for feature
// toggles, their environments and strategies, tags, projects, API keys and
// the append-only event log. Lookups of missing rows return a wrapped
// pgx.ErrNoRows; unique violations surface as *core.ConflictError.
package repository

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/flagstaff/internal/core"
)

const (
	defaultNotifyChannel = "flagstaff_events"
	maxEventBatchSize    = 1000

	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// PostgresRepository implements every store the service needs on top of a
// pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "flagstaff_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] that
// notifies and listens on the given channel.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func noRowsAffected(op string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}
	return nil
}

// classify turns constraint violations into domain errors and wraps
// everything else with op.
func classify(op, entity, id string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return &core.ConflictError{Entity: entity, ID: id}
		case foreignKeyViolation:
			return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 || string(input) == "null" {
		return json.RawMessage(fallback)
	}

	return input
}

func marshalJSON(v any, fallback string) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return ensureJSON(b, fallback), nil
}

func unmarshalJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
