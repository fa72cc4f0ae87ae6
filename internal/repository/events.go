package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matt-riley/flagstaff/internal/core"
)

// EventNotification is the compact envelope sent over LISTEN/NOTIFY after an
// event is stored.
type EventNotification struct {
	ID          int64          `json:"id"`
	Type        core.EventType `json:"type"`
	Project     string         `json:"project,omitempty"`
	FeatureName string         `json:"featureName,omitempty"`
}

const eventColumns = `id, type, created_by, created_at, COALESCE(project, ''), COALESCE(feature_name, ''), COALESCE(environment, ''), data, pre_data, tags`

func scanEvent(row rowScanner) (core.Event, error) {
	var (
		e    core.Event
		tags []byte
	)
	if err := row.Scan(
		&e.ID,
		&e.Type,
		&e.CreatedBy,
		&e.CreatedAt,
		&e.Project,
		&e.FeatureName,
		&e.Environment,
		&e.Data,
		&e.PreData,
		&tags,
	); err != nil {
		return core.Event{}, err
	}
	if err := unmarshalJSON(tags, &e.Tags); err != nil {
		return core.Event{}, fmt.Errorf("decode event tags: %w", err)
	}
	return e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// WriteEvent inserts an event and sends a PostgreSQL NOTIFY on the configured
// channel within a single transaction.
func (r *PostgresRepository) WriteEvent(ctx context.Context, event core.Event) (core.Event, error) {
	tags, err := marshalJSON(event.Tags, "[]")
	if err != nil {
		return core.Event{}, fmt.Errorf("encode event tags: %w", err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return core.Event{}, fmt.Errorf("begin write event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := scanEvent(tx.QueryRow(ctx, `
		INSERT INTO events (type, created_by, created_at, project, feature_name, environment, data, pre_data, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+eventColumns,
		string(event.Type),
		event.CreatedBy,
		event.CreatedAt,
		nullable(event.Project),
		nullable(event.FeatureName),
		nullable(event.Environment),
		nullableJSON(event.Data),
		nullableJSON(event.PreData),
		tags,
	))
	if err != nil {
		return core.Event{}, fmt.Errorf("insert event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return core.Event{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return core.Event{}, fmt.Errorf("notify event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return core.Event{}, fmt.Errorf("commit write event tx: %w", err)
	}

	return created, nil
}

// ListEvents returns events with IDs greater than query.SinceID, oldest
// first, capped at maxEventBatchSize.
func (r *PostgresRepository) ListEvents(ctx context.Context, query core.EventQuery) ([]core.Event, error) {
	sql, args := buildEventQuery(query)
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]core.Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

func buildEventQuery(query core.EventQuery) (string, []any) {
	where := []string{"id > $1"}
	args := []any{query.SinceID}
	if query.Project != "" {
		args = append(args, query.Project)
		where = append(where, fmt.Sprintf("project = $%d", len(args)))
	}
	if query.FeatureName != "" {
		args = append(args, query.FeatureName)
		where = append(where, fmt.Sprintf("feature_name = $%d", len(args)))
	}
	limit := query.Limit
	if limit <= 0 || limit > maxEventBatchSize {
		limit = maxEventBatchSize
	}
	args = append(args, limit)
	sql := fmt.Sprintf("SELECT %s FROM events WHERE %s ORDER BY id LIMIT $%d",
		eventColumns, strings.Join(where, " AND "), len(args))
	return sql, args
}

func marshalNotifyPayload(event core.Event) (string, error) {
	serialized, err := json.Marshal(EventNotification{
		ID:          event.ID,
		Type:        event.Type,
		Project:     event.Project,
		FeatureName: event.FeatureName,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
