package repository

import (
	"context"
	"fmt"

	"github.com/matt-riley/flagstaff/internal/core"
)

// AddTag attaches a tag to a feature. It reports false when the tag was
// already present.
func (r *PostgresRepository) AddTag(ctx context.Context, featureName string, tag core.Tag) (bool, error) {
	commandTag, err := r.pool.Exec(ctx, `
		INSERT INTO feature_tags (feature_name, tag_type, tag_value)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, featureName, tag.Type, tag.Value)
	if err != nil {
		return false, classify("add tag", "tag", tag.Type+":"+tag.Value, err)
	}
	return commandTag.RowsAffected() > 0, nil
}

// RemoveTag detaches a tag. Returns pgx.ErrNoRows (wrapped) if the feature
// does not carry it.
func (r *PostgresRepository) RemoveTag(ctx context.Context, featureName string, tag core.Tag) error {
	commandTag, err := r.pool.Exec(ctx, `
		DELETE FROM feature_tags
		WHERE feature_name = $1 AND tag_type = $2 AND tag_value = $3
	`, featureName, tag.Type, tag.Value)
	if err != nil {
		return fmt.Errorf("remove tag: %w", err)
	}
	return noRowsAffected("remove tag", commandTag)
}

// ListTags returns the tags of a feature ordered by type and value.
func (r *PostgresRepository) ListTags(ctx context.Context, featureName string) ([]core.Tag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT tag_type, tag_value
		FROM feature_tags
		WHERE feature_name = $1
		ORDER BY tag_type, tag_value
	`, featureName)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	tags := make([]core.Tag, 0)
	for rows.Next() {
		var tag core.Tag
		if err := rows.Scan(&tag.Type, &tag.Value); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tags rows: %w", err)
	}
	return tags, nil
}
