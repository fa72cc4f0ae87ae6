package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/matt-riley/flagstaff/internal/core"
)

const featureColumns = `name, project_id, description, type, archived, archived_at, stale, impression_data, variants, created_at`

func scanFeature(row rowScanner) (core.Feature, error) {
	var (
		f        core.Feature
		variants []byte
	)
	if err := row.Scan(
		&f.Name,
		&f.Project,
		&f.Description,
		&f.Type,
		&f.Archived,
		&f.ArchivedAt,
		&f.Stale,
		&f.ImpressionData,
		&variants,
		&f.CreatedAt,
	); err != nil {
		return core.Feature{}, err
	}
	f.Variants = []core.Variant{}
	if err := unmarshalJSON(variants, &f.Variants); err != nil {
		return core.Feature{}, fmt.Errorf("decode variants: %w", err)
	}
	return f, nil
}

// CreateFeature inserts a feature row. Names are unique across projects and
// archive state, so a clash returns *core.ConflictError.
func (r *PostgresRepository) CreateFeature(ctx context.Context, feature core.Feature) (core.Feature, error) {
	variants, err := marshalJSON(feature.Variants, "[]")
	if err != nil {
		return core.Feature{}, fmt.Errorf("encode variants: %w", err)
	}

	created, err := scanFeature(r.pool.QueryRow(ctx, `
		INSERT INTO features (name, project_id, description, type, stale, impression_data, variants)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+featureColumns,
		feature.Name,
		feature.Project,
		feature.Description,
		feature.Type,
		feature.Stale,
		feature.ImpressionData,
		variants,
	))
	if err != nil {
		return core.Feature{}, classify("create feature", "feature", feature.Name, err)
	}

	return created, nil
}

// GetFeature returns the feature row regardless of archive state. Returns
// pgx.ErrNoRows (wrapped) if it does not exist.
func (r *PostgresRepository) GetFeature(ctx context.Context, name string) (core.Feature, error) {
	feature, err := scanFeature(r.pool.QueryRow(ctx, `
		SELECT `+featureColumns+`
		FROM features
		WHERE name = $1
	`, name))
	if err != nil {
		return core.Feature{}, fmt.Errorf("get feature: %w", err)
	}
	return feature, nil
}

// UpdateFeature writes the mutable metadata columns of a feature.
func (r *PostgresRepository) UpdateFeature(ctx context.Context, feature core.Feature) (core.Feature, error) {
	updated, err := scanFeature(r.pool.QueryRow(ctx, `
		UPDATE features
		SET description = $2,
		    type = $3,
		    stale = $4,
		    impression_data = $5
		WHERE name = $1
		RETURNING `+featureColumns,
		feature.Name,
		feature.Description,
		feature.Type,
		feature.Stale,
		feature.ImpressionData,
	))
	if err != nil {
		return core.Feature{}, fmt.Errorf("update feature: %w", err)
	}
	return updated, nil
}

// SetArchived flips the archived flag, stamping archived_at when archiving.
func (r *PostgresRepository) SetArchived(ctx context.Context, name string, archived bool) (core.Feature, error) {
	updated, err := scanFeature(r.pool.QueryRow(ctx, `
		UPDATE features
		SET archived = $2,
		    archived_at = CASE WHEN $2 THEN NOW() ELSE NULL END
		WHERE name = $1
		RETURNING `+featureColumns,
		name, archived,
	))
	if err != nil {
		return core.Feature{}, fmt.Errorf("set feature archived: %w", err)
	}
	return updated, nil
}

// UpdateVariants replaces the variant list of a feature in one statement.
func (r *PostgresRepository) UpdateVariants(ctx context.Context, name string, variants []core.Variant) (core.Feature, error) {
	encoded, err := marshalJSON(variants, "[]")
	if err != nil {
		return core.Feature{}, fmt.Errorf("encode variants: %w", err)
	}
	updated, err := scanFeature(r.pool.QueryRow(ctx, `
		UPDATE features
		SET variants = $2
		WHERE name = $1
		RETURNING `+featureColumns,
		name, encoded,
	))
	if err != nil {
		return core.Feature{}, fmt.Errorf("update variants: %w", err)
	}
	return updated, nil
}

// ChangeProject moves a feature and its strategies to another project.
func (r *PostgresRepository) ChangeProject(ctx context.Context, name, project string) (core.Feature, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return core.Feature{}, fmt.Errorf("begin change project tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := scanFeature(tx.QueryRow(ctx, `
		UPDATE features
		SET project_id = $2
		WHERE name = $1
		RETURNING `+featureColumns,
		name, project,
	))
	if err != nil {
		return core.Feature{}, classify("change project", "feature", name, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE feature_strategies SET project_id = $2 WHERE feature_name = $1`, name, project); err != nil {
		return core.Feature{}, fmt.Errorf("change strategies project: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return core.Feature{}, fmt.Errorf("commit change project tx: %w", err)
	}
	return updated, nil
}

// DeleteFeature removes a feature along with its environments, strategies and
// tags. Returns pgx.ErrNoRows (wrapped) if it does not exist.
func (r *PostgresRepository) DeleteFeature(ctx context.Context, name string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM features WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete feature: %w", err)
	}
	return noRowsAffected("delete feature", commandTag)
}

// DeleteAllFeatures removes every feature and everything hanging off them.
// Environments and projects are kept.
func (r *PostgresRepository) DeleteAllFeatures(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `TRUNCATE feature_tags, feature_strategies, feature_environments, features`); err != nil {
		return fmt.Errorf("delete all features: %w", err)
	}
	return nil
}

// ListFeatures returns features matching query ordered by name.
func (r *PostgresRepository) ListFeatures(ctx context.Context, query core.FeatureQuery) ([]core.Feature, error) {
	sql, args := buildFeatureQuery(query)
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	features := make([]core.Feature, 0)
	for rows.Next() {
		feature, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		features = append(features, feature)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list features rows: %w", err)
	}

	return features, nil
}

func buildFeatureQuery(query core.FeatureQuery) (string, []any) {
	var (
		where = []string{"archived = $1"}
		args  = []any{query.Archived}
	)
	if query.Project != "" {
		args = append(args, query.Project)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if query.NamePrefix != "" {
		args = append(args, escapeLike(query.NamePrefix)+"%")
		where = append(where, fmt.Sprintf("name LIKE $%d", len(args)))
	}
	if query.Tag != nil {
		args = append(args, query.Tag.Type, query.Tag.Value)
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM feature_tags t WHERE t.feature_name = features.name AND t.tag_type = $%d AND t.tag_value = $%d)",
			len(args)-1, len(args),
		))
	}
	sql := "SELECT " + featureColumns + " FROM features WHERE " + strings.Join(where, " AND ") + " ORDER BY name"
	return sql, args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
