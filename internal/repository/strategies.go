package repository

import (
	"context"
	"fmt"

	"github.com/matt-riley/flagstaff/internal/core"
)

const strategyColumns = `id::text, feature_name, project_id, environment_name, strategy_name, title, parameters, constraints, variants, sort_order, disabled, created_at`

func scanStrategy(row rowScanner) (core.Strategy, error) {
	var (
		s                                 core.Strategy
		parameters, constraints, variants []byte
	)
	if err := row.Scan(
		&s.ID,
		&s.FeatureName,
		&s.ProjectID,
		&s.Environment,
		&s.Name,
		&s.Title,
		&parameters,
		&constraints,
		&variants,
		&s.SortOrder,
		&s.Disabled,
		&s.CreatedAt,
	); err != nil {
		return core.Strategy{}, err
	}
	s.Parameters = map[string]string{}
	s.Constraints = []core.Constraint{}
	if err := unmarshalJSON(parameters, &s.Parameters); err != nil {
		return core.Strategy{}, fmt.Errorf("decode parameters: %w", err)
	}
	if err := unmarshalJSON(constraints, &s.Constraints); err != nil {
		return core.Strategy{}, fmt.Errorf("decode constraints: %w", err)
	}
	if err := unmarshalJSON(variants, &s.Variants); err != nil {
		return core.Strategy{}, fmt.Errorf("decode strategy variants: %w", err)
	}
	return s, nil
}

type strategyJSON struct {
	parameters, constraints, variants []byte
}

func encodeStrategy(s core.Strategy) (strategyJSON, error) {
	var (
		out strategyJSON
		err error
	)
	if out.parameters, err = marshalJSON(s.Parameters, "{}"); err != nil {
		return out, fmt.Errorf("encode parameters: %w", err)
	}
	if out.constraints, err = marshalJSON(s.Constraints, "[]"); err != nil {
		return out, fmt.Errorf("encode constraints: %w", err)
	}
	if out.variants, err = marshalJSON(s.Variants, "[]"); err != nil {
		return out, fmt.Errorf("encode strategy variants: %w", err)
	}
	return out, nil
}

// CreateStrategy inserts a strategy whose id has already been assigned.
// A missing feature or environment returns pgx.ErrNoRows (wrapped).
func (r *PostgresRepository) CreateStrategy(ctx context.Context, strategy core.Strategy) (core.Strategy, error) {
	encoded, err := encodeStrategy(strategy)
	if err != nil {
		return core.Strategy{}, err
	}

	created, err := scanStrategy(r.pool.QueryRow(ctx, `
		INSERT INTO feature_strategies
			(id, feature_name, project_id, environment_name, strategy_name, title, parameters, constraints, variants, sort_order, disabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+strategyColumns,
		strategy.ID,
		strategy.FeatureName,
		strategy.ProjectID,
		strategy.Environment,
		strategy.Name,
		strategy.Title,
		encoded.parameters,
		encoded.constraints,
		encoded.variants,
		strategy.SortOrder,
		strategy.Disabled,
	))
	if err != nil {
		return core.Strategy{}, classify("create strategy", "strategy", strategy.ID, err)
	}
	return created, nil
}

// GetStrategy returns a strategy by id. Returns pgx.ErrNoRows (wrapped) if
// absent.
func (r *PostgresRepository) GetStrategy(ctx context.Context, id string) (core.Strategy, error) {
	strategy, err := scanStrategy(r.pool.QueryRow(ctx, `
		SELECT `+strategyColumns+`
		FROM feature_strategies
		WHERE id::text = $1
	`, id))
	if err != nil {
		return core.Strategy{}, fmt.Errorf("get strategy: %w", err)
	}
	return strategy, nil
}

// UpdateStrategy overwrites the mutable columns of a strategy.
func (r *PostgresRepository) UpdateStrategy(ctx context.Context, strategy core.Strategy) (core.Strategy, error) {
	encoded, err := encodeStrategy(strategy)
	if err != nil {
		return core.Strategy{}, err
	}

	updated, err := scanStrategy(r.pool.QueryRow(ctx, `
		UPDATE feature_strategies
		SET strategy_name = $2,
		    title = $3,
		    parameters = $4,
		    constraints = $5,
		    variants = $6,
		    sort_order = $7,
		    disabled = $8
		WHERE id::text = $1
		RETURNING `+strategyColumns,
		strategy.ID,
		strategy.Name,
		strategy.Title,
		encoded.parameters,
		encoded.constraints,
		encoded.variants,
		strategy.SortOrder,
		strategy.Disabled,
	))
	if err != nil {
		return core.Strategy{}, fmt.Errorf("update strategy: %w", err)
	}
	return updated, nil
}

// DeleteStrategy removes one strategy. Sibling sort orders are untouched.
func (r *PostgresRepository) DeleteStrategy(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM feature_strategies WHERE id::text = $1`, id)
	if err != nil {
		return fmt.Errorf("delete strategy: %w", err)
	}
	return noRowsAffected("delete strategy", commandTag)
}

// ListStrategies returns the strategies of a feature in one environment in
// evaluation order.
func (r *PostgresRepository) ListStrategies(ctx context.Context, featureName, environment string) ([]core.Strategy, error) {
	return r.queryStrategies(ctx, "list strategies", `
		SELECT `+strategyColumns+`
		FROM feature_strategies
		WHERE feature_name = $1 AND environment_name = $2
		ORDER BY sort_order, created_at
	`, featureName, environment)
}

// ListFeatureStrategies returns every strategy of a feature across
// environments.
func (r *PostgresRepository) ListFeatureStrategies(ctx context.Context, featureName string) ([]core.Strategy, error) {
	return r.queryStrategies(ctx, "list feature strategies", `
		SELECT `+strategyColumns+`
		FROM feature_strategies
		WHERE feature_name = $1
		ORDER BY environment_name, sort_order, created_at
	`, featureName)
}

// NextSortOrder returns one more than the highest sort order in use for the
// (feature, environment) pair, or zero when there are no strategies.
func (r *PostgresRepository) NextSortOrder(ctx context.Context, featureName, environment string) (int, error) {
	var next int
	if err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(sort_order) + 1, 0)
		FROM feature_strategies
		WHERE feature_name = $1 AND environment_name = $2
	`, featureName, environment).Scan(&next); err != nil {
		return 0, fmt.Errorf("next sort order: %w", err)
	}
	return next, nil
}

func (r *PostgresRepository) queryStrategies(ctx context.Context, op, sql string, args ...any) ([]core.Strategy, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	strategies := make([]core.Strategy, 0)
	for rows.Next() {
		strategy, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		strategies = append(strategies, strategy)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}

	return strategies, nil
}
