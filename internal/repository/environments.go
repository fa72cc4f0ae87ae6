package repository

import (
	"context"
	"fmt"

	"github.com/matt-riley/flagstaff/internal/core"
)

const environmentColumns = `name, type, enabled, sort_order, protected`

func scanEnvironment(row rowScanner) (core.Environment, error) {
	var env core.Environment
	err := row.Scan(&env.Name, &env.Type, &env.Enabled, &env.SortOrder, &env.Protected)
	return env, err
}

// CreateEnvironment inserts an environment. A duplicate name returns
// *core.ConflictError.
func (r *PostgresRepository) CreateEnvironment(ctx context.Context, env core.Environment) (core.Environment, error) {
	created, err := scanEnvironment(r.pool.QueryRow(ctx, `
		INSERT INTO environments (name, type, enabled, sort_order, protected)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+environmentColumns,
		env.Name, env.Type, env.Enabled, env.SortOrder, env.Protected,
	))
	if err != nil {
		return core.Environment{}, classify("create environment", "environment", env.Name, err)
	}
	return created, nil
}

// GetEnvironment returns an environment by name. Returns pgx.ErrNoRows
// (wrapped) if absent.
func (r *PostgresRepository) GetEnvironment(ctx context.Context, name string) (core.Environment, error) {
	env, err := scanEnvironment(r.pool.QueryRow(ctx, `
		SELECT `+environmentColumns+`
		FROM environments
		WHERE name = $1
	`, name))
	if err != nil {
		return core.Environment{}, fmt.Errorf("get environment: %w", err)
	}
	return env, nil
}

// ListEnvironments returns every environment in display order.
func (r *PostgresRepository) ListEnvironments(ctx context.Context) ([]core.Environment, error) {
	return r.queryEnvironments(ctx, "list environments", `
		SELECT `+environmentColumns+`
		FROM environments
		ORDER BY sort_order, name
	`)
}

// ListProjectEnvironments returns the environments linked to a project.
func (r *PostgresRepository) ListProjectEnvironments(ctx context.Context, projectID string) ([]core.Environment, error) {
	return r.queryEnvironments(ctx, "list project environments", `
		SELECT e.name, e.type, e.enabled, e.sort_order, e.protected
		FROM environments e
		JOIN project_environments pe ON pe.environment_name = e.name
		WHERE pe.project_id = $1
		ORDER BY e.sort_order, e.name
	`, projectID)
}

// AddEnvironmentToProject links an environment to a project. It reports
// whether a new link was created.
func (r *PostgresRepository) AddEnvironmentToProject(ctx context.Context, projectID, environment string) (bool, error) {
	commandTag, err := r.pool.Exec(ctx, `
		INSERT INTO project_environments (project_id, environment_name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, projectID, environment)
	if err != nil {
		return false, classify("add environment to project", "project environment", projectID+"/"+environment, err)
	}
	return commandTag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) queryEnvironments(ctx context.Context, op, sql string, args ...any) ([]core.Environment, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	envs := make([]core.Environment, 0)
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, env)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}

	return envs, nil
}

// ConnectEnvironment creates the activation record for (feature, environment)
// if it does not exist yet. Existing records keep their enabled state.
func (r *PostgresRepository) ConnectEnvironment(ctx context.Context, featureName, environment string, enabled bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO feature_environments (feature_name, environment_name, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (feature_name, environment_name) DO NOTHING
	`, featureName, environment, enabled)
	if err != nil {
		return classify("connect environment", "feature environment", featureName+"/"+environment, err)
	}
	return nil
}

// GetFeatureEnvironment returns the activation record without strategies.
// Returns pgx.ErrNoRows (wrapped) if the feature is not connected.
func (r *PostgresRepository) GetFeatureEnvironment(ctx context.Context, featureName, environment string) (core.FeatureEnvironment, error) {
	fe := core.FeatureEnvironment{Name: environment}
	if err := r.pool.QueryRow(ctx, `
		SELECT enabled
		FROM feature_environments
		WHERE feature_name = $1 AND environment_name = $2
	`, featureName, environment).Scan(&fe.Enabled); err != nil {
		return core.FeatureEnvironment{}, fmt.Errorf("get feature environment: %w", err)
	}
	return fe, nil
}

// SetEnvironmentEnabled updates the enabled flag of an activation record.
func (r *PostgresRepository) SetEnvironmentEnabled(ctx context.Context, featureName, environment string, enabled bool) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE feature_environments
		SET enabled = $3
		WHERE feature_name = $1 AND environment_name = $2
	`, featureName, environment, enabled)
	if err != nil {
		return fmt.Errorf("set environment enabled: %w", err)
	}
	return noRowsAffected("set environment enabled", commandTag)
}

// ListFeatureEnvironments returns every activation record of a feature,
// without strategies, in environment order.
func (r *PostgresRepository) ListFeatureEnvironments(ctx context.Context, featureName string) ([]core.FeatureEnvironment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT fe.environment_name, fe.enabled
		FROM feature_environments fe
		JOIN environments e ON e.name = fe.environment_name
		WHERE fe.feature_name = $1
		ORDER BY e.sort_order, e.name
	`, featureName)
	if err != nil {
		return nil, fmt.Errorf("list feature environments: %w", err)
	}
	defer rows.Close()

	envs := make([]core.FeatureEnvironment, 0)
	for rows.Next() {
		var fe core.FeatureEnvironment
		if err := rows.Scan(&fe.Name, &fe.Enabled); err != nil {
			return nil, fmt.Errorf("scan feature environment: %w", err)
		}
		envs = append(envs, fe)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list feature environments rows: %w", err)
	}

	return envs, nil
}
