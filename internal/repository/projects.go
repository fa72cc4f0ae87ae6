package repository

import (
	"context"
	"fmt"

	"github.com/matt-riley/flagstaff/internal/core"
)

// CreateProject inserts a project. A duplicate id returns *core.ConflictError.
func (r *PostgresRepository) CreateProject(ctx context.Context, project core.Project) (core.Project, error) {
	var p core.Project
	err := r.pool.QueryRow(ctx, `
		INSERT INTO projects (id, name, description)
		VALUES ($1, $2, $3)
		RETURNING id, name, description, created_at
	`, project.ID, project.Name, project.Description).Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&p.CreatedAt,
	)
	if err != nil {
		return core.Project{}, classify("create project", "project", project.ID, err)
	}
	return p, nil
}

// GetProject retrieves a project by ID.
func (r *PostgresRepository) GetProject(ctx context.Context, id string) (core.Project, error) {
	var p core.Project
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, description, created_at
		FROM projects
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if err != nil {
		return core.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects.
func (r *PostgresRepository) ListProjects(ctx context.Context) ([]core.Project, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description, created_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]core.Project, 0)
	for rows.Next() {
		var p core.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects rows: %w", err)
	}
	return projects, nil
}
