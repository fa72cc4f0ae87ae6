package service

import (
	"context"

	"github.com/matt-riley/flagstaff/internal/contract"
	"github.com/matt-riley/flagstaff/internal/core"
)

// CreateProject creates a project and links it to every enabled environment.
func (s *Service) CreateProject(ctx context.Context, project core.Project, actor string) (_ core.Project, err error) {
	ctx, span := s.startOp(ctx, "create_project")
	defer func() { s.endOp(span, "create_project", err) }()

	if project.Name == "" {
		project.Name = project.ID
	}
	payload := map[string]string{"id": project.ID, "name": project.Name, "description": project.Description}
	if err := s.validate(contract.CreateProject, payload); err != nil {
		return core.Project{}, err
	}

	created, err := s.stores.Projects.CreateProject(ctx, project)
	if err != nil {
		return core.Project{}, persistence(err)
	}

	envs, err := s.stores.Environments.ListEnvironments(ctx)
	if err != nil {
		return core.Project{}, persistence(err)
	}
	for _, env := range envs {
		if !env.Enabled {
			continue
		}
		if _, err := s.stores.Environments.AddEnvironmentToProject(ctx, created.ID, env.Name); err != nil {
			return core.Project{}, persistence(err)
		}
	}

	s.emitBestEffort(ctx, core.Event{
		Type:      core.EventProjectCreated,
		CreatedBy: actor,
		Project:   created.ID,
		Data:      core.RawJSON(created),
	})
	return created, nil
}

// CreateEnvironment registers a new environment. It is not linked to any
// project until AddEnvironmentToProject is called.
func (s *Service) CreateEnvironment(ctx context.Context, env core.Environment, actor string) (_ core.Environment, err error) {
	ctx, span := s.startOp(ctx, "create_environment")
	defer func() { s.endOp(span, "create_environment", err) }()

	if err := s.validate(contract.CreateEnvironment, env); err != nil {
		return core.Environment{}, err
	}
	if err := core.ValidateFeatureName(env.Name); err != nil {
		return core.Environment{}, core.NewValidationError("/name", "environment name %q must be URL-friendly", env.Name)
	}

	created, err := s.stores.Environments.CreateEnvironment(ctx, env)
	if err != nil {
		return core.Environment{}, persistence(err)
	}

	s.emitBestEffort(ctx, core.Event{
		Type:        core.EventEnvironmentCreated,
		CreatedBy:   actor,
		Environment: created.Name,
		Data:        core.RawJSON(created),
	})
	return created, nil
}

// AddEnvironmentToProject links an environment to a project and connects the
// project's features to it. Linking twice is a no-op.
func (s *Service) AddEnvironmentToProject(ctx context.Context, projectID, environment, actor string) (err error) {
	ctx, span := s.startOp(ctx, "add_project_environment")
	defer func() { s.endOp(span, "add_project_environment", err) }()

	if err := s.requireProject(ctx, projectID); err != nil {
		return err
	}
	if _, err := s.stores.Environments.GetEnvironment(ctx, environment); err != nil {
		return notFoundOr("environment", environment, err)
	}

	added, err := s.stores.Environments.AddEnvironmentToProject(ctx, projectID, environment)
	if err != nil {
		return persistence(err)
	}

	features, err := s.stores.Features.ListFeatures(ctx, core.FeatureQuery{Project: projectID})
	if err != nil {
		return persistence(err)
	}
	for _, feature := range features {
		if err := s.stores.FeatureEnvironments.ConnectEnvironment(ctx, feature.Name, environment, s.enableOverrides[environment]); err != nil {
			return persistence(err)
		}
	}

	if !added {
		return nil
	}
	s.emitBestEffort(ctx, core.Event{
		Type:        core.EventProjectEnvironmentAdded,
		CreatedBy:   actor,
		Project:     projectID,
		Environment: environment,
	})
	return nil
}

func (s *Service) ListEnvironments(ctx context.Context) ([]core.Environment, error) {
	envs, err := s.stores.Environments.ListEnvironments(ctx)
	if err != nil {
		return nil, persistence(err)
	}
	return envs, nil
}

func (s *Service) ListProjectEnvironments(ctx context.Context, projectID string) ([]core.Environment, error) {
	if err := s.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	envs, err := s.stores.Environments.ListProjectEnvironments(ctx, projectID)
	if err != nil {
		return nil, persistence(err)
	}
	return envs, nil
}

func (s *Service) GetProject(ctx context.Context, id string) (core.Project, error) {
	project, err := s.stores.Projects.GetProject(ctx, id)
	if err != nil {
		return core.Project{}, notFoundOr("project", id, err)
	}
	return project, nil
}

func (s *Service) ListProjects(ctx context.Context) ([]core.Project, error) {
	projects, err := s.stores.Projects.ListProjects(ctx)
	if err != nil {
		return nil, persistence(err)
	}
	return projects, nil
}
