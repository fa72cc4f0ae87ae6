package server

import (
	"context"

	"github.com/matt-riley/flagstaff/internal/core"
	"github.com/matt-riley/flagstaff/internal/service"
)

// Service is the feature lifecycle API the HTTP handlers drive.
type Service interface {
	CreateFeatureToggle(ctx context.Context, projectID string, create core.FeatureCreate, actor string) (core.Feature, error)
	UpdateFeatureToggle(ctx context.Context, projectID string, update core.FeatureUpdate, actor, existingName string) (core.Feature, error)
	PatchFeatureToggle(ctx context.Context, projectID, existingName string, patch []byte, actor string) (core.Feature, error)
	ArchiveToggle(ctx context.Context, projectID, name, actor string) error
	ReviveToggle(ctx context.Context, name, actor string) error
	DeleteFeature(ctx context.Context, name, actor string) error
	GetProjectFeature(ctx context.Context, projectID, name string) (core.Feature, error)
	GetFeatures(ctx context.Context, query core.FeatureQuery) ([]core.Feature, error)
	UpdateStale(ctx context.Context, name string, stale bool, actor string) error
	ChangeProject(ctx context.Context, currentProject, name, newProject, actor string) error
	CloneFeatureToggle(ctx context.Context, projectID, name, newName string, replaceGroupID bool, actor string) (core.Feature, error)

	CreateStrategy(ctx context.Context, create core.StrategyCreate, sc core.StrategyContext, actor string) (core.Strategy, error)
	UpdateStrategy(ctx context.Context, id string, update core.StrategyUpdate, sc core.StrategyContext, actor string) (core.Strategy, error)
	GetStrategy(ctx context.Context, id string) (core.Strategy, error)
	GetStrategiesForEnvironment(ctx context.Context, projectID, featureName, environment string) ([]core.Strategy, error)
	DeleteStrategy(ctx context.Context, id string, sc core.StrategyContext, actor string) error
	SetStrategySortOrder(ctx context.Context, sc core.StrategyContext, orders []core.StrategySortOrder, actor string) error
	UpdateEnabled(ctx context.Context, projectID, featureName, environment string, enabled bool, actor string) error

	UpdateVariants(ctx context.Context, projectID, featureName string, variants []core.Variant, actor string) (core.Feature, error)
	PatchVariants(ctx context.Context, projectID, featureName string, patch []byte, actor string) (core.Feature, error)
	GetVariants(ctx context.Context, projectID, featureName string) ([]core.Variant, error)

	AddTag(ctx context.Context, featureName string, tag core.Tag, actor string) (core.Tag, error)
	RemoveTag(ctx context.Context, featureName string, tag core.Tag, actor string) error
	ListTags(ctx context.Context, featureName string) ([]core.Tag, error)

	CreateProject(ctx context.Context, project core.Project, actor string) (core.Project, error)
	GetProject(ctx context.Context, id string) (core.Project, error)
	ListProjects(ctx context.Context) ([]core.Project, error)
	CreateEnvironment(ctx context.Context, env core.Environment, actor string) (core.Environment, error)
	ListEnvironments(ctx context.Context) ([]core.Environment, error)
	ListProjectEnvironments(ctx context.Context, projectID string) ([]core.Environment, error)
	AddEnvironmentToProject(ctx context.Context, projectID, environment, actor string) error

	ListEvents(ctx context.Context, query core.EventQuery) ([]core.Event, error)
}

var _ Service = (*service.Service)(nil)
