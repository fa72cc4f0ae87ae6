package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	jsonpatch "gopkg.in/evanphx/json-patch.v4"

	"github.com/matt-riley/flagstaff/internal/contract"
	"github.com/matt-riley/flagstaff/internal/core"
)

// CreateFeatureToggle creates a feature in projectID and connects it to every
// environment of the project.
func (s *Service) CreateFeatureToggle(ctx context.Context, projectID string, create core.FeatureCreate, actor string) (_ core.Feature, err error) {
	ctx, span := s.startOp(ctx, "create_feature")
	defer func() { s.endOp(span, "create_feature", err) }()

	feature, err := s.createFeature(ctx, projectID, create)
	if err != nil {
		return core.Feature{}, err
	}

	full, err := s.fullFeature(ctx, feature)
	if err != nil {
		return core.Feature{}, err
	}

	s.emitBestEffort(ctx, core.Event{
		Type:        core.EventFeatureCreated,
		CreatedBy:   actor,
		Project:     full.Project,
		FeatureName: full.Name,
		Data:        core.RawJSON(full),
	})
	return full, nil
}

func (s *Service) createFeature(ctx context.Context, projectID string, create core.FeatureCreate) (core.Feature, error) {
	if err := s.validate(contract.CreateFeature, create); err != nil {
		return core.Feature{}, err
	}
	if err := core.ValidateFeatureName(create.Name); err != nil {
		return core.Feature{}, err
	}
	if err := core.ValidateFeatureType(create.Type); err != nil {
		return core.Feature{}, err
	}
	if err := s.requireProject(ctx, projectID); err != nil {
		return core.Feature{}, err
	}
	if err := s.requireUniqueName(ctx, create.Name); err != nil {
		return core.Feature{}, err
	}

	variants, err := core.ValidateVariants(create.Variants)
	if err != nil {
		return core.Feature{}, err
	}

	featureType := create.Type
	if featureType == "" {
		featureType = core.FeatureTypeRelease
	}

	feature, err := s.stores.Features.CreateFeature(ctx, core.Feature{
		Name:           create.Name,
		Project:        projectID,
		Description:    create.Description,
		Type:           featureType,
		ImpressionData: create.ImpressionData,
		Variants:       variants,
	})
	if err != nil {
		return core.Feature{}, persistence(err)
	}

	envs, err := s.stores.Environments.ListProjectEnvironments(ctx, projectID)
	if err != nil {
		return core.Feature{}, persistence(err)
	}
	for _, env := range envs {
		if err := s.stores.FeatureEnvironments.ConnectEnvironment(ctx, feature.Name, env.Name, s.enableOverrides[env.Name]); err != nil {
			return core.Feature{}, persistence(err)
		}
	}
	return feature, nil
}

// UpdateFeatureToggle merges update onto the named feature. The feature name
// never changes.
func (s *Service) UpdateFeatureToggle(ctx context.Context, projectID string, update core.FeatureUpdate, actor, existingName string) (_ core.Feature, err error) {
	ctx, span := s.startOp(ctx, "update_feature")
	defer func() { s.endOp(span, "update_feature", err) }()

	if err := s.validate(contract.UpdateFeature, update); err != nil {
		return core.Feature{}, err
	}
	return s.applyFeatureUpdate(ctx, projectID, existingName, update, actor)
}

// PatchFeatureToggle applies an RFC 6902 patch to the updatable view of the
// feature and then updates it like UpdateFeatureToggle.
func (s *Service) PatchFeatureToggle(ctx context.Context, projectID, existingName string, patch []byte, actor string) (_ core.Feature, err error) {
	ctx, span := s.startOp(ctx, "patch_feature")
	defer func() { s.endOp(span, "patch_feature", err) }()

	current, err := s.getFeatureInProject(ctx, projectID, existingName)
	if err != nil {
		return core.Feature{}, err
	}

	var update core.FeatureUpdate
	if err := s.applyPatch(patch, core.UpdateFromFeature(current), &update); err != nil {
		return core.Feature{}, err
	}
	if err := s.validate(contract.UpdateFeature, update); err != nil {
		return core.Feature{}, err
	}
	return s.applyFeatureUpdate(ctx, projectID, existingName, update, actor)
}

func (s *Service) applyFeatureUpdate(ctx context.Context, projectID, name string, update core.FeatureUpdate, actor string) (core.Feature, error) {
	if update.Type != nil {
		if err := core.ValidateFeatureType(*update.Type); err != nil {
			return core.Feature{}, err
		}
	}

	current, err := s.getFeatureInProject(ctx, projectID, name)
	if err != nil {
		return core.Feature{}, err
	}

	merged := core.MergeFeature(current, update)
	if merged.Type == "" {
		merged.Type = core.FeatureTypeRelease
	}
	updated, err := s.stores.Features.UpdateFeature(ctx, merged)
	if err != nil {
		return core.Feature{}, notFoundOr("feature", name, err)
	}

	s.emitBestEffort(ctx, core.Event{
		Type:        core.EventFeatureMetadataUpdated,
		CreatedBy:   actor,
		Project:     updated.Project,
		FeatureName: updated.Name,
		Data:        core.RawJSON(updated),
		PreData:     core.RawJSON(current),
	})
	return s.fullFeature(ctx, updated)
}

// ArchiveToggle hides the feature from default listings.
func (s *Service) ArchiveToggle(ctx context.Context, projectID, name, actor string) (err error) {
	ctx, span := s.startOp(ctx, "archive_feature")
	defer func() { s.endOp(span, "archive_feature", err) }()

	if _, err := s.getFeatureInProject(ctx, projectID, name); err != nil {
		return err
	}
	archived, err := s.stores.Features.SetArchived(ctx, name, true)
	if err != nil {
		return notFoundOr("feature", name, err)
	}

	s.emitBestEffort(ctx, core.Event{
		Type:        core.EventFeatureArchived,
		CreatedBy:   actor,
		Project:     archived.Project,
		FeatureName: archived.Name,
	})
	return nil
}

// ReviveToggle restores an archived feature.
func (s *Service) ReviveToggle(ctx context.Context, name, actor string) (err error) {
	ctx, span := s.startOp(ctx, "revive_feature")
	defer func() { s.endOp(span, "revive_feature", err) }()

	if _, err := s.getArchivedFeature(ctx, name); err != nil {
		return err
	}
	revived, err := s.stores.Features.SetArchived(ctx, name, false)
	if err != nil {
		return notFoundOr("feature", name, err)
	}

	s.emitBestEffort(ctx, core.Event{
		Type:        core.EventFeatureRevived,
		CreatedBy:   actor,
		Project:     revived.Project,
		FeatureName: revived.Name,
	})
	return nil
}

// DeleteFeature permanently removes an archived feature.
func (s *Service) DeleteFeature(ctx context.Context, name, actor string) (err error) {
	ctx, span := s.startOp(ctx, "delete_feature")
	defer func() { s.endOp(span, "delete_feature", err) }()

	feature, err := s.getArchivedFeature(ctx, name)
	if err != nil {
		return err
	}
	if err := s.stores.Features.DeleteFeature(ctx, name); err != nil {
		return notFoundOr("feature", name, err)
	}

	s.emitBestEffort(ctx, core.Event{
		Type:        core.EventFeatureDeleted,
		CreatedBy:   actor,
		Project:     feature.Project,
		FeatureName: feature.Name,
		PreData:     core.RawJSON(feature),
	})
	return nil
}

// GetFeature returns the full feature. Archived features are only returned
// when archived is true.
func (s *Service) GetFeature(ctx context.Context, name string, archived bool) (core.Feature, error) {
	feature, err := s.stores.Features.GetFeature(ctx, name)
	if err != nil {
		return core.Feature{}, notFoundOr("feature", name, err)
	}
	if feature.Archived && !archived {
		return core.Feature{}, &core.NotFoundError{Entity: "feature", ID: name}
	}
	return s.fullFeature(ctx, feature)
}

// GetProjectFeature is GetFeature scoped to one project.
func (s *Service) GetProjectFeature(ctx context.Context, projectID, name string) (core.Feature, error) {
	feature, err := s.getFeatureInProject(ctx, projectID, name)
	if err != nil {
		return core.Feature{}, err
	}
	return s.fullFeature(ctx, feature)
}

// GetFeatures lists features matching query. Listed features carry their
// tags but not their environments.
func (s *Service) GetFeatures(ctx context.Context, query core.FeatureQuery) ([]core.Feature, error) {
	features, err := s.stores.Features.ListFeatures(ctx, query)
	if err != nil {
		return nil, persistence(err)
	}
	for i := range features {
		tags, err := s.stores.Tags.ListTags(ctx, features[i].Name)
		if err != nil {
			return nil, persistence(err)
		}
		features[i].Tags = tags
	}
	return features, nil
}

// UpdateStale marks the feature as stale or fresh.
func (s *Service) UpdateStale(ctx context.Context, name string, stale bool, actor string) (err error) {
	ctx, span := s.startOp(ctx, "update_stale")
	defer func() { s.endOp(span, "update_stale", err) }()

	current, err := s.GetFeature(ctx, name, false)
	if err != nil {
		return err
	}
	updated, err := s.stores.Features.UpdateFeature(ctx, core.MergeFeature(current, core.FeatureUpdate{Stale: &stale}))
	if err != nil {
		return notFoundOr("feature", name, err)
	}

	eventType := core.EventFeatureStaleOff
	if stale {
		eventType = core.EventFeatureStaleOn
	}
	s.emitBestEffort(ctx, core.Event{
		Type:        eventType,
		CreatedBy:   actor,
		Project:     updated.Project,
		FeatureName: updated.Name,
	})
	return nil
}

// ChangeProject moves a feature and its strategies to newProject.
func (s *Service) ChangeProject(ctx context.Context, currentProject, name, newProject, actor string) (err error) {
	ctx, span := s.startOp(ctx, "change_project")
	defer func() { s.endOp(span, "change_project", err) }()

	if err := s.validate(contract.ChangeProject, map[string]string{"newProjectId": newProject}); err != nil {
		return err
	}
	if _, err := s.getFeatureInProject(ctx, currentProject, name); err != nil {
		return err
	}
	if err := s.requireProject(ctx, newProject); err != nil {
		return err
	}

	moved, err := s.stores.Features.ChangeProject(ctx, name, newProject)
	if err != nil {
		return notFoundOr("feature", name, err)
	}

	envs, err := s.stores.Environments.ListProjectEnvironments(ctx, newProject)
	if err != nil {
		return persistence(err)
	}
	for _, env := range envs {
		if err := s.stores.FeatureEnvironments.ConnectEnvironment(ctx, name, env.Name, s.enableOverrides[env.Name]); err != nil {
			return persistence(err)
		}
	}

	s.emitBestEffort(ctx, core.Event{
		Type:        core.EventFeatureProjectChange,
		CreatedBy:   actor,
		Project:     moved.Project,
		FeatureName: moved.Name,
		Data:        core.RawJSON(map[string]string{"oldProject": currentProject, "newProject": newProject}),
	})
	return nil
}

// CloneFeatureToggle creates newName from name, copying metadata, variants
// and strategies. With replaceGroupID the groupId parameter of copied
// strategies is set to the new name.
func (s *Service) CloneFeatureToggle(ctx context.Context, projectID, name, newName string, replaceGroupID bool, actor string) (_ core.Feature, err error) {
	ctx, span := s.startOp(ctx, "clone_feature")
	defer func() { s.endOp(span, "clone_feature", err) }()

	if err := s.validate(contract.CloneFeature, map[string]any{"name": newName, "replaceGroupId": replaceGroupID}); err != nil {
		return core.Feature{}, err
	}

	source, err := s.getFeatureInProject(ctx, projectID, name)
	if err != nil {
		return core.Feature{}, err
	}
	strategies, err := s.stores.Strategies.ListFeatureStrategies(ctx, name)
	if err != nil {
		return core.Feature{}, persistence(err)
	}

	clone, err := s.createFeature(ctx, projectID, core.FeatureCreate{
		Name:           newName,
		Description:    source.Description,
		Type:           source.Type,
		ImpressionData: source.ImpressionData,
		Variants:       source.Variants,
	})
	if err != nil {
		return core.Feature{}, err
	}

	s.emitBestEffort(ctx, core.Event{
		Type:        core.EventFeatureCreated,
		CreatedBy:   actor,
		Project:     clone.Project,
		FeatureName: clone.Name,
		Data:        core.RawJSON(clone),
	})

	for _, strategy := range strategies {
		copied := cloneStrategy(strategy, newName, replaceGroupID)
		if err := s.stores.FeatureEnvironments.ConnectEnvironment(ctx, newName, copied.Environment, s.enableOverrides[copied.Environment]); err != nil {
			return core.Feature{}, persistence(err)
		}
		created, err := s.stores.Strategies.CreateStrategy(ctx, copied)
		if err != nil {
			return core.Feature{}, persistence(err)
		}
		s.emitBestEffort(ctx, strategyEvent(core.EventStrategyAdded, actor, created, nil))
	}

	return s.fullFeature(ctx, clone)
}

func cloneStrategy(strategy core.Strategy, newName string, replaceGroupID bool) core.Strategy {
	copied := core.MergeStrategy(strategy, core.StrategyUpdate{
		Parameters:  strategy.Parameters,
		Constraints: strategy.Constraints,
		Variants:    strategy.Variants,
	})
	copied.ID = newStrategyID()
	copied.FeatureName = newName
	if copied.Parameters == nil {
		copied.Parameters = map[string]string{}
	}
	if _, ok := copied.Parameters["groupId"]; ok && replaceGroupID {
		copied.Parameters["groupId"] = newName
	}
	return copied
}

// fullFeature attaches environments, their ordered strategies and tags.
func (s *Service) fullFeature(ctx context.Context, feature core.Feature) (core.Feature, error) {
	envs, err := s.stores.FeatureEnvironments.ListFeatureEnvironments(ctx, feature.Name)
	if err != nil {
		return core.Feature{}, persistence(err)
	}
	strategies, err := s.stores.Strategies.ListFeatureStrategies(ctx, feature.Name)
	if err != nil {
		return core.Feature{}, persistence(err)
	}
	byEnv := make(map[string][]core.Strategy, len(envs))
	for _, strategy := range strategies {
		byEnv[strategy.Environment] = append(byEnv[strategy.Environment], strategy)
	}
	for i := range envs {
		envs[i].Strategies = byEnv[envs[i].Name]
		if envs[i].Strategies == nil {
			envs[i].Strategies = []core.Strategy{}
		}
	}

	tags, err := s.stores.Tags.ListTags(ctx, feature.Name)
	if err != nil {
		return core.Feature{}, persistence(err)
	}

	feature.Environments = envs
	feature.Tags = tags
	if feature.Variants == nil {
		feature.Variants = []core.Variant{}
	}
	return feature, nil
}

// getFeatureInProject loads an active feature that belongs to projectID.
func (s *Service) getFeatureInProject(ctx context.Context, projectID, name string) (core.Feature, error) {
	feature, err := s.stores.Features.GetFeature(ctx, name)
	if err != nil {
		return core.Feature{}, notFoundOr("feature", name, err)
	}
	if feature.Archived || feature.Project != projectID {
		return core.Feature{}, &core.NotFoundError{Entity: "feature", ID: name}
	}
	return feature, nil
}

func (s *Service) getArchivedFeature(ctx context.Context, name string) (core.Feature, error) {
	feature, err := s.stores.Features.GetFeature(ctx, name)
	if err != nil {
		return core.Feature{}, notFoundOr("feature", name, err)
	}
	if !feature.Archived {
		return core.Feature{}, &core.NotFoundError{Entity: "archived feature", ID: name}
	}
	return feature, nil
}

func (s *Service) requireProject(ctx context.Context, projectID string) error {
	if _, err := s.stores.Projects.GetProject(ctx, projectID); err != nil {
		return notFoundOr("project", projectID, err)
	}
	return nil
}

func (s *Service) requireUniqueName(ctx context.Context, name string) error {
	_, err := s.stores.Features.GetFeature(ctx, name)
	switch {
	case err == nil:
		return &core.ConflictError{Entity: "feature", ID: name}
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	default:
		return persistence(err)
	}
}

// applyPatch decodes patch, checks it against the patch contract and applies
// it to the JSON form of doc, decoding the result into out.
func (s *Service) applyPatch(patch []byte, doc, out any) error {
	if err := s.validate(contract.Patches, json.RawMessage(patch)); err != nil {
		return err
	}
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return core.NewValidationError("", "invalid patch: %v", err)
	}
	original, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode patch target: %w", err)
	}
	patched, err := decoded.Apply(original)
	if err != nil {
		return core.NewValidationError("", "apply patch: %v", err)
	}
	if err := json.Unmarshal(patched, out); err != nil {
		return core.NewValidationError("", "patched document is invalid: %v", err)
	}
	return nil
}
