package service

import (
	"context"

	"github.com/matt-riley/flagstaff/internal/contract"
	"github.com/matt-riley/flagstaff/internal/core"
)

// UpdateVariants replaces the variant list of a feature after validating it
// and distributing variable weights.
func (s *Service) UpdateVariants(ctx context.Context, projectID, featureName string, variants []core.Variant, actor string) (_ core.Feature, err error) {
	ctx, span := s.startOp(ctx, "update_variants")
	defer func() { s.endOp(span, "update_variants", err) }()

	if variants == nil {
		variants = []core.Variant{}
	}
	if err := s.validate(contract.Variants, variants); err != nil {
		return core.Feature{}, err
	}
	current, err := s.getFeatureInProject(ctx, projectID, featureName)
	if err != nil {
		return core.Feature{}, err
	}
	return s.replaceVariants(ctx, current, variants, actor)
}

// PatchVariants applies an RFC 6902 patch to the current variant list and
// stores the result like UpdateVariants.
func (s *Service) PatchVariants(ctx context.Context, projectID, featureName string, patch []byte, actor string) (_ core.Feature, err error) {
	ctx, span := s.startOp(ctx, "patch_variants")
	defer func() { s.endOp(span, "patch_variants", err) }()

	current, err := s.getFeatureInProject(ctx, projectID, featureName)
	if err != nil {
		return core.Feature{}, err
	}

	base := current.Variants
	if base == nil {
		base = []core.Variant{}
	}
	var variants []core.Variant
	if err := s.applyPatch(patch, base, &variants); err != nil {
		return core.Feature{}, err
	}
	if variants == nil {
		variants = []core.Variant{}
	}
	if err := s.validate(contract.Variants, variants); err != nil {
		return core.Feature{}, err
	}
	return s.replaceVariants(ctx, current, variants, actor)
}

// GetVariants returns the variants of an active feature.
func (s *Service) GetVariants(ctx context.Context, projectID, featureName string) ([]core.Variant, error) {
	feature, err := s.getFeatureInProject(ctx, projectID, featureName)
	if err != nil {
		return nil, err
	}
	if feature.Variants == nil {
		return []core.Variant{}, nil
	}
	return feature.Variants, nil
}

func (s *Service) replaceVariants(ctx context.Context, current core.Feature, variants []core.Variant, actor string) (core.Feature, error) {
	normalized, err := core.ValidateVariants(variants)
	if err != nil {
		return core.Feature{}, err
	}

	updated, err := s.stores.Features.UpdateVariants(ctx, current.Name, normalized)
	if err != nil {
		return core.Feature{}, notFoundOr("feature", current.Name, err)
	}

	s.emitBestEffort(ctx, core.Event{
		Type:        core.EventVariantsUpdated,
		CreatedBy:   actor,
		Project:     updated.Project,
		FeatureName: updated.Name,
		Data:        core.RawJSON(updated.Variants),
		PreData:     core.RawJSON(current.Variants),
	})
	return updated, nil
}
