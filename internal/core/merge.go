package core

import "maps"

// MergeFeature applies update onto current. Name is never applied. Each
// non-nil field replaces the current value.
func MergeFeature(current Feature, update FeatureUpdate) Feature {
	merged := current
	if update.Description != nil {
		merged.Description = *update.Description
	}
	if update.Type != nil {
		merged.Type = *update.Type
	}
	if update.Stale != nil {
		merged.Stale = *update.Stale
	}
	if update.ImpressionData != nil {
		merged.ImpressionData = *update.ImpressionData
	}
	return merged
}

// UpdateFromFeature is the updatable view of a feature that JSON patches
// operate on.
func UpdateFromFeature(f Feature) FeatureUpdate {
	return FeatureUpdate{
		Name:           &f.Name,
		Description:    &f.Description,
		Type:           &f.Type,
		Stale:          &f.Stale,
		ImpressionData: &f.ImpressionData,
	}
}

// MergeStrategy applies update onto current.
//
// Per field:
//   - id, feature, project, environment and createdAt are never changed
//   - name, title, sortOrder and disabled are replaced when set
//   - parameters, constraints and variants are replaced wholesale when non-nil
func MergeStrategy(current Strategy, update StrategyUpdate) Strategy {
	merged := current
	if update.Name != nil {
		merged.Name = *update.Name
	}
	if update.Title != nil {
		merged.Title = *update.Title
	}
	if update.Parameters != nil {
		merged.Parameters = maps.Clone(update.Parameters)
	}
	if update.Constraints != nil {
		merged.Constraints = append([]Constraint{}, update.Constraints...)
	}
	if update.Variants != nil {
		merged.Variants = append([]StrategyVariant{}, update.Variants...)
	}
	if update.SortOrder != nil {
		merged.SortOrder = *update.SortOrder
	}
	if update.Disabled != nil {
		merged.Disabled = *update.Disabled
	}
	return merged
}
