package service

import (
	"context"

	"github.com/matt-riley/flagstaff/internal/contract"
	"github.com/matt-riley/flagstaff/internal/core"
)

// AddTag tags a feature. Adding a tag the feature already has is a no-op.
func (s *Service) AddTag(ctx context.Context, featureName string, tag core.Tag, actor string) (_ core.Tag, err error) {
	ctx, span := s.startOp(ctx, "add_tag")
	defer func() { s.endOp(span, "add_tag", err) }()

	if tag.Type == "" {
		tag.Type = core.DefaultTagType
	}
	if err := s.validate(contract.Tag, tag); err != nil {
		return core.Tag{}, err
	}
	tag, err = core.NormalizeTag(tag)
	if err != nil {
		return core.Tag{}, err
	}
	feature, err := s.stores.Features.GetFeature(ctx, featureName)
	if err != nil {
		return core.Tag{}, notFoundOr("feature", featureName, err)
	}

	added, err := s.stores.Tags.AddTag(ctx, featureName, tag)
	if err != nil {
		return core.Tag{}, notFoundOr("feature", featureName, err)
	}
	if !added {
		return tag, nil
	}

	s.emitBestEffort(ctx, core.Event{
		Type:        core.EventFeatureTagged,
		CreatedBy:   actor,
		Project:     feature.Project,
		FeatureName: featureName,
		Data:        core.RawJSON(tag),
		Tags:        []core.Tag{tag},
	})
	return tag, nil
}

func (s *Service) RemoveTag(ctx context.Context, featureName string, tag core.Tag, actor string) (err error) {
	ctx, span := s.startOp(ctx, "remove_tag")
	defer func() { s.endOp(span, "remove_tag", err) }()

	if tag.Type == "" {
		tag.Type = core.DefaultTagType
	}
	feature, err := s.stores.Features.GetFeature(ctx, featureName)
	if err != nil {
		return notFoundOr("feature", featureName, err)
	}
	if err := s.stores.Tags.RemoveTag(ctx, featureName, tag); err != nil {
		return notFoundOr("tag", tag.Type+":"+tag.Value, err)
	}

	s.emitBestEffort(ctx, core.Event{
		Type:        core.EventFeatureUntagged,
		CreatedBy:   actor,
		Project:     feature.Project,
		FeatureName: featureName,
		PreData:     core.RawJSON(tag),
		Tags:        []core.Tag{tag},
	})
	return nil
}

func (s *Service) ListTags(ctx context.Context, featureName string) ([]core.Tag, error) {
	if _, err := s.stores.Features.GetFeature(ctx, featureName); err != nil {
		return nil, notFoundOr("feature", featureName, err)
	}
	tags, err := s.stores.Tags.ListTags(ctx, featureName)
	if err != nil {
		return nil, persistence(err)
	}
	return tags, nil
}
