package core

import (
	"regexp"
	"slices"
)

const (
	maxFeatureNameLength = 100
	minTagValueLength    = 2
	maxTagValueLength    = 50
)

// Feature types.
const (
	FeatureTypeRelease     = "release"
	FeatureTypeExperiment  = "experiment"
	FeatureTypeOperational = "operational"
	FeatureTypeKillSwitch  = "kill-switch"
	FeatureTypePermission  = "permission"
)

var (
	urlSafeName  = regexp.MustCompile(`^[a-zA-Z0-9_.~-]+$`)
	featureTypes = []string{
		FeatureTypeRelease,
		FeatureTypeExperiment,
		FeatureTypeOperational,
		FeatureTypeKillSwitch,
		FeatureTypePermission,
	}
)

// ValidateFeatureName checks that name can be used as a URL path segment.
func ValidateFeatureName(name string) error {
	switch {
	case name == "":
		return NewValidationError("/name", "name is required")
	case len(name) > maxFeatureNameLength:
		return NewValidationError("/name", "name must be at most %d characters", maxFeatureNameLength)
	case name == "." || name == "..":
		return NewValidationError("/name", "name %q is reserved", name)
	case !urlSafeName.MatchString(name):
		return NewValidationError("/name", "name %q must be URL-friendly", name)
	}
	return nil
}

// ValidateFeatureType accepts an empty type, which callers default to release.
func ValidateFeatureType(featureType string) error {
	if featureType == "" || slices.Contains(featureTypes, featureType) {
		return nil
	}
	return NewValidationError("/type", "unknown feature type %q", featureType)
}

// NormalizeTag fills in the default tag type and validates the result.
func NormalizeTag(tag Tag) (Tag, error) {
	if tag.Type == "" {
		tag.Type = DefaultTagType
	}
	verr := &ValidationError{}
	if !urlSafeName.MatchString(tag.Type) {
		verr.Add("/type", "tag type %q must be URL-friendly", tag.Type)
	}
	if n := len(tag.Value); n < minTagValueLength || n > maxTagValueLength {
		verr.Add("/value", "tag value must be between %d and %d characters", minTagValueLength, maxTagValueLength)
	}
	return tag, verr.OrNil()
}
