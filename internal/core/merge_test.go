package core

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestMergeFeatureIgnoresName(t *testing.T) {
	current := Feature{Name: "A", Project: "default", Description: "old", Type: FeatureTypeRelease}

	got := MergeFeature(current, FeatureUpdate{Name: ptr("B"), Description: ptr("X")})

	assert.Equal(t, "A", got.Name)
	assert.Equal(t, "X", got.Description)
	assert.Equal(t, FeatureTypeRelease, got.Type)
}

func TestMergeStrategyReplacesOnlySuppliedFields(t *testing.T) {
	current := Strategy{
		ID:          "id-1",
		Name:        "flexibleRollout",
		Parameters:  map[string]string{"rollout": "50", "groupId": "g"},
		Constraints: []Constraint{{ContextName: "userId", Operator: OpIn, Values: []string{"1"}}},
		SortOrder:   3,
	}

	got := MergeStrategy(current, StrategyUpdate{ID: ptr("other"), Parameters: map[string]string{"k": "v"}})

	assert.Equal(t, "id-1", got.ID)
	assert.Equal(t, map[string]string{"k": "v"}, got.Parameters, "parameters are replaced wholesale")
	assert.Equal(t, current.Constraints, got.Constraints)
	assert.Equal(t, "flexibleRollout", got.Name)
	assert.Equal(t, 3, got.SortOrder)
}

func TestMergeStrategyEmptySliceClears(t *testing.T) {
	current := Strategy{Constraints: []Constraint{{ContextName: "userId", Operator: OpIn, Values: []string{"1"}}}}

	got := MergeStrategy(current, StrategyUpdate{Constraints: []Constraint{}})

	assert.Empty(t, got.Constraints)
}

func TestMergeStrategyDoesNotAliasUpdate(t *testing.T) {
	params := map[string]string{"k": "v"}
	got := MergeStrategy(Strategy{}, StrategyUpdate{Parameters: params})
	params["k"] = "changed"
	assert.Equal(t, "v", got.Parameters["k"])
}

func TestValidateFeatureName(t *testing.T) {
	valid := []string{"a", "my-feature", "my_feature.v2", "tilde~ok", strings.Repeat("x", 100)}
	for _, name := range valid {
		assert.NoErrorf(t, ValidateFeatureName(name), "name %q", name)
	}

	invalid := []string{"", ".", "..", "has space", "slash/name", "ünicode", strings.Repeat("x", 101)}
	for _, name := range invalid {
		err := ValidateFeatureName(name)
		assert.Truef(t, errors.Is(err, ErrValidation), "name %q error = %v", name, err)
	}
}

func TestNormalizeTag(t *testing.T) {
	tag, err := NormalizeTag(Tag{Value: "team-a"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTagType, tag.Type)

	_, err = NormalizeTag(Tag{Type: "simple", Value: "a"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestErrorKinds(t *testing.T) {
	assert.ErrorIs(t, &NotFoundError{Entity: "feature", ID: "x"}, ErrNotFound)
	assert.ErrorIs(t, &ConflictError{Entity: "feature", ID: "x"}, ErrConflict)
	assert.ErrorIs(t, NewValidationError("/name", "bad"), ErrValidation)
	assert.NotErrorIs(t, &NotFoundError{}, ErrValidation)

	var empty *ValidationError
	assert.NoError(t, empty.OrNil())
	assert.Equal(t, `feature "x" not found`, (&NotFoundError{Entity: "feature", ID: "x"}).Error())
}
