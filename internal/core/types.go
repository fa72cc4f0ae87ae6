package core

import (
	"encoding/json"
	"time"
)

// DefaultEnvironment is created by the initial migration and linked to the
// default project.
const (
	DefaultEnvironment = "default"
	DefaultProject     = "default"
	DefaultStickiness  = "default"
	DefaultTagType     = "simple"
)

// Feature is the full representation of a feature toggle returned to callers.
type Feature struct {
	Name           string               `json:"name"`
	Project        string               `json:"project"`
	Description    string               `json:"description"`
	Type           string               `json:"type"`
	Archived       bool                 `json:"archived"`
	Stale          bool                 `json:"stale"`
	ImpressionData bool                 `json:"impressionData"`
	CreatedAt      time.Time            `json:"createdAt"`
	ArchivedAt     *time.Time           `json:"archivedAt,omitempty"`
	Variants       []Variant            `json:"variants"`
	Tags           []Tag                `json:"tags,omitempty"`
	Environments   []FeatureEnvironment `json:"environments,omitempty"`
}

// Environment returns the activation for the named environment, if the
// feature is connected to it.
func (f Feature) Environment(name string) (FeatureEnvironment, bool) {
	for _, env := range f.Environments {
		if env.Name == name {
			return env, true
		}
	}
	return FeatureEnvironment{}, false
}

// FeatureEnvironment is the enabled flag plus ordered strategies of a feature
// within one environment.
type FeatureEnvironment struct {
	Name       string     `json:"name"`
	Enabled    bool       `json:"enabled"`
	Strategies []Strategy `json:"strategies"`
}

// Strategy is an activation strategy scoped to a (feature, environment) pair.
type Strategy struct {
	ID          string            `json:"id"`
	FeatureName string            `json:"featureName"`
	ProjectID   string            `json:"projectId"`
	Environment string            `json:"environment"`
	Name        string            `json:"name"`
	Title       string            `json:"title,omitempty"`
	Parameters  map[string]string `json:"parameters"`
	Constraints []Constraint      `json:"constraints"`
	Variants    []StrategyVariant `json:"variants,omitempty"`
	SortOrder   int               `json:"sortOrder"`
	Disabled    bool              `json:"disabled"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// StrategyContext addresses the (project, feature, environment) a strategy
// operation is scoped to.
type StrategyContext struct {
	ProjectID   string `json:"projectId"`
	FeatureName string `json:"featureName"`
	Environment string `json:"environment"`
}

// Operator is a constraint operator.
type Operator string

// Constraint gates a strategy on a value of the evaluation context.
type Constraint struct {
	ContextName     string   `json:"contextName"`
	Operator        Operator `json:"operator"`
	Value           string   `json:"value,omitempty"`
	Values          []string `json:"values,omitempty"`
	CaseInsensitive bool     `json:"caseInsensitive,omitempty"`
	Inverted        bool     `json:"inverted,omitempty"`
}

// Weight types for variants.
const (
	WeightTypeFix      = "fix"
	WeightTypeVariable = "variable"
)

// TotalWeight is the number of basis points shared by a variant list.
const TotalWeight = 1000

// Variant is a named payload option of a feature.
type Variant struct {
	Name       string     `json:"name"`
	Weight     int        `json:"weight"`
	WeightType string     `json:"weightType,omitempty"`
	Stickiness string     `json:"stickiness,omitempty"`
	Payload    *Payload   `json:"payload,omitempty"`
	Overrides  []Override `json:"overrides,omitempty"`
}

// StrategyVariant is a variant attached to a single strategy. Strategy
// variants have no overrides.
type StrategyVariant struct {
	Name       string   `json:"name"`
	Weight     int      `json:"weight"`
	WeightType string   `json:"weightType,omitempty"`
	Stickiness string   `json:"stickiness,omitempty"`
	Payload    *Payload `json:"payload,omitempty"`
}

// Payload types.
const (
	PayloadTypeString = "string"
	PayloadTypeJSON   = "json"
	PayloadTypeCSV    = "csv"
	PayloadTypeNumber = "number"
)

// Payload is the typed value delivered with a variant.
type Payload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Override forces a variant for the listed context values.
type Override struct {
	ContextName string   `json:"contextName"`
	Values      []string `json:"values"`
}

// Tag labels a feature.
type Tag struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Environment is a named deployment stage.
type Environment struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Enabled   bool   `json:"enabled"`
	SortOrder int    `json:"sortOrder"`
	Protected bool   `json:"protected"`
}

// Project groups features.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// FeatureCreate is the payload for creating a feature toggle.
type FeatureCreate struct {
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Type           string    `json:"type,omitempty"`
	ImpressionData bool      `json:"impressionData,omitempty"`
	Variants       []Variant `json:"variants,omitempty"`
}

// FeatureUpdate is the payload for updating a feature toggle. Nil fields are
// left unchanged. Name is accepted for wire compatibility and never applied.
type FeatureUpdate struct {
	Name           *string `json:"name,omitempty"`
	Description    *string `json:"description,omitempty"`
	Type           *string `json:"type,omitempty"`
	Stale          *bool   `json:"stale,omitempty"`
	ImpressionData *bool   `json:"impressionData,omitempty"`
}

// StrategyCreate is the payload for creating a strategy. ID is ignored.
type StrategyCreate struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	Title       string            `json:"title,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Constraints []Constraint      `json:"constraints,omitempty"`
	Variants    []StrategyVariant `json:"variants,omitempty"`
	SortOrder   *int              `json:"sortOrder,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
}

// StrategyUpdate is a partial strategy update. Scalar pointers and non-nil
// maps or slices replace the current value; nil leaves it untouched. An empty
// non-nil map or slice clears the field.
type StrategyUpdate struct {
	ID          *string           `json:"id,omitempty"`
	Name        *string           `json:"name,omitempty"`
	Title       *string           `json:"title,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Constraints []Constraint      `json:"constraints,omitempty"`
	Variants    []StrategyVariant `json:"variants,omitempty"`
	SortOrder   *int              `json:"sortOrder,omitempty"`
	Disabled    *bool             `json:"disabled,omitempty"`
}

// StrategySortOrder assigns a sort order to one strategy.
type StrategySortOrder struct {
	ID        string `json:"id"`
	SortOrder int    `json:"sortOrder"`
}

// FeatureQuery filters feature listings.
type FeatureQuery struct {
	Project    string
	Archived   bool
	NamePrefix string
	Tag        *Tag
}

// EventQuery filters event listings.
type EventQuery struct {
	SinceID     int64
	Project     string
	FeatureName string
	Limit       int
}

// RawJSON returns v marshalled as JSON, or nil when v cannot be encoded.
func RawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
