// Package flagstaff provides client interfaces and domain types for the
// flagstaff admin API.
//
// Use the http sub-package to create a client:
//
//	import flagstaffhttp "github.com/matt-riley/flagstaff/clients/go/http"
package flagstaff

import (
	"context"
	"encoding/json"
	"time"
)

// FeatureManager covers the feature toggle lifecycle within a project.
type FeatureManager interface {
	CreateFeature(ctx context.Context, project string, create FeatureCreate) (Feature, error)
	GetFeature(ctx context.Context, project, name string) (Feature, error)
	ListFeatures(ctx context.Context, project string) ([]Feature, error)
	ArchiveFeature(ctx context.Context, project, name string) error
	ReviveFeature(ctx context.Context, name string) error
	DeleteFeature(ctx context.Context, name string) error
	SetStale(ctx context.Context, project, name string, stale bool) error
}

// StrategyManager covers activation strategies and per-environment enablement.
type StrategyManager interface {
	AddStrategy(ctx context.Context, project, feature, environment string, strategy Strategy) (Strategy, error)
	ListStrategies(ctx context.Context, project, feature, environment string) ([]Strategy, error)
	DeleteStrategy(ctx context.Context, project, feature, environment, id string) error
	SetEnabled(ctx context.Context, project, feature, environment string, enabled bool) error
}

// EventWatcher delivers feature lifecycle events as they are recorded.
// The returned channel is closed when ctx is cancelled or the connection drops.
type EventWatcher interface {
	WatchEvents(ctx context.Context, lastEventID int64) (<-chan Event, error)
}

// Feature is a feature toggle as returned by the admin API.
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

// FeatureCreate is the body of a create request. Type defaults to "release".
type FeatureCreate struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Type           string `json:"type,omitempty"`
	ImpressionData bool   `json:"impressionData,omitempty"`
}

type FeatureEnvironment struct {
	Name       string     `json:"name"`
	Enabled    bool       `json:"enabled"`
	Strategies []Strategy `json:"strategies"`
}

// Strategy is an activation strategy. ID is assigned by the server.
type Strategy struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	Title       string            `json:"title,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Constraints []Constraint      `json:"constraints,omitempty"`
	SortOrder   int               `json:"sortOrder,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
}

type Constraint struct {
	ContextName     string   `json:"contextName"`
	Operator        string   `json:"operator"`
	Value           string   `json:"value,omitempty"`
	Values          []string `json:"values,omitempty"`
	CaseInsensitive bool     `json:"caseInsensitive,omitempty"`
	Inverted        bool     `json:"inverted,omitempty"`
}

type Variant struct {
	Name       string `json:"name"`
	Weight     int    `json:"weight"`
	WeightType string `json:"weightType,omitempty"`
	Stickiness string `json:"stickiness,omitempty"`
}

type Tag struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Event is one entry of the server's event log. Type is "error" for
// stream errors reported by the server, in which case Data holds the message.
type Event struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	CreatedBy   string          `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	Project     string          `json:"project,omitempty"`
	FeatureName string          `json:"featureName,omitempty"`
	Environment string          `json:"environment,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	PreData     json.RawMessage `json:"preData,omitempty"`
}
