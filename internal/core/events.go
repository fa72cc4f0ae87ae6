package core

import (
	"encoding/json"
	"time"
)

// EventType identifies a domain event.
type EventType string

const (
	EventFeatureCreated         EventType = "feature-created"
	EventFeatureMetadataUpdated EventType = "feature-metadata-updated"
	EventFeatureArchived        EventType = "feature-archived"
	EventFeatureRevived         EventType = "feature-revived"
	EventFeatureDeleted         EventType = "feature-deleted"
	EventFeatureStaleOn         EventType = "feature-stale-on"
	EventFeatureStaleOff        EventType = "feature-stale-off"
	EventFeatureProjectChange   EventType = "feature-project-change"

	EventStrategyAdded   EventType = "feature-strategy-add"
	EventStrategyUpdated EventType = "feature-strategy-update"
	EventStrategyRemoved EventType = "feature-strategy-remove"

	EventEnvironmentEnabled  EventType = "feature-environment-enabled"
	EventEnvironmentDisabled EventType = "feature-environment-disabled"

	EventVariantsUpdated EventType = "feature-variants-updated"
	EventFeatureTagged   EventType = "feature-tagged"
	EventFeatureUntagged EventType = "feature-untagged"

	EventEnvironmentCreated      EventType = "environment-created"
	EventProjectCreated          EventType = "project-created"
	EventProjectEnvironmentAdded EventType = "project-environment-added"
)

// Event is an immutable record of one mutation. Data holds the state after
// the change and PreData the state before it, when applicable.
type Event struct {
	ID          int64           `json:"id"`
	Type        EventType       `json:"type"`
	CreatedBy   string          `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	Project     string          `json:"project,omitempty"`
	FeatureName string          `json:"featureName,omitempty"`
	Environment string          `json:"environment,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	PreData     json.RawMessage `json:"preData,omitempty"`
	Tags        []Tag           `json:"tags,omitempty"`
}
