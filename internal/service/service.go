// Package service implements the feature toggle and strategy lifecycle:
// toggles, per-environment strategies, variants, tags, projects and
// environments. Every successful mutation commits first and then emits one
// domain event on a best-effort basis.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flagstaff/internal/core"
)

const (
	bestEffortTimeout = 2 * time.Second
	tracerName        = "github.com/matt-riley/flagstaff/internal/service"
)

// FeatureStore persists feature rows. Lookups of missing features return a
// wrapped pgx.ErrNoRows.
type FeatureStore interface {
	CreateFeature(ctx context.Context, feature core.Feature) (core.Feature, error)
	GetFeature(ctx context.Context, name string) (core.Feature, error)
	UpdateFeature(ctx context.Context, feature core.Feature) (core.Feature, error)
	SetArchived(ctx context.Context, name string, archived bool) (core.Feature, error)
	UpdateVariants(ctx context.Context, name string, variants []core.Variant) (core.Feature, error)
	ChangeProject(ctx context.Context, name, project string) (core.Feature, error)
	DeleteFeature(ctx context.Context, name string) error
	ListFeatures(ctx context.Context, query core.FeatureQuery) ([]core.Feature, error)
}

// FeatureEnvironmentStore persists (feature, environment) activation records.
type FeatureEnvironmentStore interface {
	ConnectEnvironment(ctx context.Context, featureName, environment string, enabled bool) error
	GetFeatureEnvironment(ctx context.Context, featureName, environment string) (core.FeatureEnvironment, error)
	SetEnvironmentEnabled(ctx context.Context, featureName, environment string, enabled bool) error
	ListFeatureEnvironments(ctx context.Context, featureName string) ([]core.FeatureEnvironment, error)
}

// StrategyStore persists strategies keyed by id.
type StrategyStore interface {
	CreateStrategy(ctx context.Context, strategy core.Strategy) (core.Strategy, error)
	GetStrategy(ctx context.Context, id string) (core.Strategy, error)
	UpdateStrategy(ctx context.Context, strategy core.Strategy) (core.Strategy, error)
	DeleteStrategy(ctx context.Context, id string) error
	ListStrategies(ctx context.Context, featureName, environment string) ([]core.Strategy, error)
	ListFeatureStrategies(ctx context.Context, featureName string) ([]core.Strategy, error)
	NextSortOrder(ctx context.Context, featureName, environment string) (int, error)
}

type EnvironmentStore interface {
	CreateEnvironment(ctx context.Context, env core.Environment) (core.Environment, error)
	GetEnvironment(ctx context.Context, name string) (core.Environment, error)
	ListEnvironments(ctx context.Context) ([]core.Environment, error)
	ListProjectEnvironments(ctx context.Context, projectID string) ([]core.Environment, error)
	AddEnvironmentToProject(ctx context.Context, projectID, environment string) (bool, error)
}

type ProjectStore interface {
	CreateProject(ctx context.Context, project core.Project) (core.Project, error)
	GetProject(ctx context.Context, id string) (core.Project, error)
	ListProjects(ctx context.Context) ([]core.Project, error)
}

type TagStore interface {
	AddTag(ctx context.Context, featureName string, tag core.Tag) (bool, error)
	RemoveTag(ctx context.Context, featureName string, tag core.Tag) error
	ListTags(ctx context.Context, featureName string) ([]core.Tag, error)
}

// Stores groups the persistence collaborators of the service.
type Stores struct {
	Features            FeatureStore
	FeatureEnvironments FeatureEnvironmentStore
	Strategies          StrategyStore
	Environments        EnvironmentStore
	Projects            ProjectStore
	Tags                TagStore
}

func (s Stores) validate() error {
	switch {
	case s.Features == nil:
		return errors.New("feature store is nil")
	case s.FeatureEnvironments == nil:
		return errors.New("feature environment store is nil")
	case s.Strategies == nil:
		return errors.New("strategy store is nil")
	case s.Environments == nil:
		return errors.New("environment store is nil")
	case s.Projects == nil:
		return errors.New("project store is nil")
	case s.Tags == nil:
		return errors.New("tag store is nil")
	}
	return nil
}

// Validator checks a payload against a named contract schema.
type Validator interface {
	Validate(schemaID string, payload any) error
}

// Emitter records events.
type Emitter interface {
	Emit(ctx context.Context, event core.Event) (core.Event, error)
	ListEvents(ctx context.Context, query core.EventQuery) ([]core.Event, error)
}

// MutationRecorder counts mutation outcomes by operation.
type MutationRecorder interface {
	RecordMutation(operation, result string)
}

type nopValidator struct{}

func (nopValidator) Validate(string, any) error { return nil }

type nopRecorder struct{}

func (nopRecorder) RecordMutation(string, string) {}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithValidator(validator Validator) Option {
	return func(s *Service) {
		if validator != nil {
			s.validator = validator
		}
	}
}

func WithMutationRecorder(recorder MutationRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithEnvironmentEnableOverrides lists environments in which new features
// start enabled.
func WithEnvironmentEnableOverrides(environments []string) Option {
	return func(s *Service) {
		s.enableOverrides = make(map[string]bool, len(environments))
		for _, env := range environments {
			s.enableOverrides[env] = true
		}
	}
}

// WithConstraintValuesLimit caps the number of constraint values per
// strategy.
func WithConstraintValuesLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.constraintValuesLimit = limit
		}
	}
}

type Service struct {
	stores                Stores
	emitter               Emitter
	validator             Validator
	recorder              MutationRecorder
	logger                *slog.Logger
	tracer                trace.Tracer
	enableOverrides       map[string]bool
	constraintValuesLimit int
}

func New(stores Stores, emitter Emitter, opts ...Option) (*Service, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if emitter == nil {
		return nil, errors.New("emitter is nil")
	}

	s := &Service{
		stores:                stores,
		emitter:               emitter,
		validator:             nopValidator{},
		recorder:              nopRecorder{},
		logger:                slog.Default(),
		tracer:                otel.Tracer(tracerName),
		enableOverrides:       map[string]bool{},
		constraintValuesLimit: core.DefaultConstraintValuesLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ListEvents returns stored events for the audit API and event stream.
func (s *Service) ListEvents(ctx context.Context, query core.EventQuery) ([]core.Event, error) {
	events, err := s.emitter.ListEvents(ctx, query)
	if err != nil {
		return nil, persistence(err)
	}
	return events, nil
}

func (s *Service) startOp(ctx context.Context, operation string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+operation)
}

func (s *Service) endOp(span trace.Span, operation string, err error) {
	result := "ok"
	if err != nil {
		result = errorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.recorder.RecordMutation(operation, result)
	span.End()
}

// emitBestEffort runs after the mutation has committed. Failures are logged
// and never returned to the caller.
func (s *Service) emitBestEffort(ctx context.Context, event core.Event) {
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if _, err := s.emitter.Emit(emitCtx, event); err != nil {
		s.logger.Error("event emission failed",
			"event_type", string(event.Type),
			"feature", event.FeatureName,
			"project", event.Project,
			"actor", event.CreatedBy,
			"error", err,
		)
	}
}

func (s *Service) validate(schemaID string, payload any) error {
	if err := s.validator.Validate(schemaID, payload); err != nil {
		if errors.Is(err, core.ErrValidation) {
			return err
		}
		return fmt.Errorf("validate %s: %w", schemaID, err)
	}
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, core.ErrValidation):
		return "validation"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// notFoundOr maps a store's missing-row signal to a NotFoundError and wraps
// anything else as a persistence failure.
func notFoundOr(entity, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &core.NotFoundError{Entity: entity, ID: id}
	}
	return persistence(err)
}

func persistence(err error) error {
	if errors.Is(err, core.ErrValidation) || errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrConflict) || errors.Is(err, core.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrPersistence, err)
}
