// Package importer loads projects, environments and feature toggles from a
// YAML state file through the service, so every change is validated and
// recorded as an event.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/matt-riley/flagstaff/internal/core"
	"gopkg.in/yaml.v3"
)

// Actor is recorded on every event the import writes.
const Actor = "import"

// Document is the YAML state file.
type Document struct {
	Version      int           `yaml:"version"`
	Projects     []Project     `yaml:"projects"`
	Environments []Environment `yaml:"environments"`
	Features     []Feature     `yaml:"features"`
}

type Project struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Environments []string `yaml:"environments"`
}

type Environment struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	SortOrder int    `yaml:"sortOrder"`
}

type Feature struct {
	Name           string               `yaml:"name"`
	Project        string               `yaml:"project"`
	Description    string               `yaml:"description"`
	Type           string               `yaml:"type"`
	Stale          bool                 `yaml:"stale"`
	ImpressionData bool                 `yaml:"impressionData"`
	Variants       []Variant            `yaml:"variants"`
	Tags           []Tag                `yaml:"tags"`
	Environments   []FeatureEnvironment `yaml:"environments"`
}

type FeatureEnvironment struct {
	Name       string     `yaml:"name"`
	Enabled    bool       `yaml:"enabled"`
	Strategies []Strategy `yaml:"strategies"`
}

type Strategy struct {
	Name        string            `yaml:"name"`
	Title       string            `yaml:"title"`
	Parameters  map[string]string `yaml:"parameters"`
	Constraints []Constraint      `yaml:"constraints"`
	Variants    []Variant         `yaml:"variants"`
	Disabled    bool              `yaml:"disabled"`
}

type Constraint struct {
	ContextName     string   `yaml:"contextName"`
	Operator        string   `yaml:"operator"`
	Value           string   `yaml:"value"`
	Values          []string `yaml:"values"`
	CaseInsensitive bool     `yaml:"caseInsensitive"`
	Inverted        bool     `yaml:"inverted"`
}

type Variant struct {
	Name       string     `yaml:"name"`
	Weight     int        `yaml:"weight"`
	WeightType string     `yaml:"weightType"`
	Stickiness string     `yaml:"stickiness"`
	Payload    *Payload   `yaml:"payload"`
	Overrides  []Override `yaml:"overrides"`
}

type Payload struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

type Override struct {
	ContextName string   `yaml:"contextName"`
	Values      []string `yaml:"values"`
}

type Tag struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

// Options controls how the file is applied.
type Options struct {
	// KeepExisting leaves features that already exist untouched.
	KeepExisting bool
	// DropBeforeImport archives and deletes every feature first.
	DropBeforeImport bool
}

// Service is the part of the service API the importer drives.
type Service interface {
	GetProject(ctx context.Context, id string) (core.Project, error)
	CreateProject(ctx context.Context, project core.Project, actor string) (core.Project, error)
	ListEnvironments(ctx context.Context) ([]core.Environment, error)
	CreateEnvironment(ctx context.Context, env core.Environment, actor string) (core.Environment, error)
	AddEnvironmentToProject(ctx context.Context, projectID, environment, actor string) error

	GetFeatures(ctx context.Context, query core.FeatureQuery) ([]core.Feature, error)
	GetFeature(ctx context.Context, name string, archived bool) (core.Feature, error)
	CreateFeatureToggle(ctx context.Context, projectID string, create core.FeatureCreate, actor string) (core.Feature, error)
	UpdateFeatureToggle(ctx context.Context, projectID string, update core.FeatureUpdate, actor, existingName string) (core.Feature, error)
	ArchiveToggle(ctx context.Context, projectID, name, actor string) error
	ReviveToggle(ctx context.Context, name, actor string) error
	DeleteFeature(ctx context.Context, name, actor string) error
	ChangeProject(ctx context.Context, currentProject, name, newProject, actor string) error
	UpdateStale(ctx context.Context, name string, stale bool, actor string) error
	UpdateVariants(ctx context.Context, projectID, featureName string, variants []core.Variant, actor string) (core.Feature, error)

	UpdateEnabled(ctx context.Context, projectID, featureName, environment string, enabled bool, actor string) error
	GetStrategiesForEnvironment(ctx context.Context, projectID, featureName, environment string) ([]core.Strategy, error)
	CreateStrategy(ctx context.Context, create core.StrategyCreate, sc core.StrategyContext, actor string) (core.Strategy, error)
	DeleteStrategy(ctx context.Context, id string, sc core.StrategyContext, actor string) error

	AddTag(ctx context.Context, featureName string, tag core.Tag, actor string) (core.Tag, error)
}

// Result counts what an import changed.
type Result struct {
	ProjectsCreated     int
	EnvironmentsCreated int
	FeaturesCreated     int
	FeaturesUpdated     int
	FeaturesSkipped     int
	FeaturesDropped     int
}

// Importer applies state files.
type Importer struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{svc: svc, logger: logger}
}

// Parse decodes a state file. Unknown keys are rejected.
func Parse(r io.Reader) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Document{}, errors.New("import file is empty")
		}
		return Document{}, fmt.Errorf("decode import file: %w", err)
	}
	if doc.Version > 1 {
		return Document{}, fmt.Errorf("unsupported import version %d", doc.Version)
	}
	return doc, nil
}

// ImportFile parses path and applies it.
func (im *Importer) ImportFile(ctx context.Context, path string, opts Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	doc, err := Parse(f)
	if err != nil {
		return Result{}, err
	}
	return im.Import(ctx, doc, opts)
}

// Import applies doc in dependency order: environments, projects, then
// features. It stops at the first failing entity; work already applied
// stays applied.
func (im *Importer) Import(ctx context.Context, doc Document, opts Options) (Result, error) {
	var res Result

	if opts.DropBeforeImport {
		dropped, err := im.dropFeatures(ctx)
		res.FeaturesDropped = dropped
		if err != nil {
			return res, err
		}
	}

	if err := im.importEnvironments(ctx, doc.Environments, &res); err != nil {
		return res, err
	}
	if err := im.importProjects(ctx, doc.Projects, &res); err != nil {
		return res, err
	}
	for _, f := range doc.Features {
		if err := im.importFeature(ctx, f, opts, &res); err != nil {
			return res, fmt.Errorf("feature %q: %w", f.Name, err)
		}
	}

	im.logger.InfoContext(ctx, "import finished",
		slog.Int("projects_created", res.ProjectsCreated),
		slog.Int("environments_created", res.EnvironmentsCreated),
		slog.Int("features_created", res.FeaturesCreated),
		slog.Int("features_updated", res.FeaturesUpdated),
		slog.Int("features_skipped", res.FeaturesSkipped),
		slog.Int("features_dropped", res.FeaturesDropped),
	)
	return res, nil
}

func (im *Importer) dropFeatures(ctx context.Context) (int, error) {
	active, err := im.svc.GetFeatures(ctx, core.FeatureQuery{})
	if err != nil {
		return 0, fmt.Errorf("list features: %w", err)
	}
	for _, f := range active {
		if err := im.svc.ArchiveToggle(ctx, f.Project, f.Name, Actor); err != nil {
			return 0, fmt.Errorf("archive %q: %w", f.Name, err)
		}
	}

	archived, err := im.svc.GetFeatures(ctx, core.FeatureQuery{Archived: true})
	if err != nil {
		return 0, fmt.Errorf("list archived features: %w", err)
	}
	dropped := 0
	for _, f := range archived {
		if err := im.svc.DeleteFeature(ctx, f.Name, Actor); err != nil {
			return dropped, fmt.Errorf("delete %q: %w", f.Name, err)
		}
		dropped++
	}
	return dropped, nil
}

func (im *Importer) importEnvironments(ctx context.Context, envs []Environment, res *Result) error {
	if len(envs) == 0 {
		return nil
	}
	existing, err := im.svc.ListEnvironments(ctx)
	if err != nil {
		return fmt.Errorf("list environments: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, env := range existing {
		known[env.Name] = true
	}

	for _, env := range envs {
		if known[env.Name] {
			continue
		}
		if _, err := im.svc.CreateEnvironment(ctx, core.Environment{
			Name:      env.Name,
			Type:      env.Type,
			Enabled:   true,
			SortOrder: env.SortOrder,
		}, Actor); err != nil {
			return fmt.Errorf("environment %q: %w", env.Name, err)
		}
		known[env.Name] = true
		res.EnvironmentsCreated++
	}
	return nil
}

func (im *Importer) importProjects(ctx context.Context, projects []Project, res *Result) error {
	for _, p := range projects {
		_, err := im.svc.GetProject(ctx, p.ID)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrNotFound):
			if _, err := im.svc.CreateProject(ctx, core.Project{ID: p.ID, Name: p.Name, Description: p.Description}, Actor); err != nil {
				return fmt.Errorf("project %q: %w", p.ID, err)
			}
			res.ProjectsCreated++
		default:
			return fmt.Errorf("project %q: %w", p.ID, err)
		}

		for _, env := range p.Environments {
			if err := im.svc.AddEnvironmentToProject(ctx, p.ID, env, Actor); err != nil {
				return fmt.Errorf("project %q environment %q: %w", p.ID, env, err)
			}
		}
	}
	return nil
}

func (im *Importer) importFeature(ctx context.Context, f Feature, opts Options, res *Result) error {
	project := f.Project
	if project == "" {
		project = core.DefaultProject
	}

	current, err := im.svc.GetFeature(ctx, f.Name, true)
	switch {
	case errors.Is(err, core.ErrNotFound):
		if _, err := im.svc.CreateFeatureToggle(ctx, project, core.FeatureCreate{
			Name:           f.Name,
			Description:    f.Description,
			Type:           f.Type,
			ImpressionData: f.ImpressionData,
			Variants:       toVariants(f.Variants),
		}, Actor); err != nil {
			return err
		}
		if f.Stale {
			if err := im.svc.UpdateStale(ctx, f.Name, true, Actor); err != nil {
				return err
			}
		}
		res.FeaturesCreated++
	case err != nil:
		return err
	case opts.KeepExisting:
		im.logger.DebugContext(ctx, "keeping existing feature", slog.String("feature", f.Name))
		res.FeaturesSkipped++
		return nil
	default:
		if err := im.updateFeature(ctx, current, project, f); err != nil {
			return err
		}
		res.FeaturesUpdated++
	}

	for _, tag := range f.Tags {
		if _, err := im.svc.AddTag(ctx, f.Name, core.Tag{Type: tag.Type, Value: tag.Value}, Actor); err != nil {
			return fmt.Errorf("tag %s:%s: %w", tag.Type, tag.Value, err)
		}
	}
	for _, env := range f.Environments {
		if err := im.importFeatureEnvironment(ctx, project, f.Name, env); err != nil {
			return fmt.Errorf("environment %q: %w", env.Name, err)
		}
	}
	return nil
}

func (im *Importer) updateFeature(ctx context.Context, current core.Feature, project string, f Feature) error {
	if current.Archived {
		if err := im.svc.ReviveToggle(ctx, f.Name, Actor); err != nil {
			return err
		}
	}
	if current.Project != project {
		if err := im.svc.ChangeProject(ctx, current.Project, f.Name, project, Actor); err != nil {
			return err
		}
	}

	update := core.FeatureUpdate{
		Description:    &f.Description,
		ImpressionData: &f.ImpressionData,
		Stale:          &f.Stale,
	}
	if f.Type != "" {
		update.Type = &f.Type
	}
	if _, err := im.svc.UpdateFeatureToggle(ctx, project, update, Actor, f.Name); err != nil {
		return err
	}
	_, err := im.svc.UpdateVariants(ctx, project, f.Name, toVariants(f.Variants), Actor)
	return err
}

// importFeatureEnvironment replaces the strategies of one environment with
// the file's list and sets its enabled state.
func (im *Importer) importFeatureEnvironment(ctx context.Context, project, feature string, env FeatureEnvironment) error {
	sc := core.StrategyContext{ProjectID: project, FeatureName: feature, Environment: env.Name}

	existing, err := im.svc.GetStrategiesForEnvironment(ctx, project, feature, env.Name)
	if err != nil {
		return err
	}
	for _, s := range existing {
		if err := im.svc.DeleteStrategy(ctx, s.ID, sc, Actor); err != nil {
			return err
		}
	}

	for i, s := range env.Strategies {
		sortOrder := i
		if _, err := im.svc.CreateStrategy(ctx, core.StrategyCreate{
			Name:        s.Name,
			Title:       s.Title,
			Parameters:  s.Parameters,
			Constraints: toConstraints(s.Constraints),
			Variants:    toStrategyVariants(s.Variants),
			SortOrder:   &sortOrder,
			Disabled:    s.Disabled,
		}, sc, Actor); err != nil {
			return fmt.Errorf("strategy %q: %w", s.Name, err)
		}
	}

	return im.svc.UpdateEnabled(ctx, project, feature, env.Name, env.Enabled, Actor)
}

func toVariants(in []Variant) []core.Variant {
	if len(in) == 0 {
		return nil
	}
	out := make([]core.Variant, 0, len(in))
	for _, v := range in {
		cv := core.Variant{
			Name:       v.Name,
			Weight:     v.Weight,
			WeightType: v.WeightType,
			Stickiness: v.Stickiness,
			Payload:    toPayload(v.Payload),
		}
		for _, o := range v.Overrides {
			cv.Overrides = append(cv.Overrides, core.Override{ContextName: o.ContextName, Values: o.Values})
		}
		out = append(out, cv)
	}
	return out
}

func toStrategyVariants(in []Variant) []core.StrategyVariant {
	if len(in) == 0 {
		return nil
	}
	out := make([]core.StrategyVariant, 0, len(in))
	for _, v := range in {
		out = append(out, core.StrategyVariant{
			Name:       v.Name,
			Weight:     v.Weight,
			WeightType: v.WeightType,
			Stickiness: v.Stickiness,
			Payload:    toPayload(v.Payload),
		})
	}
	return out
}

func toPayload(p *Payload) *core.Payload {
	if p == nil {
		return nil
	}
	return &core.Payload{Type: p.Type, Value: p.Value}
}

func toConstraints(in []Constraint) []core.Constraint {
	if len(in) == 0 {
		return nil
	}
	out := make([]core.Constraint, 0, len(in))
	for _, c := range in {
		out = append(out, core.Constraint{
			ContextName:     c.ContextName,
			Operator:        core.Operator(c.Operator),
			Value:           c.Value,
			Values:          c.Values,
			CaseInsensitive: c.CaseInsensitive,
			Inverted:        c.Inverted,
		})
	}
	return out
}
