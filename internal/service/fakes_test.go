package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/flagstaff/internal/contract"
	"github.com/matt-riley/flagstaff/internal/core"
)

// memStore implements every store interface in memory, with the same
// not-found and conflict signals as the Postgres repository.
type memStore struct {
	mu          sync.Mutex
	features    map[string]core.Feature
	featureEnvs map[string]map[string]bool
	strategies  map[string]core.Strategy
	envs        map[string]core.Environment
	projectEnvs map[string][]string
	projects    map[string]core.Project
	tags        map[string][]core.Tag
	writes      int
}

func newMemStore() *memStore {
	return &memStore{
		features:    map[string]core.Feature{},
		featureEnvs: map[string]map[string]bool{},
		strategies:  map[string]core.Strategy{},
		envs:        map[string]core.Environment{core.DefaultEnvironment: {Name: core.DefaultEnvironment, Type: "production", Enabled: true}},
		projectEnvs: map[string][]string{core.DefaultProject: {core.DefaultEnvironment}},
		projects:    map[string]core.Project{core.DefaultProject: {ID: core.DefaultProject, Name: "Default"}},
		tags:        map[string][]core.Tag{},
	}
}

func (m *memStore) stores() Stores {
	return Stores{
		Features:            m,
		FeatureEnvironments: m,
		Strategies:          m,
		Environments:        m,
		Projects:            m,
		Tags:                m,
	}
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func noRows(op string) error {
	return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
}

func (m *memStore) CreateFeature(_ context.Context, feature core.Feature) (core.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.features[feature.Name]; ok {
		return core.Feature{}, &core.ConflictError{Entity: "feature", ID: feature.Name}
	}
	feature.CreatedAt = time.Now().UTC()
	m.features[feature.Name] = feature
	m.writes++
	return feature, nil
}

func (m *memStore) GetFeature(_ context.Context, name string) (core.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	feature, ok := m.features[name]
	if !ok {
		return core.Feature{}, noRows("get feature")
	}
	return feature, nil
}

func (m *memStore) UpdateFeature(_ context.Context, feature core.Feature) (core.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.features[feature.Name]
	if !ok {
		return core.Feature{}, noRows("update feature")
	}
	current.Description = feature.Description
	current.Type = feature.Type
	current.Stale = feature.Stale
	current.ImpressionData = feature.ImpressionData
	m.features[feature.Name] = current
	m.writes++
	return current, nil
}

func (m *memStore) SetArchived(_ context.Context, name string, archived bool) (core.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	feature, ok := m.features[name]
	if !ok {
		return core.Feature{}, noRows("set archived")
	}
	feature.Archived = archived
	feature.ArchivedAt = nil
	if archived {
		now := time.Now().UTC()
		feature.ArchivedAt = &now
	}
	m.features[name] = feature
	m.writes++
	return feature, nil
}

func (m *memStore) UpdateVariants(_ context.Context, name string, variants []core.Variant) (core.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	feature, ok := m.features[name]
	if !ok {
		return core.Feature{}, noRows("update variants")
	}
	feature.Variants = variants
	m.features[name] = feature
	m.writes++
	return feature, nil
}

func (m *memStore) ChangeProject(_ context.Context, name, project string) (core.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	feature, ok := m.features[name]
	if !ok {
		return core.Feature{}, noRows("change project")
	}
	feature.Project = project
	m.features[name] = feature
	for id, strategy := range m.strategies {
		if strategy.FeatureName == name {
			strategy.ProjectID = project
			m.strategies[id] = strategy
		}
	}
	m.writes++
	return feature, nil
}

func (m *memStore) DeleteFeature(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.features[name]; !ok {
		return noRows("delete feature")
	}
	delete(m.features, name)
	delete(m.featureEnvs, name)
	delete(m.tags, name)
	for id, strategy := range m.strategies {
		if strategy.FeatureName == name {
			delete(m.strategies, id)
		}
	}
	m.writes++
	return nil
}

func (m *memStore) ListFeatures(_ context.Context, query core.FeatureQuery) ([]core.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Feature, 0)
	for _, feature := range m.features {
		if feature.Archived != query.Archived {
			continue
		}
		if query.Project != "" && feature.Project != query.Project {
			continue
		}
		if !strings.HasPrefix(feature.Name, query.NamePrefix) {
			continue
		}
		if query.Tag != nil && !slices.Contains(m.tags[feature.Name], *query.Tag) {
			continue
		}
		out = append(out, feature)
	}
	slices.SortFunc(out, func(a, b core.Feature) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *memStore) ConnectEnvironment(_ context.Context, featureName, environment string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.features[featureName]; !ok {
		return noRows("connect environment")
	}
	envs := m.featureEnvs[featureName]
	if envs == nil {
		envs = map[string]bool{}
		m.featureEnvs[featureName] = envs
	}
	if _, ok := envs[environment]; ok {
		return nil
	}
	envs[environment] = enabled
	m.writes++
	return nil
}

func (m *memStore) GetFeatureEnvironment(_ context.Context, featureName, environment string) (core.FeatureEnvironment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	enabled, ok := m.featureEnvs[featureName][environment]
	if !ok {
		return core.FeatureEnvironment{}, noRows("get feature environment")
	}
	return core.FeatureEnvironment{Name: environment, Enabled: enabled}, nil
}

func (m *memStore) SetEnvironmentEnabled(_ context.Context, featureName, environment string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.featureEnvs[featureName][environment]; !ok {
		return noRows("set environment enabled")
	}
	m.featureEnvs[featureName][environment] = enabled
	m.writes++
	return nil
}

func (m *memStore) ListFeatureEnvironments(_ context.Context, featureName string) ([]core.FeatureEnvironment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.FeatureEnvironment, 0)
	for name, enabled := range m.featureEnvs[featureName] {
		out = append(out, core.FeatureEnvironment{Name: name, Enabled: enabled})
	}
	slices.SortFunc(out, func(a, b core.FeatureEnvironment) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *memStore) CreateStrategy(_ context.Context, strategy core.Strategy) (core.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.features[strategy.FeatureName]; !ok {
		return core.Strategy{}, noRows("create strategy")
	}
	strategy.CreatedAt = time.Now().UTC()
	m.strategies[strategy.ID] = strategy
	m.writes++
	return strategy, nil
}

func (m *memStore) GetStrategy(_ context.Context, id string) (core.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	strategy, ok := m.strategies[id]
	if !ok {
		return core.Strategy{}, noRows("get strategy")
	}
	return strategy, nil
}

func (m *memStore) UpdateStrategy(_ context.Context, strategy core.Strategy) (core.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[strategy.ID]; !ok {
		return core.Strategy{}, noRows("update strategy")
	}
	m.strategies[strategy.ID] = strategy
	m.writes++
	return strategy, nil
}

func (m *memStore) DeleteStrategy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[id]; !ok {
		return noRows("delete strategy")
	}
	delete(m.strategies, id)
	m.writes++
	return nil
}

func (m *memStore) ListStrategies(_ context.Context, featureName, environment string) ([]core.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedStrategies(func(s core.Strategy) bool {
		return s.FeatureName == featureName && s.Environment == environment
	}), nil
}

func (m *memStore) ListFeatureStrategies(_ context.Context, featureName string) ([]core.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedStrategies(func(s core.Strategy) bool { return s.FeatureName == featureName }), nil
}

func (m *memStore) sortedStrategies(keep func(core.Strategy) bool) []core.Strategy {
	out := make([]core.Strategy, 0)
	for _, strategy := range m.strategies {
		if keep(strategy) {
			out = append(out, strategy)
		}
	}
	slices.SortFunc(out, func(a, b core.Strategy) int {
		return cmp.Or(
			cmp.Compare(a.Environment, b.Environment),
			cmp.Compare(a.SortOrder, b.SortOrder),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out
}

func (m *memStore) NextSortOrder(_ context.Context, featureName, environment string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 0
	for _, strategy := range m.strategies {
		if strategy.FeatureName == featureName && strategy.Environment == environment && strategy.SortOrder >= next {
			next = strategy.SortOrder + 1
		}
	}
	return next, nil
}

func (m *memStore) CreateEnvironment(_ context.Context, env core.Environment) (core.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.envs[env.Name]; ok {
		return core.Environment{}, &core.ConflictError{Entity: "environment", ID: env.Name}
	}
	m.envs[env.Name] = env
	m.writes++
	return env, nil
}

func (m *memStore) GetEnvironment(_ context.Context, name string) (core.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envs[name]
	if !ok {
		return core.Environment{}, noRows("get environment")
	}
	return env, nil
}

func (m *memStore) ListEnvironments(context.Context) ([]core.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Environment, 0, len(m.envs))
	for _, env := range m.envs {
		out = append(out, env)
	}
	slices.SortFunc(out, func(a, b core.Environment) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *memStore) ListProjectEnvironments(_ context.Context, projectID string) ([]core.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Environment, 0)
	for _, name := range m.projectEnvs[projectID] {
		out = append(out, m.envs[name])
	}
	return out, nil
}

func (m *memStore) AddEnvironmentToProject(_ context.Context, projectID, environment string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.Contains(m.projectEnvs[projectID], environment) {
		return false, nil
	}
	m.projectEnvs[projectID] = append(m.projectEnvs[projectID], environment)
	m.writes++
	return true, nil
}

func (m *memStore) CreateProject(_ context.Context, project core.Project) (core.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[project.ID]; ok {
		return core.Project{}, &core.ConflictError{Entity: "project", ID: project.ID}
	}
	project.CreatedAt = time.Now().UTC()
	m.projects[project.ID] = project
	m.writes++
	return project, nil
}

func (m *memStore) GetProject(_ context.Context, id string) (core.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[id]
	if !ok {
		return core.Project{}, noRows("get project")
	}
	return project, nil
}

func (m *memStore) ListProjects(context.Context) ([]core.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Project, 0, len(m.projects))
	for _, project := range m.projects {
		out = append(out, project)
	}
	slices.SortFunc(out, func(a, b core.Project) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *memStore) AddTag(_ context.Context, featureName string, tag core.Tag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.features[featureName]; !ok {
		return false, noRows("add tag")
	}
	if slices.Contains(m.tags[featureName], tag) {
		return false, nil
	}
	m.tags[featureName] = append(m.tags[featureName], tag)
	m.writes++
	return true, nil
}

func (m *memStore) RemoveTag(_ context.Context, featureName string, tag core.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.Index(m.tags[featureName], tag)
	if idx < 0 {
		return noRows("remove tag")
	}
	m.tags[featureName] = slices.Delete(m.tags[featureName], idx, idx+1)
	m.writes++
	return nil
}

func (m *memStore) ListTags(_ context.Context, featureName string) ([]core.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Tag{}, m.tags[featureName]...), nil
}

type fakeEmitter struct {
	mu      sync.Mutex
	events  []core.Event
	err     error
	ctxErrs []error
}

func (e *fakeEmitter) Emit(ctx context.Context, event core.Event) (core.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctxErrs = append(e.ctxErrs, ctx.Err())
	if e.err != nil {
		return core.Event{}, e.err
	}
	event.ID = int64(len(e.events) + 1)
	e.events = append(e.events, event)
	return event, nil
}

func (e *fakeEmitter) ListEvents(_ context.Context, query core.EventQuery) ([]core.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Event, 0)
	for _, event := range e.events {
		if event.ID > query.SinceID && (query.FeatureName == "" || event.FeatureName == query.FeatureName) {
			out = append(out, event)
		}
	}
	return out, nil
}

func (e *fakeEmitter) recorded() []core.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Event(nil), e.events...)
}

func (e *fakeEmitter) ofType(eventType core.EventType) []core.Event {
	var out []core.Event
	for _, event := range e.recorded() {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type countingMutations struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingMutations) RecordMutation(operation, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[operation+"/"+result]++
}

func (c *countingMutations) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

type testEnv struct {
	svc     *Service
	store   *memStore
	emitter *fakeEmitter
}

func newTestService(t testing.TB, opts ...Option) testEnv {
	t.Helper()

	validator, err := contract.New(context.Background())
	if err != nil {
		t.Fatalf("contract.New() error = %v", err)
	}

	store := newMemStore()
	emitter := &fakeEmitter{}
	svc, err := New(store.stores(), emitter, append([]Option{WithValidator(validator)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return testEnv{svc: svc, store: store, emitter: emitter}
}

// mustCreateFeature creates name in the default project.
func (e testEnv) mustCreateFeature(t testing.TB, name string) core.Feature {
	t.Helper()
	feature, err := e.svc.CreateFeatureToggle(context.Background(), core.DefaultProject, core.FeatureCreate{Name: name}, "tester")
	if err != nil {
		t.Fatalf("CreateFeatureToggle(%q) error = %v", name, err)
	}
	return feature
}

func (e testEnv) mustCreateStrategy(t testing.TB, feature string, create core.StrategyCreate) core.Strategy {
	t.Helper()
	strategy, err := e.svc.CreateStrategy(context.Background(), create, defaultContext(feature), "tester")
	if err != nil {
		t.Fatalf("CreateStrategy(%q) error = %v", feature, err)
	}
	return strategy
}

func defaultContext(feature string) core.StrategyContext {
	return core.StrategyContext{ProjectID: core.DefaultProject, FeatureName: feature, Environment: core.DefaultEnvironment}
}

func ptr[T any](v T) *T { return &v }

func wantKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("error = %v, want %v", err, kind)
	}
}
