//go:build integration

// Package integration runs the service and repository against a real
// PostgreSQL started with testcontainers.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/matt-riley/flagstaff/internal/contract"
	"github.com/matt-riley/flagstaff/internal/core"
	"github.com/matt-riley/flagstaff/internal/events"
	"github.com/matt-riley/flagstaff/internal/middleware"
	"github.com/matt-riley/flagstaff/internal/repository"
	"github.com/matt-riley/flagstaff/internal/service"
	"github.com/matt-riley/flagstaff/migrations"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "flagstaff_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/flagstaff_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}
	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf("postgresql://test:test@%s:%s/flagstaff_test?sslmode=disable", host, mappedPort.Port())

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	db := stdlib.OpenDBFromPool(testPool)
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, "."); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}
	_ = db.Close()

	return m.Run()
}

type harness struct {
	repo    *repository.PostgresRepository
	emitter *events.Emitter
	svc     *service.Service
}

// newHarness wires the service the way the server does, on a clean set of
// features.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	repo := repository.NewPostgresRepository(testPool)
	if err := repo.DeleteAllFeatures(ctx); err != nil {
		t.Fatalf("DeleteAllFeatures() error = %v", err)
	}

	envs, err := repository.NewCachedEnvironmentStore(repo, time.Minute)
	if err != nil {
		t.Fatalf("NewCachedEnvironmentStore() error = %v", err)
	}
	t.Cleanup(envs.Close)

	logger := slog.New(slog.DiscardHandler)
	emitter, err := events.NewEmitter(repo, events.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewEmitter() error = %v", err)
	}
	t.Cleanup(func() { _ = emitter.Close() })

	validator, err := contract.New(ctx)
	if err != nil {
		t.Fatalf("contract.New() error = %v", err)
	}

	svc, err := service.New(service.Stores{
		Features:            repo,
		FeatureEnvironments: repo,
		Strategies:          repo,
		Environments:        envs,
		Projects:            repo,
		Tags:                repo,
	}, emitter, service.WithLogger(logger), service.WithValidator(validator))
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	return &harness{repo: repo, emitter: emitter, svc: svc}
}

func lastEventID(t *testing.T) int64 {
	t.Helper()
	var id int64
	if err := testPool.QueryRow(context.Background(), `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id); err != nil {
		t.Fatalf("read last event id: %v", err)
	}
	return id
}

func TestFeatureLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	since := lastEventID(t)

	created, err := h.svc.CreateFeatureToggle(ctx, core.DefaultProject, core.FeatureCreate{
		Name:        "new-checkout",
		Description: "checkout rewrite",
	}, "alice")
	if err != nil {
		t.Fatalf("CreateFeatureToggle() error = %v", err)
	}
	if created.Type != core.FeatureTypeRelease {
		t.Fatalf("type = %q, want release", created.Type)
	}

	got, err := h.svc.GetProjectFeature(ctx, core.DefaultProject, "new-checkout")
	if err != nil {
		t.Fatalf("GetProjectFeature() error = %v", err)
	}
	if got.Name != created.Name || got.Description != "checkout rewrite" {
		t.Fatalf("feature = %+v", got)
	}
	if len(got.Environments) != 1 || got.Environments[0].Name != core.DefaultEnvironment {
		t.Fatalf("environments = %+v, want the default environment connected", got.Environments)
	}

	desc := "renamed?"
	other := "other-name"
	updated, err := h.svc.UpdateFeatureToggle(ctx, core.DefaultProject, core.FeatureUpdate{Name: &other, Description: &desc}, "alice", "new-checkout")
	if err != nil {
		t.Fatalf("UpdateFeatureToggle() error = %v", err)
	}
	if updated.Name != "new-checkout" || updated.Description != desc {
		t.Fatalf("updated = %+v, want name kept and description changed", updated)
	}

	if err := h.svc.ArchiveToggle(ctx, core.DefaultProject, "new-checkout", "alice"); err != nil {
		t.Fatalf("ArchiveToggle() error = %v", err)
	}
	if _, err := h.svc.GetProjectFeature(ctx, core.DefaultProject, "new-checkout"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("GetProjectFeature() after archive error = %v, want not found", err)
	}
	if err := h.svc.ReviveToggle(ctx, "new-checkout", "alice"); err != nil {
		t.Fatalf("ReviveToggle() error = %v", err)
	}

	h.emitter.Wait()
	evs, err := h.svc.ListEvents(ctx, core.EventQuery{SinceID: since, FeatureName: "new-checkout", Limit: 100})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	want := []core.EventType{core.EventFeatureCreated, core.EventFeatureMetadataUpdated, core.EventFeatureArchived, core.EventFeatureRevived}
	if len(evs) != len(want) {
		t.Fatalf("events = %+v, want %d", evs, len(want))
	}
	for i, e := range evs {
		if e.Type != want[i] || e.CreatedBy != "alice" || e.FeatureName != "new-checkout" {
			t.Fatalf("event %d = %+v, want %s by alice", i, e, want[i])
		}
	}
}

func TestDuplicateNameAcrossProjectsConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project := fmt.Sprintf("proj-%d", time.Now().UnixNano())
	if _, err := h.svc.CreateProject(ctx, core.Project{ID: project, Name: project}, "alice"); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	if _, err := h.svc.CreateFeatureToggle(ctx, core.DefaultProject, core.FeatureCreate{Name: "shared"}, "alice"); err != nil {
		t.Fatalf("CreateFeatureToggle() error = %v", err)
	}

	_, err := h.svc.CreateFeatureToggle(ctx, project, core.FeatureCreate{Name: "shared"}, "alice")
	var conflict *core.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("CreateFeatureToggle() error = %v, want *core.ConflictError", err)
	}
}

func TestStrategyLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.CreateFeatureToggle(ctx, core.DefaultProject, core.FeatureCreate{Name: "rollout"}, "bob"); err != nil {
		t.Fatalf("CreateFeatureToggle() error = %v", err)
	}
	sc := core.StrategyContext{ProjectID: core.DefaultProject, FeatureName: "rollout", Environment: core.DefaultEnvironment}

	missing := sc
	missing.Environment = "no-such-env"
	if _, err := h.svc.CreateStrategy(ctx, core.StrategyCreate{Name: "default"}, missing, "bob"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("CreateStrategy() on missing environment error = %v, want not found", err)
	}

	strategy, err := h.svc.CreateStrategy(ctx, core.StrategyCreate{
		Name:       "flexibleRollout",
		Parameters: map[string]string{"rollout": "10", "stickiness": "default"},
		Constraints: []core.Constraint{
			{ContextName: "appVersion", Operator: core.OpSemverGt, Value: "1.2.0"},
		},
	}, sc, "bob")
	if err != nil {
		t.Fatalf("CreateStrategy() error = %v", err)
	}

	updated, err := h.svc.UpdateStrategy(ctx, strategy.ID, core.StrategyUpdate{
		Parameters: map[string]string{"rollout": "50", "stickiness": "default"},
	}, sc, "bob")
	if err != nil {
		t.Fatalf("UpdateStrategy() error = %v", err)
	}
	if updated.Parameters["rollout"] != "50" || updated.Name != "flexibleRollout" || len(updated.Constraints) != 1 {
		t.Fatalf("updated = %+v, want only parameters changed", updated)
	}

	second, err := h.svc.CreateStrategy(ctx, core.StrategyCreate{Name: "default"}, sc, "bob")
	if err != nil {
		t.Fatalf("CreateStrategy() error = %v", err)
	}
	if err := h.svc.SetStrategySortOrder(ctx, sc, []core.StrategySortOrder{
		{ID: second.ID, SortOrder: 0},
		{ID: strategy.ID, SortOrder: 5},
	}, "bob"); err != nil {
		t.Fatalf("SetStrategySortOrder() error = %v", err)
	}
	list, err := h.svc.GetStrategiesForEnvironment(ctx, core.DefaultProject, "rollout", core.DefaultEnvironment)
	if err != nil {
		t.Fatalf("GetStrategiesForEnvironment() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("strategies = %+v, want %s first", list, second.ID)
	}

	if err := h.svc.UpdateEnabled(ctx, core.DefaultProject, "rollout", core.DefaultEnvironment, true, "bob"); err != nil {
		t.Fatalf("UpdateEnabled() error = %v", err)
	}
	if err := h.svc.DeleteStrategy(ctx, strategy.ID, sc, "bob"); err != nil {
		t.Fatalf("DeleteStrategy() error = %v", err)
	}
	if _, err := h.svc.GetStrategy(ctx, strategy.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("GetStrategy() after delete error = %v, want not found", err)
	}
}

func TestVariantWeightsPersisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.CreateFeatureToggle(ctx, core.DefaultProject, core.FeatureCreate{Name: "colours"}, "carol"); err != nil {
		t.Fatalf("CreateFeatureToggle() error = %v", err)
	}
	_, err := h.svc.UpdateVariants(ctx, core.DefaultProject, "colours", []core.Variant{
		{Name: "fixed", Weight: 500, WeightType: core.WeightTypeFix},
		{Name: "blue", WeightType: core.WeightTypeVariable},
		{Name: "green", WeightType: core.WeightTypeVariable},
	}, "carol")
	if err != nil {
		t.Fatalf("UpdateVariants() error = %v", err)
	}

	variants, err := h.svc.GetVariants(ctx, core.DefaultProject, "colours")
	if err != nil {
		t.Fatalf("GetVariants() error = %v", err)
	}
	weights := map[string]int{}
	for _, v := range variants {
		weights[v.Name] = v.Weight
	}
	if weights["fixed"] != 500 || weights["blue"] != 250 || weights["green"] != 250 {
		t.Fatalf("weights = %v, want fixed 500 and 250 each", weights)
	}
}

func TestEventNotifications(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	notifications, err := h.repo.SubscribeEvents(ctx)
	if err != nil {
		t.Fatalf("SubscribeEvents() error = %v", err)
	}
	// Give the listener time to LISTEN before writing.
	time.Sleep(200 * time.Millisecond)

	if _, err := h.svc.CreateFeatureToggle(ctx, core.DefaultProject, core.FeatureCreate{Name: "notify-me"}, "dave"); err != nil {
		t.Fatalf("CreateFeatureToggle() error = %v", err)
	}

	for {
		select {
		case n := <-notifications:
			if n.FeatureName == "notify-me" && n.Type == core.EventFeatureCreated {
				return
			}
		case <-ctx.Done():
			t.Fatal("no notification received for created feature")
		}
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewPostgresRepository(testPool)
	validator := middleware.NewAPIKeyValidator(repo)

	id, secret, err := repo.CreateAPIKey(ctx, "deploy-bot")
	if err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}

	actor, err := validator.ValidateToken(ctx, id+"."+secret)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if actor != "deploy-bot" {
		t.Fatalf("actor = %q, want deploy-bot", actor)
	}
	if _, err := validator.ValidateToken(ctx, id+".wrong"); err == nil {
		t.Fatal("ValidateToken() with wrong secret error = nil")
	}

	if err := repo.RevokeAPIKey(ctx, id); err != nil {
		t.Fatalf("RevokeAPIKey() error = %v", err)
	}
	if _, err := validator.ValidateToken(ctx, id+"."+secret); err == nil {
		t.Fatal("ValidateToken() after revoke error = nil")
	}
}
