package service

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/flagstaff/internal/contract"
	"github.com/matt-riley/flagstaff/internal/core"
)

var newStrategyID = uuid.NewString

// CreateStrategy adds a strategy to the (feature, environment) pair named by
// sc. Every check runs before the first write, so a rejected call leaves no
// state behind.
func (s *Service) CreateStrategy(ctx context.Context, create core.StrategyCreate, sc core.StrategyContext, actor string) (_ core.Strategy, err error) {
	ctx, span := s.startOp(ctx, "create_strategy")
	defer func() { s.endOp(span, "create_strategy", err) }()

	if err := s.validate(contract.CreateStrategy, create); err != nil {
		return core.Strategy{}, err
	}
	if err := s.requireStrategyContext(ctx, sc); err != nil {
		return core.Strategy{}, err
	}
	if err := core.ValidateConstraints(create.Constraints, s.constraintValuesLimit); err != nil {
		return core.Strategy{}, err
	}
	variants, err := core.ValidateStrategyVariants(create.Variants)
	if err != nil {
		return core.Strategy{}, err
	}

	if err := s.stores.FeatureEnvironments.ConnectEnvironment(ctx, sc.FeatureName, sc.Environment, s.enableOverrides[sc.Environment]); err != nil {
		return core.Strategy{}, persistence(err)
	}

	sortOrder := 0
	if create.SortOrder != nil {
		sortOrder = *create.SortOrder
	} else {
		sortOrder, err = s.stores.Strategies.NextSortOrder(ctx, sc.FeatureName, sc.Environment)
		if err != nil {
			return core.Strategy{}, persistence(err)
		}
	}

	strategy := core.Strategy{
		ID:          newStrategyID(),
		FeatureName: sc.FeatureName,
		ProjectID:   sc.ProjectID,
		Environment: sc.Environment,
		Name:        create.Name,
		Title:       create.Title,
		Parameters:  create.Parameters,
		Constraints: create.Constraints,
		Variants:    variants,
		SortOrder:   sortOrder,
		Disabled:    create.Disabled,
	}
	if strategy.Parameters == nil {
		strategy.Parameters = map[string]string{}
	}
	if strategy.Constraints == nil {
		strategy.Constraints = []core.Constraint{}
	}

	created, err := s.stores.Strategies.CreateStrategy(ctx, strategy)
	if err != nil {
		return core.Strategy{}, persistence(err)
	}

	s.emitBestEffort(ctx, strategyEvent(core.EventStrategyAdded, actor, created, nil))
	return created, nil
}

// UpdateStrategy merges update onto the strategy with the given id. The id in
// update is ignored.
func (s *Service) UpdateStrategy(ctx context.Context, id string, update core.StrategyUpdate, sc core.StrategyContext, actor string) (_ core.Strategy, err error) {
	ctx, span := s.startOp(ctx, "update_strategy")
	defer func() { s.endOp(span, "update_strategy", err) }()

	if err := s.validate(contract.UpdateStrategy, update); err != nil {
		return core.Strategy{}, err
	}
	current, err := s.strategyInContext(ctx, id, sc)
	if err != nil {
		return core.Strategy{}, err
	}

	merged := core.MergeStrategy(current, update)
	if err := core.ValidateConstraints(merged.Constraints, s.constraintValuesLimit); err != nil {
		return core.Strategy{}, err
	}
	merged.Variants, err = core.ValidateStrategyVariants(merged.Variants)
	if err != nil {
		return core.Strategy{}, err
	}

	updated, err := s.stores.Strategies.UpdateStrategy(ctx, merged)
	if err != nil {
		return core.Strategy{}, notFoundOr("strategy", id, err)
	}

	s.emitBestEffort(ctx, strategyEvent(core.EventStrategyUpdated, actor, updated, &current))
	return updated, nil
}

// GetStrategy returns a strategy by id.
func (s *Service) GetStrategy(ctx context.Context, id string) (core.Strategy, error) {
	strategy, err := s.stores.Strategies.GetStrategy(ctx, id)
	if err != nil {
		return core.Strategy{}, notFoundOr("strategy", id, err)
	}
	return strategy, nil
}

// GetStrategiesForEnvironment lists the strategies of a feature in one
// environment ordered by sort order.
func (s *Service) GetStrategiesForEnvironment(ctx context.Context, projectID, featureName, environment string) ([]core.Strategy, error) {
	if _, err := s.getFeatureInProject(ctx, projectID, featureName); err != nil {
		return nil, err
	}
	strategies, err := s.stores.Strategies.ListStrategies(ctx, featureName, environment)
	if err != nil {
		return nil, persistence(err)
	}
	return strategies, nil
}

// DeleteStrategy removes a strategy. Remaining strategies keep their sort
// order.
func (s *Service) DeleteStrategy(ctx context.Context, id string, sc core.StrategyContext, actor string) (err error) {
	ctx, span := s.startOp(ctx, "delete_strategy")
	defer func() { s.endOp(span, "delete_strategy", err) }()

	current, err := s.strategyInContext(ctx, id, sc)
	if err != nil {
		return err
	}
	if err := s.stores.Strategies.DeleteStrategy(ctx, id); err != nil {
		return notFoundOr("strategy", id, err)
	}

	event := strategyEvent(core.EventStrategyRemoved, actor, current, &current)
	event.Data = nil
	s.emitBestEffort(ctx, event)
	return nil
}

// SetStrategySortOrder reorders strategies of one (feature, environment)
// pair. Strategies whose order is unchanged are left alone.
func (s *Service) SetStrategySortOrder(ctx context.Context, sc core.StrategyContext, orders []core.StrategySortOrder, actor string) (err error) {
	ctx, span := s.startOp(ctx, "set_strategy_sort_order")
	defer func() { s.endOp(span, "set_strategy_sort_order", err) }()

	if err := s.validate(contract.SetStrategySortOrder, orders); err != nil {
		return err
	}
	if _, err := s.getFeatureInProject(ctx, sc.ProjectID, sc.FeatureName); err != nil {
		return err
	}

	current := make([]core.Strategy, 0, len(orders))
	for _, order := range orders {
		strategy, err := s.strategyInContext(ctx, order.ID, sc)
		if err != nil {
			return err
		}
		current = append(current, strategy)
	}

	for i, order := range orders {
		pre := current[i]
		if pre.SortOrder == order.SortOrder {
			continue
		}
		updated, err := s.stores.Strategies.UpdateStrategy(ctx, core.MergeStrategy(pre, core.StrategyUpdate{SortOrder: &order.SortOrder}))
		if err != nil {
			return notFoundOr("strategy", order.ID, err)
		}
		s.emitBestEffort(ctx, strategyEvent(core.EventStrategyUpdated, actor, updated, &pre))
	}
	return nil
}

// UpdateEnabled switches a feature on or off in one environment. Nothing is
// written or emitted when the state already matches.
func (s *Service) UpdateEnabled(ctx context.Context, projectID, featureName, environment string, enabled bool, actor string) (err error) {
	ctx, span := s.startOp(ctx, "update_enabled")
	defer func() { s.endOp(span, "update_enabled", err) }()

	sc := core.StrategyContext{ProjectID: projectID, FeatureName: featureName, Environment: environment}
	if err := s.requireStrategyContext(ctx, sc); err != nil {
		return err
	}

	current, err := s.stores.FeatureEnvironments.GetFeatureEnvironment(ctx, featureName, environment)
	switch {
	case err == nil:
		if current.Enabled == enabled {
			return nil
		}
		if err := s.stores.FeatureEnvironments.SetEnvironmentEnabled(ctx, featureName, environment, enabled); err != nil {
			return notFoundOr("feature environment", featureName+"/"+environment, err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		if err := s.stores.FeatureEnvironments.ConnectEnvironment(ctx, featureName, environment, enabled); err != nil {
			return persistence(err)
		}
	default:
		return persistence(err)
	}

	eventType := core.EventEnvironmentDisabled
	if enabled {
		eventType = core.EventEnvironmentEnabled
	}
	s.emitBestEffort(ctx, core.Event{
		Type:        eventType,
		CreatedBy:   actor,
		Project:     projectID,
		FeatureName: featureName,
		Environment: environment,
	})
	return nil
}

// requireStrategyContext checks that the feature is active in the project
// and that the environment exists and is linked to the project.
func (s *Service) requireStrategyContext(ctx context.Context, sc core.StrategyContext) error {
	if _, err := s.getFeatureInProject(ctx, sc.ProjectID, sc.FeatureName); err != nil {
		return err
	}
	if _, err := s.stores.Environments.GetEnvironment(ctx, sc.Environment); err != nil {
		return notFoundOr("environment", sc.Environment, err)
	}
	envs, err := s.stores.Environments.ListProjectEnvironments(ctx, sc.ProjectID)
	if err != nil {
		return persistence(err)
	}
	if !slices.ContainsFunc(envs, func(env core.Environment) bool { return env.Name == sc.Environment }) {
		return &core.NotFoundError{Entity: "project environment", ID: sc.ProjectID + "/" + sc.Environment}
	}
	return nil
}

// strategyInContext loads a strategy and checks it lives under sc.
func (s *Service) strategyInContext(ctx context.Context, id string, sc core.StrategyContext) (core.Strategy, error) {
	strategy, err := s.stores.Strategies.GetStrategy(ctx, id)
	if err != nil {
		return core.Strategy{}, notFoundOr("strategy", id, err)
	}
	if strategy.FeatureName != sc.FeatureName || strategy.Environment != sc.Environment || strategy.ProjectID != sc.ProjectID {
		return core.Strategy{}, &core.NotFoundError{Entity: "strategy", ID: id}
	}
	return strategy, nil
}

func strategyEvent(eventType core.EventType, actor string, strategy core.Strategy, pre *core.Strategy) core.Event {
	event := core.Event{
		Type:        eventType,
		CreatedBy:   actor,
		Project:     strategy.ProjectID,
		FeatureName: strategy.FeatureName,
		Environment: strategy.Environment,
		Data:        core.RawJSON(strategy),
	}
	if pre != nil {
		event.PreData = core.RawJSON(pre)
	}
	return event
}
