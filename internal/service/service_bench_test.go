package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/matt-riley/flagstaff/internal/core"
)

func BenchmarkGetFeature(b *testing.B) {
	env := newTestService(b)
	env.mustCreateFeature(b, "bench")
	for i := range 20 {
		env.mustCreateStrategy(b, "bench", core.StrategyCreate{
			Name:       "flexibleRollout",
			Parameters: map[string]string{"rollout": fmt.Sprint(i)},
		})
	}

	ctx := context.Background()
	for b.Loop() {
		if _, err := env.svc.GetFeature(ctx, "bench", false); err != nil {
			b.Fatalf("GetFeature() error = %v", err)
		}
	}
}

func BenchmarkCreateStrategy(b *testing.B) {
	env := newTestService(b)
	env.mustCreateFeature(b, "bench")
	create := core.StrategyCreate{
		Name:        "default",
		Constraints: []core.Constraint{{ContextName: "country", Operator: core.OpIn, Values: []string{"NO", "SE"}}},
	}

	ctx := context.Background()
	for b.Loop() {
		if _, err := env.svc.CreateStrategy(ctx, create, defaultContext("bench"), "bench"); err != nil {
			b.Fatalf("CreateStrategy() error = %v", err)
		}
	}
}
