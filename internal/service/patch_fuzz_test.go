package service

import (
	"context"
	"errors"
	"testing"

	"github.com/matt-riley/flagstaff/internal/core"
)

func FuzzPatchFeatureToggle(f *testing.F) {
	f.Add([]byte(`[]`))
	f.Add([]byte(`[{"op":"replace","path":"/description","value":"x"}]`))
	f.Add([]byte(`[{"op":"remove","path":"/stale"}]`))
	f.Add([]byte(`[{"op":"replace","path":"/type","value":"bogus"}]`))
	f.Add([]byte(`{"op":"add"}`))
	f.Add([]byte(`not json`))

	env := newTestService(f)
	env.mustCreateFeature(f, "fuzzed")

	f.Fuzz(func(t *testing.T, patch []byte) {
		feature, err := env.svc.PatchFeatureToggle(context.Background(), core.DefaultProject, "fuzzed", patch, "fuzzer")
		if err != nil {
			if !errors.Is(err, core.ErrValidation) {
				t.Fatalf("PatchFeatureToggle(%q) error = %v, want validation error", patch, err)
			}
			return
		}
		if feature.Name != "fuzzed" {
			t.Fatalf("PatchFeatureToggle(%q) renamed feature to %q", patch, feature.Name)
		}
	})
}

func FuzzPatchVariants(f *testing.F) {
	f.Add([]byte(`[{"op":"add","path":"/-","value":{"name":"a"}}]`))
	f.Add([]byte(`[{"op":"add","path":"/0","value":{"name":"a","weight":1000,"weightType":"fix"}}]`))
	f.Add([]byte(`[{"op":"replace","path":"","value":null}]`))

	env := newTestService(f)
	env.mustCreateFeature(f, "fuzzed-variants")

	f.Fuzz(func(t *testing.T, patch []byte) {
		feature, err := env.svc.PatchVariants(context.Background(), core.DefaultProject, "fuzzed-variants", patch, "fuzzer")
		if err != nil {
			if !errors.Is(err, core.ErrValidation) {
				t.Fatalf("PatchVariants(%q) error = %v, want validation error", patch, err)
			}
			return
		}
		total := 0
		for _, v := range feature.Variants {
			total += v.Weight
		}
		if len(feature.Variants) > 0 && total != core.TotalWeight {
			t.Fatalf("PatchVariants(%q) weights sum to %d", patch, total)
		}
	})
}
