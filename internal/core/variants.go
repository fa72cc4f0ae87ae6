package core

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValidateVariants checks names, weight types and payloads of a feature's
// variant list and returns the list with weights distributed.
func ValidateVariants(variants []Variant) ([]Variant, error) {
	if len(variants) == 0 {
		return []Variant{}, nil
	}
	verr := &ValidationError{}
	seen := make(map[string]struct{}, len(variants))
	out := make([]Variant, len(variants))
	for i, v := range variants {
		path := fmt.Sprintf("/%d", i)
		validateVariantShape(verr, path, v.Name, v.WeightType, v.Weight, v.Payload, seen)
		for j, o := range v.Overrides {
			if o.ContextName == "" {
				verr.Add(fmt.Sprintf("%s/overrides/%d/contextName", path, j), "contextName is required")
			}
		}
		if v.Stickiness == "" {
			v.Stickiness = DefaultStickiness
		}
		if v.WeightType == "" {
			v.WeightType = WeightTypeVariable
		}
		out[i] = v
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	weights, err := distribute(variantWeights(out))
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Weight = weights[i]
	}
	return out, nil
}

// ValidateStrategyVariants is ValidateVariants for variants attached to a
// strategy.
func ValidateStrategyVariants(variants []StrategyVariant) ([]StrategyVariant, error) {
	if len(variants) == 0 {
		return []StrategyVariant{}, nil
	}
	verr := &ValidationError{}
	seen := make(map[string]struct{}, len(variants))
	out := make([]StrategyVariant, len(variants))
	for i, v := range variants {
		validateVariantShape(verr, fmt.Sprintf("/variants/%d", i), v.Name, v.WeightType, v.Weight, v.Payload, seen)
		if v.Stickiness == "" {
			v.Stickiness = DefaultStickiness
		}
		if v.WeightType == "" {
			v.WeightType = WeightTypeVariable
		}
		out[i] = v
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	in := make([]weightSpec, len(out))
	for i, v := range out {
		in[i] = weightSpec{fixed: v.WeightType == WeightTypeFix, weight: v.Weight}
	}
	weights, err := distribute(in)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Weight = weights[i]
	}
	return out, nil
}

// DistributeWeights assigns the weights of variable variants so the whole
// list sums to TotalWeight. Fixed variants keep their declared weight. The
// remaining budget is split by integer division and leftover basis points
// go one each to the first variable variants in list order.
func DistributeWeights(variants []Variant) ([]Variant, error) {
	weights, err := distribute(variantWeights(variants))
	if err != nil {
		return nil, err
	}
	out := make([]Variant, len(variants))
	copy(out, variants)
	for i := range out {
		out[i].Weight = weights[i]
	}
	return out, nil
}

type weightSpec struct {
	fixed  bool
	weight int
}

func variantWeights(variants []Variant) []weightSpec {
	specs := make([]weightSpec, len(variants))
	for i, v := range variants {
		specs[i] = weightSpec{fixed: v.WeightType == WeightTypeFix, weight: v.Weight}
	}
	return specs
}

func distribute(specs []weightSpec) ([]int, error) {
	if len(specs) == 0 {
		return []int{}, nil
	}
	fixedTotal, variable := 0, 0
	for _, s := range specs {
		if s.fixed {
			fixedTotal += s.weight
		} else {
			variable++
		}
	}
	if fixedTotal > TotalWeight {
		return nil, NewValidationError("", "fixed variant weights sum to %d, more than %d", fixedTotal, TotalWeight)
	}
	if variable == 0 && fixedTotal != TotalWeight {
		return nil, NewValidationError("", "fixed variant weights must sum to %d when no variable variants exist, got %d", TotalWeight, fixedTotal)
	}

	out := make([]int, len(specs))
	var share, remainder int
	if variable > 0 {
		share = (TotalWeight - fixedTotal) / variable
		remainder = (TotalWeight - fixedTotal) % variable
	}
	for i, s := range specs {
		if s.fixed {
			out[i] = s.weight
			continue
		}
		out[i] = share
		if remainder > 0 {
			out[i]++
			remainder--
		}
	}
	return out, nil
}

func validateVariantShape(verr *ValidationError, path, name, weightType string, weight int, payload *Payload, seen map[string]struct{}) {
	if name == "" {
		verr.Add(path+"/name", "variant name is required")
	} else if _, dup := seen[name]; dup {
		verr.Add(path+"/name", "duplicate variant name %q", name)
	} else {
		seen[name] = struct{}{}
	}

	switch weightType {
	case "", WeightTypeVariable:
	case WeightTypeFix:
		if weight < 0 || weight > TotalWeight {
			verr.Add(path+"/weight", "fixed weight must be between 0 and %d", TotalWeight)
		}
	default:
		verr.Add(path+"/weightType", "unknown weight type %q", weightType)
	}

	if payload != nil {
		validatePayload(verr, path+"/payload", *payload)
	}
}

func validatePayload(verr *ValidationError, path string, p Payload) {
	switch p.Type {
	case PayloadTypeString, PayloadTypeCSV:
	case PayloadTypeJSON:
		if !json.Valid([]byte(p.Value)) {
			verr.Add(path+"/value", "payload is not valid JSON")
		}
	case PayloadTypeNumber:
		if _, err := strconv.ParseFloat(p.Value, 64); err != nil {
			verr.Add(path+"/value", "payload %q is not a number", p.Value)
		}
	default:
		verr.Add(path+"/type", "unknown payload type %q", p.Type)
	}
}
