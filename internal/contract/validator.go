// Package contract validates inbound payloads against the component schemas
// of the embedded OpenAPI document.
package contract

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/matt-riley/flagstaff/internal/core"
)

// Schema identifiers.
const (
	CreateFeature        = "createFeatureSchema"
	UpdateFeature        = "updateFeatureSchema"
	CloneFeature         = "cloneFeatureSchema"
	ChangeProject        = "changeProjectSchema"
	CreateStrategy       = "createStrategySchema"
	UpdateStrategy       = "updateStrategySchema"
	SetStrategySortOrder = "setStrategySortOrderSchema"
	Variants             = "variantsSchema"
	Tag                  = "tagSchema"
	Patches              = "patchesSchema"
	CreateProject        = "createProjectSchema"
	CreateEnvironment    = "createEnvironmentSchema"
)

//go:embed openapi.yaml
var document []byte

// Validator checks payloads against named component schemas.
type Validator struct {
	schemas openapi3.Schemas
}

// New loads and validates the embedded OpenAPI document.
func New(ctx context.Context) (*Validator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(document)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	return &Validator{schemas: doc.Components.Schemas}, nil
}

// Validate checks payload against the schema named schemaID. payload may be a
// Go value or raw JSON bytes. Object members that are null count as absent.
// Schema violations are returned as *core.ValidationError.
func (v *Validator) Validate(schemaID string, payload any) error {
	ref, ok := v.schemas[schemaID]
	if !ok || ref.Value == nil {
		return fmt.Errorf("unknown schema %q", schemaID)
	}

	value, err := toJSONValue(payload)
	if err != nil {
		return core.NewValidationError("", "payload is not valid JSON: %v", err)
	}

	err = ref.Value.VisitJSON(dropNulls(value), openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return toValidationError(err)
}

func toJSONValue(payload any) (any, error) {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func dropNulls(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for k, item := range v {
			if item == nil {
				delete(v, k)
				continue
			}
			v[k] = dropNulls(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = dropNulls(item)
		}
		return v
	default:
		return value
	}
}

func toValidationError(err error) error {
	verr := &core.ValidationError{}
	collect(verr, err)
	if len(verr.Details) == 0 {
		verr.Add("", "%s", err.Error())
	}
	return verr
}

func collect(verr *core.ValidationError, err error) {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			collect(verr, e)
		}
		return
	}
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		path := "/" + strings.Join(schemaErr.JSONPointer(), "/")
		if path == "/" {
			path = ""
		}
		verr.Add(path, "%s", schemaErr.Reason)
		return
	}
	verr.Add("", "%s", err.Error())
}
