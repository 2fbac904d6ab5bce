package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

const schemaBaseURL = "https://github.com/ormasoftchile/sceneflow/schemas/"

func reflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
}

// ParamsSchema reflects the parameter record of a. The schema describes the
// canonical field names only; aliases are folded before validation.
func ParamsSchema(a Action) (*jsonschema.Schema, error) {
	rec := NewParams(a)
	if rec == nil {
		return nil, fmt.Errorf("unknown action %q", a)
	}
	s := reflector().Reflect(rec)
	s.ID = jsonschema.ID(schemaBaseURL + "params/" + string(a) + ".json")
	s.Title = string(a) + " parameters"
	return s, nil
}

// GenerateParamsJSONSchema produces the JSON Schema document for one action's
// canonical parameters.
func GenerateParamsJSONSchema(a Action) ([]byte, error) {
	s, err := ParamsSchema(a)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s params schema: %w", a, err)
	}
	return data, nil
}

// GenerateScenarioJSONSchema produces a JSON Schema Draft 2020-12 document
// for scenario files. Each step is matched by its canonical action name.
func GenerateScenarioJSONSchema() ([]byte, error) {
	var variants []*jsonschema.Schema
	for _, a := range Actions {
		ps, err := ParamsSchema(a)
		if err != nil {
			return nil, err
		}
		props := jsonschema.NewProperties()
		props.Set("action", &jsonschema.Schema{Const: string(a)})
		props.Set("tag", &jsonschema.Schema{Type: "string"})
		props.Set("label", &jsonschema.Schema{Type: "string"})
		props.Set("description", &jsonschema.Schema{Type: "string"})
		props.Set("timeout_ms", Num("").JSONSchema())
		for _, edge := range []string{"next_success_step", "next_error_step", "true_step", "false_step"} {
			props.Set(edge, &jsonschema.Schema{Type: "string"})
		}
		if ps.Properties != nil {
			for pair := ps.Properties.Oldest(); pair != nil; pair = pair.Next() {
				props.Set(pair.Key, pair.Value)
			}
		}
		variants = append(variants, &jsonschema.Schema{
			Title:      string(a),
			Type:       "object",
			Properties: props,
			Required:   []string{"action"},
		})
	}

	stepProps := jsonschema.NewProperties()
	stepProps.Set("name", &jsonschema.Schema{Type: "string"})
	stepProps.Set("description", &jsonschema.Schema{Type: "string"})
	stepProps.Set("steps", &jsonschema.Schema{
		Type:  "array",
		Items: &jsonschema.Schema{AnyOf: variants},
	})

	s := &jsonschema.Schema{
		Version:              jsonschema.Version,
		ID:                   jsonschema.ID(schemaBaseURL + "scenario.json"),
		Title:                "sceneflow scenario",
		Description:          "Schema for scenario documents (Draft 2020-12). Alias field names are accepted by the loader.",
		Type:                 "object",
		Properties:           stepProps,
		Required:             []string{"name", "steps"},
		AdditionalProperties: jsonschema.FalseSchema,
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal scenario schema: %w", err)
	}
	return data, nil
}
