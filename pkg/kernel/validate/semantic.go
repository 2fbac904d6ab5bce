package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

var (
	compileOnce sync.Once
	compiled    map[schema.Action]*sjsonschema.Schema
	compileErr  error
)

// paramSchemas compiles the reflected parameter schema of every action once.
func paramSchemas() (map[schema.Action]*sjsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := sjsonschema.NewCompiler()
		out := make(map[schema.Action]*sjsonschema.Schema, len(schema.Actions))
		for _, a := range schema.Actions {
			s, err := schema.ParamsSchema(a)
			if err != nil {
				compileErr = err
				return
			}
			s.ID = ""
			doc, err := roundTrip(s)
			if err != nil {
				compileErr = fmt.Errorf("encode %s schema: %w", a, err)
				return
			}
			url := "params-" + string(a) + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = fmt.Errorf("add %s schema: %w", a, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", a, err)
				return
			}
			out[a] = sch
		}
		compiled = out
	})
	return compiled, compileErr
}

// validateSemantic checks each step's canonical parameters against the JSON
// Schema reflected from its parameter record. Unknown fields are warnings;
// type mismatches on templated values are downgraded as well.
func validateSemantic(sc *schema.Scenario) []*ValidationError {
	schemas, err := paramSchemas()
	if err != nil {
		return []*ValidationError{errorf("semantic", "", "schema compile error: %s", err)}
	}

	var errs []*ValidationError
	for i := range sc.Steps {
		st := &sc.Steps[i]
		sch, ok := schemas[st.Action]
		if !ok {
			continue
		}
		doc, err := roundTrip(st.Params)
		if err != nil {
			errs = append(errs, errorf("semantic", stepPath(i), "parameters are not JSON-encodable: %s", err))
			continue
		}
		if doc == nil {
			doc = map[string]any{}
		}
		err = sch.Validate(doc)
		if err == nil {
			continue
		}
		var ve *sjsonschema.ValidationError
		if !errors.As(err, &ve) {
			errs = append(errs, errorf("semantic", stepPath(i), "%s", err))
			continue
		}
		for _, cause := range flattenValidationErrors(ve) {
			path := stepPath(i)
			if len(cause.InstanceLocation) > 0 {
				path += "." + strings.Join(cause.InstanceLocation, ".")
			}
			if ap, ok := cause.ErrorKind.(*kind.AdditionalProperties); ok {
				errs = append(errs, warningf("semantic", path, "%s: unknown field(s) %s", st.Action, strings.Join(ap.Properties, ", ")))
				continue
			}
			msg := fmt.Sprintf("%v", cause.ErrorKind)
			if templated(st.Params, cause.InstanceLocation) {
				errs = append(errs, warningf("semantic", path, "%s (templated value)", msg))
				continue
			}
			errs = append(errs, errorf("semantic", path, "%s", msg))
		}
	}
	return errs
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

func templated(params map[string]any, loc []string) bool {
	if len(loc) == 0 {
		return false
	}
	s, ok := params[loc[0]].(string)
	return ok && strings.Contains(s, "{{")
}

// roundTrip converts v to the generic JSON model the validator expects.
func roundTrip(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
