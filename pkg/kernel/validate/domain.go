package validate

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/eval"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/graph"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

// validateDomain runs hand-coded rules that the parameter schemas cannot express.
func validateDomain(sc *schema.Scenario, lib *schema.Library) []*ValidationError {
	var errs []*ValidationError

	if len(sc.Steps) == 0 {
		errs = append(errs, warningf("domain", "steps", "scenario has no steps"))
		return errs
	}

	for i := range sc.Steps {
		st := &sc.Steps[i]
		path := stepPath(i)
		errs = append(errs, validateRequired(st, path)...)

		switch p := st.Typed.(type) {
		case *schema.CompareParams:
			if p.Op == "regex" && p.RightVar == "" && !isTemplate(p.Right) {
				if _, err := regexp.Compile(p.Right); err != nil {
					errs = append(errs, errorf("domain", path+".right", "invalid regex: %s", err))
				}
			}
		case *schema.ParseVarParams:
			errs = append(errs, validatePattern(p.Pattern, path+".pattern")...)
			if p.FromVar == "" && p.Value == "" {
				errs = append(errs, warningf("domain", path, "parse_var has neither from_var nor value; input will be empty"))
			}
		case *schema.PopSharedParams:
			errs = append(errs, validatePattern(p.Pattern, path+".pattern")...)
		case *schema.WriteFileParams:
			errs = append(errs, validateFilename(p.Filename, path+".filename")...)
		case *schema.RunScenarioParams:
			errs = append(errs, validateReference(sc, p.Scenario, lib, path+".scenario")...)
		}
	}

	errs = append(errs, validateReachability(sc)...)
	return errs
}

func validateRequired(st *schema.Step, path string) []*ValidationError {
	missing := func(field string) *ValidationError {
		return errorf("domain", path+"."+field, "%s step requires '%s' field", st.Action, field)
	}
	var errs []*ValidationError
	switch p := st.Typed.(type) {
	case *schema.WaitElementParams:
		if p.Selector.Selector == "" {
			errs = append(errs, missing("selector"))
		}
	case *schema.ClickParams:
		if p.Selector.Selector == "" {
			errs = append(errs, missing("selector"))
		}
	case *schema.TypeParams:
		if p.Selector.Selector == "" {
			errs = append(errs, missing("selector"))
		}
	case *schema.ExtractTextParams:
		if p.Selector.Selector == "" {
			errs = append(errs, missing("selector"))
		}
	case *schema.GotoParams:
		if p.URL == "" {
			errs = append(errs, missing("url"))
		}
	case *schema.SetVarParams:
		if p.Name == "" {
			errs = append(errs, missing("name"))
		}
	case *schema.ParseVarParams:
		if p.Pattern == "" {
			errs = append(errs, missing("pattern"))
		}
	case *schema.PopSharedParams:
		if p.Key == "" {
			errs = append(errs, missing("value"))
		}
		if p.Pattern == "" {
			errs = append(errs, missing("pattern"))
		}
	case *schema.HTTPRequestParams:
		if p.URL == "" && !optionsHaveURL(p.Options) {
			errs = append(errs, missing("url"))
		}
	case *schema.WriteFileParams:
		if p.Filename == "" {
			errs = append(errs, missing("filename"))
		}
	case *schema.RunScenarioParams:
		if p.Scenario == "" {
			errs = append(errs, missing("scenario"))
		}
	case *schema.SetTagParams:
		if p.Stage == "" && st.AutoTag {
			errs = append(errs, missing("value"))
		}
	}
	return errs
}

func optionsHaveURL(opts any) bool {
	switch o := opts.(type) {
	case map[string]any:
		return present(o["url"]) || present(o["value"])
	case string:
		return strings.Contains(o, `"url"`)
	}
	return false
}

func present(v any) bool {
	s, ok := v.(string)
	return v != nil && (!ok || s != "")
}

func validatePattern(pattern, path string) []*ValidationError {
	if pattern == "" {
		return nil
	}
	if _, err := eval.CompilePattern(pattern); err != nil {
		if errors.Is(err, eval.ErrNoPlaceholders) {
			return []*ValidationError{errorf("domain", path, "pattern %q has no {{placeholders}}", pattern)}
		}
		return []*ValidationError{errorf("domain", path, "invalid pattern: %s", err)}
	}
	return nil
}

func validateFilename(name, path string) []*ValidationError {
	if name == "" || isTemplate(name) {
		return nil
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return []*ValidationError{errorf("domain", path, "absolute path %q is not allowed", name)}
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return []*ValidationError{errorf("domain", path, "path %q escapes the output directory", name)}
	}
	return nil
}

func validateReference(sc *schema.Scenario, name string, lib *schema.Library, path string) []*ValidationError {
	if name == "" || isTemplate(name) {
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(name), sc.Name) {
		return []*ValidationError{warningf("domain", path, "scenario %q runs itself; this fails at runtime as recursion", name)}
	}
	if lib != nil && !lib.Has(name) {
		return []*ValidationError{warningf("domain", path, "scenario %q not found in library", name)}
	}
	return nil
}

// validateReachability warns about steps no path from the entry can reach.
// Edges out of end steps are not followed.
func validateReachability(sc *schema.Scenario) []*ValidationError {
	g, err := graph.Build(sc)
	if err != nil {
		return []*ValidationError{errorf("domain", "", "%s", err)}
	}
	seen := make(map[string]bool, g.Len())
	var walk func(n *graph.Node)
	walk = func(n *graph.Node) {
		if n == nil || seen[n.Step.Tag] {
			return
		}
		seen[n.Step.Tag] = true
		if n.Step.Action == schema.ActionEnd {
			return
		}
		walk(n.Success)
		walk(n.Failure)
		walk(n.Seq)
	}
	if entry, ok := g.Node(g.Entry()); ok {
		walk(entry)
	}

	var errs []*ValidationError
	for _, n := range g.Nodes() {
		if !seen[n.Step.Tag] {
			errs = append(errs, warningf("domain", stepPath(n.Step.Index), "step %q is unreachable", n.Step.Tag))
		}
	}
	return errs
}

func isTemplate(s string) bool {
	return strings.Contains(s, "{{")
}
