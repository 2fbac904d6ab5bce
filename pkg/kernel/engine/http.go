package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ormasoftchile/sceneflow/pkg/browser"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/eval"
	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

// DefaultHTTPPrefix names the result variables of http_request when save_as
// is not given: http_url, http_status, http_ok, http_headers, http_body and
// http_json.
const DefaultHTTPPrefix = "http"

func doHTTPRequest(ctx context.Context, e *Engine, st *schema.Step, params any) (Route, error) {
	p := params.(*schema.HTTPRequestParams)
	if p.Options != nil {
		opts, err := decodeOptions(p.Options)
		if err != nil {
			return RouteNext, failWrap(KindTemplate, err, "options")
		}
		p.MergeOptions(*opts)
	}
	req, err := buildRequest(p)
	if err != nil {
		return RouteNext, err
	}

	var resp *browser.Response
	err = e.withDriver(ctx, st, func(ctx context.Context, d browser.Driver) error {
		var err error
		resp, err = d.Fetch(ctx, req)
		return err
	})
	if err != nil {
		return RouteNext, err
	}
	e.log.Info("http request", "method", req.Method, "url", req.URL, "status", resp.Status)

	var parsed any
	hasJSON := json.Unmarshal([]byte(resp.Body), &parsed) == nil
	headers, _ := json.Marshal(resp.Headers)

	prefix := strings.TrimSpace(p.SaveAs)
	if prefix == "" {
		prefix = DefaultHTTPPrefix
	}
	e.setProfileVar(prefix+"_url", req.URL)
	e.setProfileVar(prefix+"_status", strconv.Itoa(resp.Status))
	e.setProfileVar(prefix+"_ok", strconv.FormatBool(resp.OK()))
	e.setProfileVar(prefix+"_headers", string(headers))
	e.setProfileVar(prefix+"_body", resp.Body)
	jsonText := ""
	if hasJSON {
		if data, err := json.Marshal(parsed); err == nil {
			jsonText = string(data)
		}
	}
	e.setProfileVar(prefix+"_json", jsonText)

	if name := strings.TrimSpace(p.ResponseVar); name != "" {
		payload := map[string]any{
			"url":     req.URL,
			"status":  resp.Status,
			"ok":      resp.OK(),
			"headers": resp.Headers,
			"body":    resp.Body,
		}
		if hasJSON {
			payload["json"] = parsed
		}
		data, _ := json.Marshal(payload)
		e.setProfileVar(name, string(data))
	}

	if hasJSON {
		extract, err := stringMap(p.ExtractJSON)
		if err != nil {
			return RouteNext, failWrap(KindTemplate, err, "extract_json")
		}
		names := make([]string, 0, len(extract))
		for name := range extract {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v, _ := eval.JSONPath(jsonText, extract[name])
			e.setProfileVar(name, v)
		}
	}
	e.persistProfile(ctx)

	if p.RequireSuccess.Bool(false) && !resp.OK() {
		return RouteNext, failf(KindAction, "http_request returned status %d", resp.Status)
	}
	return RouteNext, nil
}

// decodeOptions reads the options object, given inline or as a JSON string,
// into a parameter record with aliases folded.
func decodeOptions(v any) (*schema.HTTPRequestParams, error) {
	m, err := objectValue(v)
	if err != nil || m == nil {
		return &schema.HTTPRequestParams{}, err
	}
	if _, ok := m["value"]; !ok {
		if u, ok := m["url"]; ok {
			m["value"] = u
		}
	}
	rec, err := schema.DecodeParams(schema.ActionHTTPRequest, schema.CanonicalParams(schema.ActionHTTPRequest, m))
	if err != nil {
		return nil, err
	}
	return rec.(*schema.HTTPRequestParams), nil
}

func buildRequest(p *schema.HTTPRequestParams) (browser.Request, error) {
	req := browser.Request{
		Method:            strings.ToUpper(strings.TrimSpace(p.Method)),
		URL:               strings.TrimSpace(p.URL),
		FailOnStatusCode:  p.FailOnStatusCode.Bool(false),
		IgnoreHTTPSErrors: p.IgnoreHTTPSErrors.Bool(false),
		MaxRedirects:      -1,
	}
	if req.URL == "" {
		return req, failf(KindAction, "http_request requires a url")
	}
	if req.Method == "" {
		req.Method = "GET"
	}

	var err error
	if req.Headers, err = stringMap(p.Headers); err != nil {
		return req, failWrap(KindTemplate, err, "headers")
	}
	if s, ok := p.Params.(string); ok && strings.TrimSpace(s) != "" && !strings.HasPrefix(strings.TrimSpace(s), "{") {
		req.URL = appendQuery(req.URL, s)
	} else if req.Params, err = stringMap(p.Params); err != nil {
		return req, failWrap(KindTemplate, err, "params")
	}
	if req.Form, err = stringMap(p.Form); err != nil {
		return req, failWrap(KindTemplate, err, "form")
	}
	if req.Multipart, err = stringMap(p.Multipart); err != nil {
		return req, failWrap(KindTemplate, err, "multipart")
	}
	switch data := p.Data.(type) {
	case nil:
	case string:
		req.Body = data
	default:
		req.JSON = data
	}

	for _, n := range []struct {
		name string
		num  schema.Num
		dst  *int
	}{
		{"max_redirects", p.MaxRedirects, &req.MaxRedirects},
		{"max_retries", p.MaxRetries, &req.MaxRetries},
	} {
		if !n.num.Set() {
			continue
		}
		v, err := n.num.Int()
		if err != nil {
			return req, failWrap(KindTemplate, err, "%s %q", n.name, n.num)
		}
		*n.dst = v
	}
	if p.TimeoutMs.Set() {
		ms, err := p.TimeoutMs.Int()
		if err != nil {
			return req, failWrap(KindTemplate, err, "timeout_ms %q", p.TimeoutMs)
		}
		req.Timeout = msDuration(ms)
	}
	return req, nil
}

// objectValue accepts a map or a JSON object string.
func objectValue(v any) (map[string]any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(val), &m); err != nil {
			return nil, fmt.Errorf("expected a JSON object: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("expected an object, got %T", v)
	}
}

// stringMap flattens an object to string values. Nested values are rendered
// as JSON.
func stringMap(v any) (map[string]string, error) {
	m, err := objectValue(v)
	if err != nil || m == nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, item := range m {
		switch val := item.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case map[string]any, []any:
			data, _ := json.Marshal(val)
			out[k] = string(data)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func appendQuery(u, query string) string {
	query = strings.TrimPrefix(strings.TrimSpace(query), "?")
	if strings.Contains(u, "?") {
		return u + "&" + query
	}
	return u + "?" + query
}
