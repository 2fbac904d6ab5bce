package eval

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var indexRe = regexp.MustCompile(`\[(\d+)\]`)

// JSONPath looks up a simplified JSONPath expression in doc. Supported forms
// are "$", "$.a.b" and "$.a[0].b"; the leading "$." is optional. Objects and
// arrays come back as compact JSON text, null as "", booleans as
// "true"/"false" and other scalars as their text.
func JSONPath(doc, path string) (string, bool) {
	if !gjson.Valid(doc) {
		return "", false
	}
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimPrefix(p, ".")
	if p == "" {
		return render(gjson.Parse(doc)), true
	}

	res := gjson.Get(doc, gjsonPath(p))
	if !res.Exists() {
		return "", false
	}
	return render(res), true
}

func render(res gjson.Result) string {
	switch res.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return res.Str
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	case gjson.JSON:
		return compact(res.Raw)
	default:
		return res.Raw
	}
}

func gjsonPath(p string) string {
	p = indexRe.ReplaceAllString(p, ".$1")
	parts := strings.Split(p, ".")
	out := parts[:0]
	for _, part := range parts {
		if part == "" {
			continue
		}
		out = append(out, escapeKey(part))
	}
	return strings.Join(out, ".")
}

// escapeKey protects gjson's modifier and wildcard characters inside keys.
func escapeKey(k string) string {
	var b strings.Builder
	for _, r := range k {
		switch r {
		case '*', '?', '|', '#', '@', '!', '=', '<', '>', '%', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func compact(raw string) string {
	return gjson.Get(raw, "@ugly").Raw
}
