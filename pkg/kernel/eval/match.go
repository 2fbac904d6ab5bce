package eval

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrNoPlaceholders is returned when a pattern has nothing to capture.
var ErrNoPlaceholders = errors.New("pattern must contain placeholders like {{name}}")

var captureRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Pattern is a compiled inverse template.
type Pattern struct {
	source string
	names  []string
	re     *regexp.Regexp
	// anchors[i] holds the literals adjacent to capture i, compiled so they
	// only match where they could have split the input.
	anchors [][]*regexp.Regexp
}

// CompilePattern turns a template such as "{{email}};{{password}}" into a
// whole-string matcher. Literal text is a required anchor. Whitespace runs in
// the template match zero or more whitespace characters, except a
// whitespace-only separator between two captures, which needs at least one.
func CompilePattern(tmpl string) (*Pattern, error) {
	locs := captureRe.FindAllStringSubmatchIndex(tmpl, -1)
	if len(locs) == 0 {
		return nil, ErrNoPlaceholders
	}

	literals := make([]string, 0, len(locs)+1)
	p := &Pattern{source: tmpl}
	last := 0
	for _, loc := range locs {
		literals = append(literals, tmpl[last:loc[0]])
		p.names = append(p.names, normalizeName(tmpl[loc[2]:loc[3]]))
		last = loc[1]
	}
	literals = append(literals, tmpl[last:])

	var b strings.Builder
	b.WriteString(`(?s)^`)
	for i, lit := range literals {
		between := i > 0 && i < len(literals)-1
		if between && lit != "" && strings.TrimSpace(lit) == "" {
			b.WriteString(`\s+`)
		} else {
			b.WriteString(anchorExpr(lit))
		}
		if i < len(p.names) {
			b.WriteString(`(.*?)`)
		}
	}
	b.WriteString(`$`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	p.re = re

	p.anchors = make([][]*regexp.Regexp, len(p.names))
	for i := range p.names {
		for _, lit := range literals[i : i+2] {
			if strings.TrimSpace(lit) == "" {
				continue
			}
			re, err := regexp.Compile(`(?s)` + anchorExpr(lit))
			if err != nil {
				return nil, err
			}
			p.anchors[i] = append(p.anchors[i], re)
		}
	}
	return p, nil
}

// Names returns the normalized capture names in template order.
func (p *Pattern) Names() []string {
	return append([]string(nil), p.names...)
}

// String returns the source template.
func (p *Pattern) String() string { return p.source }

// Match applies the pattern to the trimmed input. The whole input must be
// consumed, and no capture may contain a place where a neighbouring literal
// could have split it, so "{{a}};{{b}}" rejects "x;y;z" while
// "{{a}} and {{b}}" still accepts "sandy and bob".
func (p *Pattern) Match(input string) (map[string]string, bool) {
	m := p.re.FindStringSubmatch(strings.TrimSpace(input))
	if m == nil {
		return nil, false
	}
	out := make(map[string]string, len(p.names))
	for i, name := range p.names {
		val := m[i+1]
		for _, a := range p.anchors[i] {
			if a.MatchString(val) {
				return nil, false
			}
		}
		if name == "" {
			continue
		}
		out[name] = strings.TrimSpace(val)
	}
	return out, true
}

// Match compiles tmpl and applies it to input.
func Match(tmpl, input string) (map[string]string, bool) {
	p, err := CompilePattern(tmpl)
	if err != nil {
		return nil, false
	}
	return p.Match(input)
}

// normalizeName keeps the text after the last colon, so "acc:email" and
// "email" both bind to "email".
func normalizeName(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		raw = raw[i+1:]
	}
	return strings.TrimSpace(raw)
}

func literalExpr(lit string) string {
	var b strings.Builder
	inSpace := false
	start := 0
	flush := func(end int) {
		if end > start {
			b.WriteString(regexp.QuoteMeta(lit[start:end]))
		}
	}
	for i, r := range lit {
		if unicode.IsSpace(r) {
			if !inSpace {
				flush(i)
				b.WriteString(`\s*`)
				inSpace = true
			}
			continue
		}
		if inSpace {
			inSpace = false
			start = i
		}
	}
	if !inSpace {
		flush(len(lit))
	}
	return b.String()
}

// anchorExpr renders a literal with flexible whitespace. Where the template
// puts whitespace next to a word character the literal must also sit on a
// word boundary, so " and " never splits "sandy".
func anchorExpr(lit string) string {
	core := strings.TrimSpace(lit)
	if core == "" {
		return literalExpr(lit)
	}
	lead := core[0] != lit[0]
	trail := core[len(core)-1] != lit[len(lit)-1]
	first, _ := utf8.DecodeRuneInString(core)
	last, _ := utf8.DecodeLastRuneInString(core)

	var b strings.Builder
	if lead {
		b.WriteString(`\s*`)
		if isWord(first) {
			b.WriteString(`\b`)
		}
	}
	b.WriteString(literalExpr(core))
	if trail {
		if isWord(last) {
			b.WriteString(`\b`)
		}
		b.WriteString(`\s*`)
	}
	return b.String()
}

// isWord matches the ASCII word class used by \b.
func isWord(r rune) bool {
	return r == '_' || ('0' <= r && r <= '9') || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z')
}
