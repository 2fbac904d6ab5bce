package browser

import (
	"fmt"
	"strings"
)

// PlaywrightSelector renders t as a Playwright selector-engine string.
func PlaywrightSelector(t Target) string {
	sel := strings.TrimSpace(t.Selector)
	switch t.kind() {
	case KindText:
		if t.Exact {
			return fmt.Sprintf("text=%q", sel)
		}
		return "text=" + sel
	case KindXPath:
		return "xpath=" + strings.TrimPrefix(sel, "xpath=")
	case KindID:
		return "#" + strings.TrimPrefix(sel, "#")
	case KindName:
		return fmt.Sprintf("[name=%q]", sel)
	case KindTestID:
		return fmt.Sprintf("[data-testid=%q]", sel)
	default:
		return sel
	}
}

// XPathSelector renders t as an XPath expression. It is used by drivers
// without a text or test-id selector engine.
func XPathSelector(t Target) string {
	sel := strings.TrimSpace(t.Selector)
	switch t.kind() {
	case KindXPath:
		return strings.TrimPrefix(sel, "xpath=")
	case KindText:
		if t.Exact {
			return fmt.Sprintf("//*[normalize-space(text())=%s]", xpathLiteral(sel))
		}
		return fmt.Sprintf("//*[contains(normalize-space(.), %s) and not(*[contains(normalize-space(.), %s)])]", xpathLiteral(sel), xpathLiteral(sel))
	default:
		return ""
	}
}

// CSSSelector renders t as CSS, or "" when the kind has no CSS form.
func CSSSelector(t Target) string {
	sel := strings.TrimSpace(t.Selector)
	switch t.kind() {
	case KindCSS:
		return sel
	case KindID:
		return "#" + strings.TrimPrefix(sel, "#")
	case KindName:
		return fmt.Sprintf("[name=%q]", sel)
	case KindTestID:
		return fmt.Sprintf("[data-testid=%q]", sel)
	default:
		return ""
	}
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	var b strings.Builder
	b.WriteString("concat(")
	for i, p := range parts {
		if i > 0 {
			b.WriteString(`, '"', `)
		}
		b.WriteString(`"` + p + `"`)
	}
	b.WriteString(")")
	return b.String()
}
