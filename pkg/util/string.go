package util

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// ExpandTemplate replaces {{name}} placeholders with values from vars.
// Unknown placeholders are left as written.
func ExpandTemplate(tmpl string, vars map[string]string) string {
	if tmpl == "" || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}

// BuiltinVars returns the variables every template can reference.
func BuiltinVars(now time.Time, workflowName string) map[string]string {
	return map[string]string{
		"date":     now.Format("2006-01-02"),
		"time":     now.Format("15:04"),
		"weekday":  now.Weekday().String(),
		"workflow": workflowName,
	}
}

// TruncateRunes shortens s to at most limit runes, ending with an ellipsis
// when something was cut.
func TruncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	if limit == 1 {
		return string(runes[:1])
	}
	return strings.TrimRight(string(runes[:limit-1]), " \n") + "…"
}
