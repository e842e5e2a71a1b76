package notify

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Mustache-like substitution: {{var}}, {{var|default}}, list blocks
// {{#list}}...{{/list}} binding {{item}} and {{index}}, and optional blocks
// {{?var}}...{{/var}} rendered iff the variable is truthy. Rendering is
// deterministic for identical inputs.

var (
	listBlockRe     = regexp.MustCompile(`(?s)\{\{#(\w+)\}\}(.*?)\{\{/(\w+)\}\}`)
	optionalBlockRe = regexp.MustCompile(`(?s)\{\{\?(\w+)\}\}(.*?)\{\{/(\w+)\}\}`)
	variableRe      = regexp.MustCompile(`\{\{(\w+)(?:\|([^}]*))?\}\}`)
)

// Render substitutes vars into a template.
func Render(template string, vars map[string]interface{}) string {
	out := listBlockRe.ReplaceAllStringFunc(template, func(match string) string {
		parts := listBlockRe.FindStringSubmatch(match)
		if parts[1] != parts[3] {
			return match
		}
		return renderList(parts[2], vars[parts[1]])
	})

	out = optionalBlockRe.ReplaceAllStringFunc(out, func(match string) string {
		parts := optionalBlockRe.FindStringSubmatch(match)
		if parts[1] != parts[3] {
			return match
		}
		if isTruthy(vars[parts[1]]) {
			return renderVariables(parts[2], vars)
		}
		return ""
	})

	return renderVariables(out, vars)
}

func renderList(body string, value interface{}) string {
	items := toSlice(value)
	var sb strings.Builder
	for i, item := range items {
		scoped := map[string]interface{}{
			"item":  item,
			"index": i + 1,
		}
		sb.WriteString(renderVariables(body, scoped))
	}
	return sb.String()
}

func renderVariables(body string, vars map[string]interface{}) string {
	return variableRe.ReplaceAllStringFunc(body, func(match string) string {
		parts := variableRe.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		value, ok := vars[name]
		if !ok || !isTruthy(value) {
			return fallback
		}
		return stringify(value)
	})
}

func toSlice(value interface{}) []interface{} {
	if value == nil {
		return nil
	}
	v := reflect.ValueOf(value)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil
	}
	out := make([]interface{}, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[i] = v.Index(i).Interface()
	}
	return out
}

func isTruthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array || rv.Kind() == reflect.Map {
			return rv.Len() > 0
		}
		return true
	}
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", value)
	}
}
