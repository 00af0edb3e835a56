package engine

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/guildworks/guildflow/pkg/guildflow/core"
)

const (
	templateNow       = "{{now}}"
	templateIncrement = "{{increment}}"
	incrementMarker   = "increment"
	settingPrefix     = "setting:"
)

var templateExpr = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// ContextResolver expands {{path}} templates against an evaluation context.
// A value that is exactly one template keeps its resolved type; templates
// embedded in larger strings are interpolated as text.
type ContextResolver struct {
	settings SettingsProvider
	clock    core.Clock
}

func NewContextResolver(settings SettingsProvider, clock core.Clock) *ContextResolver {
	return &ContextResolver{settings: settings, clock: clock}
}

func (c *ContextResolver) ResolveValue(value any, ctx map[string]any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	switch s {
	case templateNow:
		return c.clock.Now().UTC().Format(time.RFC3339)
	case templateIncrement:
		// Marker applied by the consuming action against current context.
		return incrementMarker
	}
	if m := templateExpr.FindStringSubmatch(s); m != nil && m[0] == s {
		return c.ResolvePath(strings.TrimSpace(m[1]), ctx)
	}
	return templateExpr.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(templateExpr.FindStringSubmatch(match)[1])
		if path == "now" {
			return c.clock.Now().UTC().Format(time.RFC3339)
		}
		return stringifyValue(c.ResolvePath(path, ctx))
	})
}

// ResolveMap resolves every value of a map recursively, descending into
// nested maps and slices.
func (c *ContextResolver) ResolveMap(in map[string]any, ctx map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = c.resolveAny(v, ctx)
	}
	return out
}

func (c *ContextResolver) resolveAny(v any, ctx map[string]any) any {
	switch t := v.(type) {
	case map[string]any:
		return c.ResolveMap(t, ctx)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = c.resolveAny(e, ctx)
		}
		return out
	default:
		return c.ResolveValue(v, ctx)
	}
}

// ResolvePath walks a dotted path through the context. The setting: prefix
// consults the host application settings instead. Missing paths yield nil.
func (c *ContextResolver) ResolvePath(path string, ctx map[string]any) any {
	if strings.HasPrefix(path, settingPrefix) {
		if c.settings == nil {
			return nil
		}
		if v, ok := c.settings.Setting(strings.TrimPrefix(path, settingPrefix)); ok {
			return v
		}
		return nil
	}
	var current any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64, float32, int, int64, int32:
		return fmt.Sprintf("%v", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func decodeJSONMap(s sql.NullString) map[string]any {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return map[string]any{}
	}
	return m
}

func jsonString(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func encodeJSONSlice(list []any) sql.NullString {
	if list == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func encodeStringMap(m map[string]string) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func decodeJSONList(s string) []any {
	var list []any
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil
	}
	return list
}

func encodeJSONMap(m map[string]any) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
