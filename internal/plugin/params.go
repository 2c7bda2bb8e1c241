package plugin

import (
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// Params is the reconciled option map handed to a plugin. Every schema key
// is present; a nil value means "unset".
type Params map[string]any

// Has reports whether key is present with a non-nil value.
func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// String returns the value as a string, "" when unset. Lists are joined
// with commas.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if list, ok := v.([]string); ok {
		return strings.Join(list, ",")
	}
	return cast.ToString(v)
}

// Bool returns the value as a bool.
func (p Params) Bool(key string) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return ParseBool(s)
	}
	return cast.ToBool(v)
}

// Int returns the value as an int, 0 when unset or not numeric.
func (p Params) Int(key string) int {
	return cast.ToInt(p[key])
}

// Float returns the value as a float64.
func (p Params) Float(key string) float64 {
	return cast.ToFloat64(p[key])
}

// Strings returns list values; a scalar string is split on commas.
func (p Params) Strings(key string) []string {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	switch typed := v.(type) {
	case []string:
		return append([]string(nil), typed...)
	case string:
		return SplitList(typed)
	default:
		return cast.ToStringSlice(v)
	}
}

// Keys returns the sorted keys.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone copies the map.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Map returns the params as a plain map for recording on an ExecutionRecord.
func (p Params) Map() map[string]any {
	return map[string]any(p.Clone())
}

// ParseBool accepts true, 1, t, y and yes (any case) as true; everything
// else is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "t", "y", "yes":
		return true
	}
	return false
}

// SplitList splits a comma separated value, dropping surrounding brackets
// and blank entries.
func SplitList(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
