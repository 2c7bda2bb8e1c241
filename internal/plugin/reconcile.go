package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	mtterrors "github.com/alexisbeaulieu97/mtt/pkg/errors"
)

// Keys every section may carry regardless of its plugin's schema.
const (
	KeySection = "section"
	KeyPlugin  = "plugin"
	KeyParent  = "parent"
	KeyASIS    = "asis"

	// Environment module requests applied around the plugin call.
	KeyModules       = "modules"
	KeyModulesUnload = "modules_unload"
	KeyModulesSwap   = "modules_swap"
)

var reservedKeys = map[string]struct{}{
	KeySection:       {},
	KeyPlugin:        {},
	KeyParent:        {},
	KeyASIS:          {},
	KeyModules:       {},
	KeyModulesUnload: {},
	KeyModulesSwap:   {},
}

// passthroughKeys are copied into the merged map when authored.
var passthroughKeys = []string{KeyParent, KeyASIS, KeyModules, KeyModulesUnload, KeyModulesSwap}

// Reconcile merges user-authored values with schema defaults.
//
// Every schema key ends up in the result: the user value coerced to the
// type of the schema default, or the default itself when the user left the
// key out or empty. Keys still nil are then filled from defaults (the
// MTTDefaults layer) without overriding anything. Authored keys outside the
// schema that are not reserved make the whole call fail with a
// ConfigError naming them.
func Reconcile(section string, schema Schema, user []model.Param, defaults Params) (Params, error) {
	values := make(map[string]string, len(user))
	for _, p := range user {
		values[p.Key] = p.Value
	}

	merged := make(Params, len(schema)+len(passthroughKeys))
	var coerceErrs []string
	for _, opt := range schema {
		raw, ok := values[opt.Name]
		if !ok || strings.TrimSpace(raw) == "" {
			merged[opt.Name] = opt.Default
			continue
		}
		v, err := Coerce(raw, opt.Default)
		if err != nil {
			coerceErrs = append(coerceErrs, fmt.Sprintf("%s: %v", opt.Name, err))
			continue
		}
		merged[opt.Name] = v
	}
	if len(coerceErrs) > 0 {
		return nil, mtterrors.NewConfigError(section, "invalid option values", fmt.Errorf("%s", strings.Join(coerceErrs, "; ")))
	}

	for _, opt := range schema {
		if merged[opt.Name] != nil {
			continue
		}
		if v, ok := defaults[opt.Name]; ok && v != nil {
			merged[opt.Name] = v
		}
	}

	var unsupported []string
	for key, raw := range values {
		if _, inSchema := schema.Lookup(key); inSchema {
			continue
		}
		if _, reserved := reservedKeys[key]; !reserved {
			unsupported = append(unsupported, key)
			continue
		}
		for _, pass := range passthroughKeys {
			if key == pass {
				merged[key] = raw
			}
		}
	}
	if len(unsupported) > 0 {
		sort.Strings(unsupported)
		return nil, mtterrors.NewUnsupportedOptionsError(section, unsupported)
	}

	return merged, nil
}

// ReconcileInto runs Reconcile and marks rec: on success status 0 and the
// merged options; on failure status 1 with one stderr line per problem.
func ReconcileInto(rec *model.ExecutionRecord, schema Schema, user []model.Param, defaults Params) (Params, error) {
	merged, err := Reconcile(rec.Section, schema, user, defaults)
	if err != nil {
		rec.Status = model.StatusFailed
		var cfgErr *mtterrors.ConfigError
		if errors.As(err, &cfgErr) && len(cfgErr.Keys) > 0 {
			for _, key := range cfgErr.Keys {
				rec.Stderr = append(rec.Stderr, fmt.Sprintf("Option %s is not supported", key))
			}
		} else {
			rec.Stderr = append(rec.Stderr, err.Error())
		}
		return nil, err
	}
	rec.Status = model.StatusSuccess
	rec.Options = merged.Map()
	return merged, nil
}

// Coerce converts raw to the type of def. bool, int and float defaults
// accept their string forms; a value that does not parse as a scalar but is
// written as a bracketed list is coerced element by element. A nil or
// string default keeps the value as text unless it is bracketed.
func Coerce(raw string, def any) (any, error) {
	raw = strings.TrimSpace(raw)
	bracketed := strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]")

	switch def.(type) {
	case bool:
		if !bracketed {
			return ParseBool(raw), nil
		}
		items := SplitList(raw)
		out := make([]bool, len(items))
		for i, item := range items {
			out[i] = ParseBool(item)
		}
		return out, nil

	case int, int64, int32:
		if v, err := cast.ToIntE(raw); err == nil {
			return v, nil
		}
		if !bracketed {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		items := SplitList(raw)
		out := make([]int, len(items))
		for i, item := range items {
			v, err := cast.ToIntE(item)
			if err != nil {
				return nil, fmt.Errorf("list element %q is not an integer", item)
			}
			out[i] = v
		}
		return out, nil

	case float64, float32:
		if v, err := cast.ToFloat64E(raw); err == nil {
			return v, nil
		}
		if !bracketed {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		items := SplitList(raw)
		out := make([]float64, len(items))
		for i, item := range items {
			v, err := cast.ToFloat64E(item)
			if err != nil {
				return nil, fmt.Errorf("list element %q is not a number", item)
			}
			out[i] = v
		}
		return out, nil

	case []string:
		return SplitList(raw), nil

	default:
		if bracketed {
			return SplitList(raw), nil
		}
		return raw, nil
	}
}
