package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	mtterrors "github.com/alexisbeaulieu97/mtt/pkg/errors"
)

// maxDepth bounds nested references, which also catches self references.
const maxDepth = 10

// LogLookup reads values recorded by sections that already ran.
type LogLookup interface {
	Lookup(section, path string) (string, bool)
}

// Interpolator expands ${SECTION:KEY}, ${KEY}, ${ENV:NAME} and
// ${LOG:Section.path} references. $$ is a literal dollar sign.
type Interpolator struct {
	def *Definition
	log LogLookup
	env func(string) (string, bool)
}

// Interpolator returns an expander reading the result log through log, which
// may be nil before any section ran.
func (d *Definition) Interpolator(log LogLookup) *Interpolator {
	return &Interpolator{def: d, log: log, env: os.LookupEnv}
}

// WithEnv replaces the process environment lookup.
func (i *Interpolator) WithEnv(fn func(string) (string, bool)) *Interpolator {
	i.env = fn
	return i
}

// Params returns the parameters of sec with every value expanded.
func (i *Interpolator) Params(sec *Section) ([]model.Param, error) {
	out := make([]model.Param, len(sec.Params))
	for idx, p := range sec.Params {
		v, err := i.expand(sec, p.Value, 0)
		if err != nil {
			return nil, err
		}
		out[idx] = model.Param{Key: p.Key, Value: v}
	}
	return out, nil
}

// Value expands one key of the section titled title.
func (i *Interpolator) Value(title, key string) (string, error) {
	sec, ok := i.def.Section(title)
	if !ok {
		return "", mtterrors.NewConfigError(title, "no such section", nil)
	}
	raw, ok := sec.Param(key)
	if !ok {
		raw, ok = i.def.defaults[key]
	}
	if !ok {
		return "", mtterrors.NewConfigError(sec.Name, fmt.Sprintf("no option '%s'", key), nil)
	}
	return i.expand(sec, raw, 0)
}

// Expand interpolates text in the context of sec.
func (i *Interpolator) Expand(sec *Section, text string) (string, error) {
	return i.expand(sec, text, 0)
}

func (i *Interpolator) expand(sec *Section, text string, depth int) (string, error) {
	if !strings.Contains(text, "$") {
		return text, nil
	}
	if depth > maxDepth {
		return "", mtterrors.NewConfigError(sec.Name, "interpolation depth exceeded", fmt.Errorf("in %q", text))
	}

	var b strings.Builder
	for pos := 0; pos < len(text); {
		c := text[pos]
		if c != '$' || pos+1 >= len(text) {
			b.WriteByte(c)
			pos++
			continue
		}
		switch text[pos+1] {
		case '$':
			b.WriteByte('$')
			pos += 2
		case '{':
			end := strings.IndexByte(text[pos:], '}')
			if end < 0 {
				return "", mtterrors.NewConfigError(sec.Name, "unterminated reference", fmt.Errorf("in %q", text))
			}
			ref := text[pos+2 : pos+end]
			v, err := i.resolve(sec, ref, depth)
			if err != nil {
				return "", err
			}
			b.WriteString(v)
			pos += end + 1
		default:
			b.WriteByte(c)
			pos++
		}
	}
	return b.String(), nil
}

func (i *Interpolator) resolve(sec *Section, ref string, depth int) (string, error) {
	if rest, ok := strings.CutPrefix(ref, SectionLOG+":"); ok {
		return i.resolveLog(sec, rest)
	}

	target := sec
	key := ref
	if idx := strings.LastIndex(ref, ":"); idx >= 0 {
		name, k := ref[:idx], ref[idx+1:]
		key = k
		if name == SectionENV {
			return i.resolveEnv(sec, k)
		}
		found, ok := i.def.Section(name)
		if !ok {
			return "", unresolved(sec, ref)
		}
		target = found
	}

	raw, ok := target.Param(key)
	if !ok {
		raw, ok = i.def.defaults[key]
	}
	if !ok {
		return "", unresolved(sec, ref)
	}
	return i.expand(target, raw, depth+1)
}

func (i *Interpolator) resolveEnv(sec *Section, name string) (string, error) {
	if i.env != nil {
		if v, ok := i.env(name); ok {
			return v, nil
		}
	}
	if v, ok := i.def.env[name]; ok {
		return v, nil
	}
	return "", unresolved(sec, SectionENV+":"+name)
}

// resolveLog splits "Title.path" at the first dot after which the title
// names a recorded section.
func (i *Interpolator) resolveLog(sec *Section, rest string) (string, error) {
	if i.log != nil {
		for idx := 0; idx < len(rest); idx++ {
			if rest[idx] != '.' {
				continue
			}
			if v, ok := i.log.Lookup(rest[:idx], rest[idx+1:]); ok {
				return v, nil
			}
		}
	}
	return "", unresolved(sec, SectionLOG+":"+rest)
}

func unresolved(sec *Section, ref string) error {
	return mtterrors.NewConfigError(sec.Name, fmt.Sprintf("unresolved reference ${%s}", ref), nil)
}
