package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	mtterrors "github.com/alexisbeaulieu97/mtt/pkg/errors"
)

var lineRegex = regexp.MustCompile(`line (\d+)`)

var loadOptions = ini.LoadOptions{
	IgnoreInlineComment:        true,
	AllowPythonMultilineValues: true,
	AllowBooleanKeys:           true,
	SpaceBeforeInlineComment:   true,
}

// Load parses one or more INI test definition files. Later files add
// sections and override keys of sections already defined.
func Load(paths ...string) (*Definition, error) {
	if len(paths) == 0 {
		return nil, mtterrors.NewConfigError("", "no test definition file given", nil)
	}

	sources := make([]any, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, mtterrors.NewParseError(path, 0, err)
		}
		if info.IsDir() {
			return nil, mtterrors.NewParseError(path, 0, fmt.Errorf("is a directory"))
		}
		sources = append(sources, path)
	}

	f, err := ini.LoadSources(loadOptions, sources[0], sources[1:]...)
	if err != nil {
		return nil, mtterrors.NewParseError(strings.Join(paths, ","), extractLine(err), err)
	}

	def, err := fromFile(f)
	if err != nil {
		return nil, err
	}
	def.Files = append([]string(nil), paths...)
	return def, nil
}

// Parse reads a test definition from memory. name labels errors.
func Parse(name string, data []byte) (*Definition, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, mtterrors.NewParseError(name, extractLine(err), err)
	}
	def, err := fromFile(f)
	if err != nil {
		return nil, err
	}
	def.Files = []string{name}
	return def, nil
}

func fromFile(f *ini.File) (*Definition, error) {
	def := &Definition{
		env:      map[string]string{},
		defaults: map[string]string{},
	}

	seen := map[string]string{}
	for _, s := range f.Sections() {
		switch s.Name() {
		case ini.DefaultSection:
			for _, k := range s.Keys() {
				def.defaults[k.Name()] = k.Value()
			}
			continue
		case SectionENV:
			for _, k := range s.Keys() {
				def.env[k.Name()] = k.Value()
			}
			continue
		case SectionLOG:
			return nil, mtterrors.NewConfigError(SectionLOG, "section name is reserved", nil)
		}

		title := ParseTitle(s.Name())
		if title.Name == "" {
			return nil, mtterrors.NewConfigError(s.Name(), "section title is empty", nil)
		}
		if !title.Skip {
			if prev, dup := seen[title.Name]; dup {
				return nil, mtterrors.NewConfigError(title.Name,
					fmt.Sprintf("section also defined as [%s]", prev), nil)
			}
			seen[title.Name] = title.Raw
		}

		sec := &Section{Title: title}
		for _, k := range s.Keys() {
			sec.Params = append(sec.Params, model.Param{
				Key:   strings.TrimSpace(k.Name()),
				Value: strings.TrimSpace(k.Value()),
			})
		}
		def.sections = append(def.sections, sec)
	}
	return def, nil
}

func extractLine(err error) int {
	if err == nil {
		return 0
	}

	matches := lineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}

	var line int
	_, scanErr := fmt.Sscanf(matches[1], "%d", &line)
	if scanErr != nil {
		return 0
	}

	return line
}
