package plugin

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/alexisbeaulieu97/mtt/internal/config"
	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	mtterrors "github.com/alexisbeaulieu97/mtt/pkg/errors"
)

// DeclarativeSuffix identifies plugin description files in a search root.
const DeclarativeSuffix = ".mtt.yaml"

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// DeclarativeSpec is the on-disk form of a plugin that runs command
// templates.
type DeclarativeSpec struct {
	Kind        Kind                `yaml:"kind" validate:"omitempty,oneof=stage tool utility"`
	Category    string              `yaml:"category" validate:"required,ident"`
	Name        string              `yaml:"name" validate:"required,ident"`
	Priority    int                 `yaml:"priority"`
	Ordering    int                 `yaml:"ordering" validate:"gte=0"`
	Description string              `yaml:"description"`
	Action      string              `yaml:"action"`
	Options     []DeclarativeOption `yaml:"options" validate:"dive"`
}

// DeclarativeOption is one schema entry. When Action is set it runs after
// the plugin-level action whenever the option resolves to a non-empty,
// non-false value.
type DeclarativeOption struct {
	Name        string `yaml:"name" validate:"required"`
	Default     any    `yaml:"default"`
	Description string `yaml:"description"`
	Action      string `yaml:"action"`
}

// DeclarativePlugin executes the templates of a DeclarativeSpec through the
// command wrapper.
type DeclarativePlugin struct {
	BasePlugin
	spec    DeclarativeSpec
	source  string
	action  *template.Template
	actions map[string]*template.Template
}

// NewDeclarativePlugin validates spec and compiles its templates.
func NewDeclarativePlugin(spec DeclarativeSpec, source string) (*DeclarativePlugin, error) {
	if spec.Kind == "" {
		spec.Kind = KindTool
	}
	if err := config.GetValidator().Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid plugin description: %w", err)
	}

	p := &DeclarativePlugin{spec: spec, source: source, actions: map[string]*template.Template{}}
	if spec.Action != "" {
		t, err := parseAction(spec.Name, spec.Action)
		if err != nil {
			return nil, err
		}
		p.action = t
	}
	for _, opt := range spec.Options {
		if opt.Action == "" {
			continue
		}
		t, err := parseAction(spec.Name+"."+opt.Name, opt.Action)
		if err != nil {
			return nil, err
		}
		p.actions[opt.Name] = t
	}
	if p.action == nil && len(p.actions) == 0 {
		return nil, fmt.Errorf("plugin '%s' declares no action", spec.Name)
	}
	if err := p.Describe().Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseAction(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse action of %s: %w", name, err)
	}
	return t, nil
}

// Describe implements Plugin.
func (p *DeclarativePlugin) Describe() Descriptor {
	schema := make(Schema, 0, len(p.spec.Options))
	for _, opt := range p.spec.Options {
		schema = append(schema, Option{
			Name:        opt.Name,
			Default:     normalizeDefault(opt.Default),
			Description: opt.Description,
			Action:      opt.Action,
		})
	}
	return Descriptor{
		Kind:     p.spec.Kind,
		Category: p.spec.Category,
		Name:     p.spec.Name,
		Priority: p.spec.Priority,
		Ordering: p.spec.Ordering,
		Options:  schema,
		Source:   p.source,
	}
}

// yaml decodes lists as []any; schema defaults of list type are []string.
func normalizeDefault(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]string, len(list))
	for i, item := range list {
		out[i] = fmt.Sprint(item)
	}
	return out
}

// Execute implements Plugin.
func (p *DeclarativePlugin) Execute(ctx context.Context, rec *model.ExecutionRecord, params Params, rc RunContext) {
	data := make(map[string]any, len(params)+2)
	for k, v := range params {
		data[k] = v
	}
	data["section"] = rec.Section
	data["scratch"] = rc.Options().Scratch

	var commands []string
	if p.action != nil {
		cmd, err := render(p.action, data)
		if err != nil {
			rec.Fail(model.StatusFailed, "%v", err)
			return
		}
		commands = append(commands, cmd)
	}
	for _, opt := range p.spec.Options {
		t, ok := p.actions[opt.Name]
		if !ok || !enabled(params[opt.Name]) {
			continue
		}
		cmd, err := render(t, data)
		if err != nil {
			rec.Fail(model.StatusFailed, "%v", err)
			return
		}
		commands = append(commands, cmd)
	}

	rec.Status = model.StatusSuccess
	for _, command := range commands {
		res := rc.Runner().Run(ctx, execcmd.Command{
			Section: rec.Section,
			Shell:   command,
			Env:     rc.Env(),
		})
		rec.Stdout = append(rec.Stdout, res.Stdout...)
		rec.Stderr = append(rec.Stderr, res.Stderr...)
		if !res.Succeeded() {
			rec.Status = res.Status
			return
		}
	}
}

func render(t *template.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render action %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func enabled(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		return typed != "" && !strings.EqualFold(typed, "false")
	default:
		return true
	}
}

// LoadDeclarative decodes and validates one plugin description file.
func LoadDeclarative(path string) (*DeclarativePlugin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mtterrors.NewParseError(path, 0, err)
	}
	var spec DeclarativeSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, mtterrors.NewParseError(path, extractLine(err), err)
	}
	p, err := NewDeclarativePlugin(spec, path)
	if err != nil {
		return nil, mtterrors.NewParseError(path, 0, err)
	}
	return p, nil
}

func extractLine(err error) int {
	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}
	var line int
	if _, scanErr := fmt.Sscanf(matches[1], "%d", &line); scanErr != nil {
		return 0
	}
	return line
}

// AddSearchRoot registers every declarative plugin found under dir, in
// lexical path order. Plugins already registered from an earlier root are
// shadowed. It returns the number of plugins added.
func (r *Registry) AddSearchRoot(dir string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, mtterrors.NewPluginError("", fmt.Errorf("plugin directory %s: %w", dir, err))
	}
	if !info.IsDir() {
		return 0, mtterrors.NewPluginError("", fmt.Errorf("plugin directory %s is not a directory", dir))
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), DeclarativeSuffix) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, mtterrors.NewPluginError("", fmt.Errorf("scan %s: %w", dir, err))
	}
	sort.Strings(files)

	added := 0
	for _, path := range files {
		p, err := LoadDeclarative(path)
		if err != nil {
			return added, err
		}
		ok, err := r.Register(p, dir)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	r.logger.Debugf("loaded %d plugins from %s", added, dir)
	return added, nil
}
