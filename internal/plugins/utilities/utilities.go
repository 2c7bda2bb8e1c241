// Package utilities provides helper plugins that sections call by name:
// environment setup, arbitrary commands, module loads and harasser setup.
package utilities

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/alexisbeaulieu97/mtt/internal/envmod"
	"github.com/alexisbeaulieu97/mtt/internal/harasser"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	shellplugin "github.com/alexisbeaulieu97/mtt/internal/plugins/shell"
	"github.com/alexisbeaulieu97/mtt/internal/watchdog"
)

// Category groups the utility plugins.
const Category = "Utility"

// All returns every utility plugin plus the Harasser tool.
func All() []plugin.Plugin {
	return []plugin.Plugin{
		NewEnviron(),
		NewExecuteCmd(),
		NewModuleCmd(),
		NewHarasser(),
	}
}

type environ struct {
	plugin.BasePlugin
}

// NewEnviron creates the Environ utility. Variables it sets are visible to
// the section itself and to every section naming it as an ancestor.
func NewEnviron() plugin.Plugin {
	return &environ{}
}

func (p *environ) Describe() plugin.Descriptor {
	return plugin.Descriptor{
		Kind:     plugin.KindUtility,
		Category: Category,
		Name:     "Environ",
		Options: plugin.Schema{
			{Name: "set", Default: []string{}, Description: "KEY=VALUE pairs to set"},
			{Name: "prepend", Default: []string{}, Description: "KEY=DIR pairs to put in front of a path list"},
		},
	}
}

func (p *environ) Execute(_ context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	set := make(map[string]string)
	for _, pair := range params.Strings("set") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			rec.Fail(model.StatusFailed, "malformed set entry %q, want KEY=VALUE", pair)
			return
		}
		set[strings.TrimSpace(key)] = value
	}
	prepend := make(map[string][]string)
	for _, pair := range params.Strings("prepend") {
		key, dir, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" || dir == "" {
			rec.Fail(model.StatusFailed, "malformed prepend entry %q, want KEY=DIR", pair)
			return
		}
		key = strings.TrimSpace(key)
		prepend[key] = append(prepend[key], dir)
	}

	env := rc.Env()
	for _, key := range sortedKeys(set) {
		env.Set(key, set[key])
		rec.Stdout = append(rec.Stdout, fmt.Sprintf("%s=%s", key, set[key]))
	}
	for key, dirs := range prepend {
		env.Prepend(key, dirs...)
	}
	if len(set) > 0 {
		rec.Set(model.DataEnviron, set)
	}
	if len(prepend) > 0 {
		rec.Set(model.DataPrepend, prepend)
	}
	rec.Status = model.StatusSuccess
}

type executeCmd struct {
	plugin.BasePlugin
}

// NewExecuteCmd creates the ExecuteCmd utility.
func NewExecuteCmd() plugin.Plugin {
	return &executeCmd{}
}

func (p *executeCmd) Describe() plugin.Descriptor {
	return plugin.Descriptor{
		Kind:     plugin.KindUtility,
		Category: Category,
		Name:     "ExecuteCmd",
		Options: append(plugin.Schema{
			{Name: "cmd", Description: "Command to execute"},
			{Name: "dir", Description: "Working directory; defaults to the scratch directory"},
		}, shellplugin.OutputOptions()...),
	}
}

func (p *executeCmd) Execute(ctx context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	cmd := strings.TrimSpace(params.String("cmd"))
	if cmd == "" {
		rec.Fail(model.StatusFailed, "No command specified")
		return
	}
	expect, err := shellplugin.ExpectationFrom(params)
	if err != nil {
		rec.Fail(model.StatusFailed, "%v", err)
		return
	}
	dir := params.String("dir")
	if dir == "" {
		dir = rc.Options().Scratch
	}
	res := rc.Runner().Run(ctx, shellplugin.Command(rec.Section, cmd, dir, rc.Env(), params))
	expect.Record(rec, res)
}

type moduleCmd struct {
	plugin.BasePlugin
}

// NewModuleCmd creates the ModuleCmd utility. Unlike the modules section
// keys, whose effect ends with the section, the variables a ModuleCmd
// produces are recorded so descendants inherit them.
func NewModuleCmd() plugin.Plugin {
	return &moduleCmd{}
}

func (p *moduleCmd) Describe() plugin.Descriptor {
	return plugin.Descriptor{
		Kind:     plugin.KindUtility,
		Category: Category,
		Name:     "ModuleCmd",
		Options: plugin.Schema{
			{Name: "load", Description: "Modules to load"},
			{Name: "unload", Description: "Modules to unload"},
			{Name: "swap", Description: "Module pairs to swap, as from:to"},
		},
	}
}

func (p *moduleCmd) Execute(ctx context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	req, err := envmod.ParseRequest(params.String("load"), params.String("unload"), params.String("swap"))
	if err != nil {
		rec.Fail(model.StatusFailed, "%v", err)
		return
	}
	if req.Empty() {
		rec.Fail(model.StatusFailed, "No module operation specified")
		return
	}

	before := rc.Env().Vars()
	env := rc.Env().Clone()
	key := rec.Section + "#ModuleCmd"
	err = rc.Modules().Apply(ctx, key, req, env)
	rc.Modules().Detach(key)
	if err != nil {
		rec.Fail(model.StatusFailed, "%v", err)
		return
	}

	changed := make(map[string]string)
	for k, v := range env.Vars() {
		if old, ok := before[k]; !ok || old != v {
			changed[k] = v
		}
	}
	for _, k := range sortedKeys(changed) {
		rc.Env().Set(k, changed[k])
	}
	rec.Set(model.DataEnviron, changed)
	rec.Stdout = append(rec.Stdout, fmt.Sprintf("%d variables changed", len(changed)))
	rec.Status = model.StatusSuccess
}

type harasserTool struct {
	plugin.BasePlugin
}

// NewHarasser creates the Harasser tool. It configures the scripts started
// alongside every later TestRun section.
func NewHarasser() plugin.Plugin {
	return &harasserTool{}
}

func (p *harasserTool) Describe() plugin.Descriptor {
	return plugin.Descriptor{
		Kind:     plugin.KindTool,
		Category: "Harasser",
		Name:     "Harasser",
		Options: plugin.Schema{
			{Name: "trigger_scripts", Description: "Comma-delimited scripts that start a harasser"},
			{Name: "stop_scripts", Description: "Comma-delimited scripts that stop them, matched by position"},
			{Name: "join_timeout", Default: "1", Description: "Seconds to wait for a stopped harasser to exit"},
		},
	}
}

func (p *harasserTool) Execute(_ context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	trigger := harasser.ParseScripts(params.String("trigger_scripts"))
	stop := harasser.ParseScripts(params.String("stop_scripts"))
	if len(trigger) == 0 {
		rec.Fail(model.StatusFailed, "No trigger scripts given")
		return
	}
	if len(trigger) != len(stop) {
		rec.Fail(model.StatusFailed, "%d trigger scripts but %d stop scripts", len(trigger), len(stop))
		return
	}
	join, err := watchdog.ParseDuration(params.String("join_timeout"))
	if err != nil {
		rec.Fail(model.StatusFailed, "invalid join_timeout: %v", err)
		return
	}
	rc.Harasser().Configure(harasser.Config{Trigger: trigger, Stop: stop, JoinTimeout: join})
	rec.Stdout = append(rec.Stdout, fmt.Sprintf("configured %d harassers", len(trigger)))
	rec.Status = model.StatusSuccess
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
