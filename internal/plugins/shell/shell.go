package shellplugin

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alexisbeaulieu97/mtt/internal/config"
	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	"github.com/alexisbeaulieu97/mtt/internal/resultlog"
)

const (
	Category = "Build"
	Name     = "Shell"
)

type shellPlugin struct {
	plugin.BasePlugin
}

// New creates the Shell build tool.
func New() plugin.Plugin {
	return &shellPlugin{}
}

var _ plugin.Plugin = (*shellPlugin)(nil)

func (p *shellPlugin) Describe() plugin.Descriptor {
	return plugin.Descriptor{
		Kind:     plugin.KindTool,
		Category: Category,
		Name:     Name,
		Options:  Schema(),
	}
}

// Schema is the option schema of Shell. DefaultTestBuild accepts the same
// options and delegates here.
func Schema() plugin.Schema {
	return append(plugin.Schema{
		{Name: "middleware", Description: "Middleware section these tests are built against"},
		{Name: "command", Description: "Command to execute in the parent's location"},
	}, OutputOptions()...)
}

// OutputOptions are the capture and expectation options of plugins that run
// a command.
func OutputOptions() plugin.Schema {
	return plugin.Schema{
		{Name: "merge_stdout_stderr", Default: false, Description: "Merge stdout and stderr into one output stream"},
		{Name: "stdout_save_lines", Default: -1, Description: "Number of lines of stdout to save"},
		{Name: "stderr_save_lines", Default: -1, Description: "Number of lines of stderr to save"},
		{Name: "fail_test", Default: false, Description: "The command is expected to fail"},
		{Name: "fail_returncode", Description: "Exit status expected when fail_test is set"},
	}
}

func (p *shellPlugin) Execute(ctx context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	command := strings.TrimSpace(params.String("command"))
	if command == "" {
		rec.Fail(model.StatusFailed, "No command specified")
		return
	}
	parent := params.String(plugin.KeyParent)
	if parent == "" {
		rec.Fail(model.StatusFailed, "Parent not specified")
		return
	}
	prior, ok := rc.Log().Get(config.ParseTitle(parent).Name)
	if !ok {
		rec.Fail(model.StatusFailed, "Parent %s log not found", parent)
		return
	}
	location, ok := prior.GetString(model.DataLocation)
	if !ok {
		rec.Fail(model.StatusFailed, "Location of package to build was not specified in parent stage")
		return
	}
	expect, err := ExpectationFrom(params)
	if err != nil {
		rec.Fail(model.StatusFailed, "%v", err)
		return
	}

	env := rc.Env().Clone()
	if mw := params.String("middleware"); mw != "" {
		rec.Set(model.DataMiddleware, mw)
		if dirs, ok := MiddlewarePaths(rc.Log(), mw); ok {
			for key, list := range dirs {
				env.Prepend(key, list...)
			}
			rec.Set(model.DataPrepend, dirs)
		}
	}

	if rc.Options().DryRun {
		rec.Status = model.StatusSuccess
		rec.Set(model.DataLocation, location)
		return
	}

	res := rc.Runner().Run(ctx, Command(rec.Section, command, location, env, params))
	expect.Record(rec, res)
	if rec.Status == model.StatusSuccess {
		rec.Set(model.DataLocation, location)
	}
}

// Command builds a shell command honouring the output options.
func Command(section, script, dir string, env *execcmd.Overlay, params plugin.Params) execcmd.Command {
	return execcmd.Command{
		Section:           section,
		Shell:             script,
		Dir:               dir,
		Env:               env,
		MergeStdoutStderr: params.Bool("merge_stdout_stderr"),
		StdoutSaveLines:   params.Int("stdout_save_lines"),
		StderrSaveLines:   params.Int("stderr_save_lines"),
	}
}

// MiddlewarePaths returns the bin and lib directories under the location
// recorded by section.
func MiddlewarePaths(log *resultlog.Log, section string) (map[string][]string, bool) {
	rec, ok := log.Get(config.ParseTitle(section).Name)
	if !ok {
		return nil, false
	}
	location, ok := rec.GetString(model.DataLocation)
	if !ok {
		return nil, false
	}
	return map[string][]string{
		"PATH":            {filepath.Join(location, "bin")},
		"LD_LIBRARY_PATH": {filepath.Join(location, "lib")},
	}, true
}

// Expectation holds the fail_test and fail_returncode options.
type Expectation struct {
	FailTest   bool
	ReturnCode *int
}

// ExpectationFrom reads the expectation options.
func ExpectationFrom(params plugin.Params) (Expectation, error) {
	e := Expectation{FailTest: params.Bool("fail_test")}
	if params.Has("fail_returncode") {
		raw := strings.TrimSpace(params.String("fail_returncode"))
		code, err := strconv.Atoi(raw)
		if err != nil {
			return e, fmt.Errorf("fail_returncode %q is not a number", raw)
		}
		e.ReturnCode = &code
	}
	return e, nil
}

// Met reports whether status satisfies the expectation.
func (e Expectation) Met(status int) bool {
	switch {
	case !e.FailTest:
		return status == model.StatusSuccess
	case e.ReturnCode == nil:
		return status != model.StatusSuccess
	default:
		return status == *e.ReturnCode
	}
}

// Record copies the output of res onto rec and sets its status from the
// expectation. An unmet expectation on a zero exit is recorded as status 1.
func (e Expectation) Record(rec *model.ExecutionRecord, res execcmd.Result) {
	rec.Stdout = append(rec.Stdout, res.Stdout...)
	rec.Stderr = append(rec.Stderr, res.Stderr...)
	if e.Met(res.Status) {
		rec.Status = model.StatusSuccess
		return
	}
	if res.Status == model.StatusSuccess {
		rec.Status = model.StatusFailed
		return
	}
	rec.Status = res.Status
}
