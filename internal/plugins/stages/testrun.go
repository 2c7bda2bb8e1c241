package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/mtt/internal/config"
	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	shellplugin "github.com/alexisbeaulieu97/mtt/internal/plugins/shell"
	"github.com/alexisbeaulieu97/mtt/internal/watchdog"
	"github.com/alexisbeaulieu97/mtt/pkg/diff"
)

// SkippedStatus is the exit status a test uses to report it did not apply.
const SkippedStatus = 77

type testRun struct {
	plugin.BasePlugin
}

// NewTestRun creates the default TestRun stage.
//
// Without a tests list the command runs once and the section is the single
// test. With one, each test is run in the parent's location, prefixed by the
// command when one is given (typically a launcher such as "mpirun -np 4").
func NewTestRun() plugin.Plugin {
	return &testRun{}
}

func (p *testRun) Describe() plugin.Descriptor {
	return stage("TestRun", append(plugin.Schema{
		{Name: "command", Description: "Command, or launcher prefix when tests are listed"},
		{Name: "tests", Default: []string{}, Description: "Test executables to run, relative to the parent's location"},
		{Name: "timeout", Description: "Per-test time limit, e.g. 90, 1:30 or 2m"},
		{Name: "skipped", Default: SkippedStatus, Description: "Exit status a test returns when it was skipped"},
		{Name: "expected_output", Description: "File whose contents each test's stdout must match"},
	}, shellplugin.OutputOptions()...))
}

func (p *testRun) Execute(ctx context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	command := strings.TrimSpace(params.String("command"))
	tests := params.Strings("tests")
	if command == "" && len(tests) == 0 {
		rec.Fail(model.StatusFailed, "No command or tests specified")
		return
	}

	expect, err := shellplugin.ExpectationFrom(params)
	if err != nil {
		rec.Fail(model.StatusFailed, "%v", err)
		return
	}
	var timeout time.Duration
	if raw := params.String("timeout"); raw != "" {
		if timeout, err = watchdog.ParseDuration(raw); err != nil {
			rec.Fail(model.StatusFailed, "invalid timeout: %v", err)
			return
		}
	}
	var expected []byte
	if file := params.String("expected_output"); file != "" {
		if expected, err = os.ReadFile(file); err != nil {
			rec.Fail(model.StatusFailed, "read expected output: %v", err)
			return
		}
	}

	location := rc.Options().Scratch
	if parent := params.String(plugin.KeyParent); parent != "" {
		if prior, ok := rc.Log().Get(config.ParseTitle(parent).Name); ok {
			if loc, ok := prior.GetString(model.DataLocation); ok {
				location = loc
			}
		}
	}

	run := func(name, script string) model.TestResult {
		c := shellplugin.Command(rec.Section, script, location, rc.Env(), params)
		c.Timeout = timeout
		res := rc.Runner().Run(ctx, c)
		return judge(name, res, expect, params.Int("skipped"), expected)
	}

	var results []model.TestResult
	if len(tests) == 0 {
		results = append(results, run(rec.Section, command))
	} else {
		for _, test := range tests {
			if ctx.Err() != nil {
				break
			}
			script := test
			if !filepath.IsAbs(test) && !strings.Contains(test, "/") {
				script = "./" + test
			}
			if command != "" {
				script = command + " " + script
			}
			results = append(results, run(test, script))
		}
	}

	rec.Status = model.StatusSuccess
	var passed, failed, skipped int
	for _, r := range results {
		switch {
		case r.Skipped:
			skipped++
		case r.Status == model.StatusSuccess:
			passed++
		default:
			failed++
			if rec.Status == model.StatusSuccess {
				rec.Status = r.Status
			}
		}
		if len(tests) == 0 {
			rec.Stdout = append(rec.Stdout, r.Stdout...)
			rec.Stderr = append(rec.Stderr, r.Stderr...)
		} else if !r.Passed() && !r.Skipped {
			rec.Stderr = append(rec.Stderr, fmt.Sprintf("%s: status %d", r.Name, r.Status))
		}
	}
	rec.Set(model.DataTests, results)
	rec.Set(model.DataLocation, location)
	rec.Stdout = append(rec.Stdout, fmt.Sprintf("%d passed, %d failed, %d skipped", passed, failed, skipped))
}

// judge turns one command result into a TestResult. A zero exit whose stdout
// differs from expected fails with the diff on stderr.
func judge(name string, res execcmd.Result, expect shellplugin.Expectation, skipCode int, expected []byte) model.TestResult {
	r := model.TestResult{
		Name:    name,
		Stdout:  res.Stdout,
		Stderr:  res.Stderr,
		Elapsed: res.Elapsed,
		Time:    res.Elapsed.Seconds(),
	}
	switch {
	case res.TimedOut:
		r.Status = model.StatusFailed
		r.Stderr = append(r.Stderr, fmt.Sprintf("%s timed out", name))
	case skipCode != 0 && res.Status == skipCode:
		r.Status = model.StatusSuccess
		r.Skipped = true
	case expect.Met(res.Status):
		r.Status = model.StatusSuccess
	case res.Status == model.StatusSuccess:
		r.Status = model.StatusFailed
	default:
		r.Status = res.Status
	}

	if r.Status == model.StatusSuccess && !r.Skipped && expected != nil && !res.DryRun {
		actual := []byte(strings.Join(res.Stdout, "\n") + "\n")
		if d := diff.GenerateUnifiedDiff(expected, actual, "expected", name); d != "" {
			r.Status = model.StatusFailed
			r.Stderr = append(r.Stderr, strings.Split(strings.TrimRight(d, "\n"), "\n")...)
		}
	}
	return r
}
