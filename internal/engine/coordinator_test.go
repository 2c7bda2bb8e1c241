package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/mtt/internal/config"
	"github.com/alexisbeaulieu97/mtt/internal/engine"
	"github.com/alexisbeaulieu97/mtt/internal/envmod"
	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
	"github.com/alexisbeaulieu97/mtt/internal/harasser"
	"github.com/alexisbeaulieu97/mtt/internal/metrics"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	mtterrors "github.com/alexisbeaulieu97/mtt/pkg/errors"
)

type hook func(ctx context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext)

type stub struct {
	plugin.BasePlugin
	desc        plugin.Descriptor
	h           *harness
	deactivated atomic.Int32
}

func (s *stub) Describe() plugin.Descriptor { return s.desc }

func (s *stub) Deactivate() error {
	s.deactivated.Add(1)
	return s.BasePlugin.Deactivate()
}

func (s *stub) Execute(ctx context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	s.h.mu.Lock()
	s.h.order = append(s.h.order, rec.Section)
	fn := s.h.hooks[rec.Section]
	s.h.mu.Unlock()

	if fn != nil {
		fn(ctx, rec, params, rc)
	}
}

type harness struct {
	reg   *plugin.Registry
	stubs map[string]*stub

	mu    sync.Mutex
	order []string
	hooks map[string]hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:   plugin.NewRegistry(nil),
		stubs: make(map[string]*stub),
		hooks: make(map[string]hook),
	}
	schemas := map[string]plugin.Schema{
		plugin.CategoryMTTDefaults: {{Name: "trial", Default: false}},
		plugin.CategoryTestBuild:   {{Name: "fail", Default: false}},
		plugin.CategoryTestRun:     {{Name: "command", Default: nil}, {Name: "np", Default: 1}},
		plugin.CategoryReporter:    nil,
	}
	for category, schema := range schemas {
		s := &stub{h: h, desc: plugin.Descriptor{
			Kind:     plugin.KindStage,
			Category: category,
			Name:     plugin.DefaultName(category),
			Options:  schema,
		}}
		h.stubs[category] = s
		h.reg.MustRegister(s)
	}
	return h
}

func (h *harness) on(section string, fn hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[section] = fn
}

func (h *harness) executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func newCoordinator(t *testing.T, h *harness, ini string, mutate func(*engine.Config)) *engine.Coordinator {
	t.Helper()
	def, err := config.Parse("test.ini", []byte(ini))
	require.NoError(t, err)

	cfg := engine.Config{
		Definition: def,
		Registry:   h.reg,
		Options: model.RunOptions{
			ExecutionID: "test",
			Scratch:     t.TempDir(),
		},
		Metrics: metrics.New(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := engine.New(cfg)
	require.NoError(t, err)
	return c
}

func record(t *testing.T, c *engine.Coordinator, title string) *model.ExecutionRecord {
	t.Helper()
	rec, ok := c.Log().Get(title)
	require.True(t, ok, "no record for %s", title)
	return rec
}

func TestRunFollowsStageOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := newCoordinator(t, h, `
[Reporter:text]
[TestRun:a]
command = ./a.out
[TestBuild:a]
[MTTDefaults]
trial = 1
`, nil)

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, summary.Status)
	require.Equal(t, 1, summary.Passes)
	require.Equal(t, 4, summary.Sections)
	require.Equal(t, []string{"MTTDefaults", "TestBuild:a", "TestRun:a", "Reporter:text"}, h.executed())

	run := record(t, c, "TestRun:a")
	require.Equal(t, "./a.out", run.Options["command"])
	require.Equal(t, "TestRun:DefaultTestRun", run.Data["plugin"])
	require.False(t, run.EndTime.Before(run.StartTime))
}

func TestMTTDefaultsFeedLaterSections(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var seen plugin.Params
	h.on("TestRun:a", func(_ context.Context, _ *model.ExecutionRecord, _ plugin.Params, rc plugin.RunContext) {
		seen = rc.Defaults()
	})
	c := newCoordinator(t, h, `
[MTTDefaults]
trial = yes
[TestRun:a]
`, nil)

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, true, seen["trial"])
}

func TestParentGating(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.on("TestBuild:a", func(_ context.Context, rec *model.ExecutionRecord, _ plugin.Params, _ plugin.RunContext) {
		rec.Fail(3, "compile error")
	})
	c := newCoordinator(t, h, `
[TestBuild:a]
[TestBuild:b]
[TestRun:a]
parent = TestBuild:a
[TestRun:b]
parent = TestBuild:b
`, func(cfg *engine.Config) {
		cfg.Options.SkipSections = []string{"TestBuild:b"}
	})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, summary.Status)
	require.Equal(t, []string{"TestBuild:a"}, h.executed())

	a := record(t, c, "TestRun:a")
	require.Equal(t, 3, a.Status)
	require.Equal(t, []string{"Prior dependent step failed - cannot proceed"}, a.Stderr)

	b := record(t, c, "TestRun:b")
	require.Equal(t, model.StatusFailed, b.Status)
	require.Equal(t, []string{"Prior dependent step did not record a log"}, b.Stderr)
}

func TestStopOnFailAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.on("TestBuild:a", func(_ context.Context, rec *model.ExecutionRecord, _ plugin.Params, _ plugin.RunContext) {
		rec.Fail(2, "broken")
	})
	c := newCoordinator(t, h, `
[TestBuild:a]
[TestRun:a]
[Reporter:text]
`, func(cfg *engine.Config) {
		cfg.Options.StopOnFail = true
	})

	summary, err := c.Run(context.Background())
	require.ErrorIs(t, err, engine.ErrStopOnFail)
	require.Equal(t, model.StatusFailed, summary.Status)
	require.Equal(t, []string{"TestBuild:a"}, h.executed())
}

func TestASISMarkerAddsParam(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var got plugin.Params
	h.on("TestBuild:a", func(_ context.Context, _ *model.ExecutionRecord, params plugin.Params, _ plugin.RunContext) {
		got = params
	})
	c := newCoordinator(t, h, `
[ASIS TestBuild:a]
fail = no
`, nil)

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "true", got[plugin.KeyASIS])

	rec := record(t, c, "TestBuild:a")
	require.Contains(t, rec.Parameters, model.Param{Key: plugin.KeyASIS, Value: "true"})
}

func TestStopSectionEndsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := newCoordinator(t, h, `
[TestBuild:a]
[TestBuild:STOP]
[TestRun:a]
`, func(cfg *engine.Config) {
		cfg.Options.LoopForever = true
	})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.Stopped)
	require.Equal(t, 1, summary.Passes)
	require.Equal(t, []string{"TestBuild:a"}, h.executed())
}

func TestPanicSwitchesToReportingOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.on("TestBuild:a", func(context.Context, *model.ExecutionRecord, plugin.Params, plugin.RunContext) {
		panic("boom")
	})
	c := newCoordinator(t, h, `
[TestBuild:a]
[TestRun:a]
[Reporter:text]
`, nil)

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.ReportingOnly)
	require.True(t, summary.Panicked)
	require.False(t, summary.Interrupted)
	require.Equal(t, model.StatusFailed, summary.Status)
	require.Equal(t, []string{"TestBuild:a", "Reporter:text"}, h.executed())

	rec := record(t, c, "TestBuild:a")
	require.Equal(t, model.StatusFailed, rec.Status)
	require.Equal(t, []string{"Exception was raised: boom"}, rec.Stderr)
	require.GreaterOrEqual(t, h.stubs[plugin.CategoryTestBuild].deactivated.Load(), int32(1))
}

func TestInterruptRunsReporters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.on("TestBuild:a", func(context.Context, *model.ExecutionRecord, plugin.Params, plugin.RunContext) {
		cancel()
	})
	var reporterErr error
	h.on("Reporter:text", func(ctx context.Context, _ *model.ExecutionRecord, _ plugin.Params, _ plugin.RunContext) {
		reporterErr = ctx.Err()
	})
	c := newCoordinator(t, h, `
[TestBuild:a]
[TestRun:a]
[Reporter:text]
`, nil)

	summary, err := c.Run(ctx)
	require.NoError(t, err)
	require.True(t, summary.Interrupted)
	require.Equal(t, model.StatusSuccess, summary.Status)
	require.Equal(t, []string{"TestBuild:a", "Reporter:text"}, h.executed())
	require.NoError(t, reporterErr)

	rec := record(t, c, "TestBuild:a")
	require.Equal(t, model.StatusSuccess, rec.Status)
}

func TestLoopForeverUntilDuration(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.on("TestRun:a", func(context.Context, *model.ExecutionRecord, plugin.Params, plugin.RunContext) {
		time.Sleep(5 * time.Millisecond)
	})
	c := newCoordinator(t, h, `
[TestRun:a]
[Reporter:text]
`, func(cfg *engine.Config) {
		cfg.Options.LoopForever = true
		cfg.Options.Duration = 40 * time.Millisecond
	})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.ReportingOnly)
	require.Greater(t, summary.Passes, 1)

	reporters := 0
	for _, title := range h.executed() {
		if title == "Reporter:text" {
			reporters++
		}
	}
	require.Equal(t, 1, reporters)
	require.Equal(t, "Reporter:text", h.executed()[len(h.executed())-1])
}

func TestNoReporterSkipsReporters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := newCoordinator(t, h, `
[TestRun:a]
[Reporter:text]
`, func(cfg *engine.Config) {
		cfg.Options.NoReporter = true
	})

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"TestRun:a"}, h.executed())
}

func TestEnvironmentFollowsParentChain(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.on("TestBuild:a", func(_ context.Context, rec *model.ExecutionRecord, _ plugin.Params, _ plugin.RunContext) {
		rec.Set(model.DataEnviron, map[string]string{"OMPI_HOME": "/opt/ompi"})
		rec.Set(model.DataPrepend, map[string]string{"PATH": "/opt/ompi/bin"})
	})
	var home, path string
	h.on("TestRun:a", func(_ context.Context, _ *model.ExecutionRecord, _ plugin.Params, rc plugin.RunContext) {
		home, _ = rc.Env().Lookup("OMPI_HOME")
		path, _ = rc.Env().Lookup("PATH")
	})
	var unrelated bool
	h.on("TestRun:b", func(_ context.Context, _ *model.ExecutionRecord, _ plugin.Params, rc plugin.RunContext) {
		_, unrelated = rc.Env().Lookup("OMPI_HOME")
	})
	c := newCoordinator(t, h, `
[TestBuild:a]
[TestRun:a]
parent = TestBuild:a
[TestRun:b]
`, nil)

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/opt/ompi", home)
	require.Contains(t, path, "/opt/ompi/bin")
	require.False(t, unrelated)
}

type recordingModules struct {
	mu        sync.Mutex
	available bool
	calls     []string
}

func (m *recordingModules) Available() bool { return m.available }

func (m *recordingModules) Load(_ context.Context, _ *execcmd.Overlay, modules []string) error {
	m.add("load", modules...)
	return nil
}

func (m *recordingModules) Unload(_ context.Context, _ *execcmd.Overlay, modules []string) error {
	m.add("unload", modules...)
	return nil
}

func (m *recordingModules) Swap(_ context.Context, _ *execcmd.Overlay, from, to string) error {
	m.add("swap", from, to)
	return nil
}

func (m *recordingModules) add(op string, args ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op+" "+joinArgs(args))
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func TestModulesAreRevertedAfterSection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	mods := &recordingModules{available: true}
	var during []string
	h.on("TestBuild:a", func(context.Context, *model.ExecutionRecord, plugin.Params, plugin.RunContext) {
		mods.mu.Lock()
		during = append([]string(nil), mods.calls...)
		mods.mu.Unlock()
	})
	c := newCoordinator(t, h, `
[TestBuild:a]
modules = gcc/12 openmpi
modules_swap = intel:gcc
`, func(cfg *engine.Config) {
		cfg.Modules = envmod.NewStack(mods)
	})

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"load gcc/12 openmpi", "swap intel gcc"}, during)
	require.Equal(t, []string{
		"load gcc/12 openmpi",
		"swap intel gcc",
		"swap gcc intel",
		"unload gcc/12 openmpi",
	}, mods.calls)
}

func TestModulesWithoutSupportFailSection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := newCoordinator(t, h, `
[TestBuild:a]
modules = gcc
`, func(cfg *engine.Config) {
		cfg.Modules = envmod.NewStack(&recordingModules{})
	})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, summary.Status)
	require.Empty(t, h.executed())

	rec := record(t, c, "TestBuild:a")
	require.Contains(t, rec.Stderr[0], envmod.ErrNoModuleSupport.Error())
}

func TestInterpolationFailureRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := newCoordinator(t, h, `
[TestRun:a]
command = ${TestBuild:nothing}
`, nil)

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, h.executed())
	rec := record(t, c, "TestRun:a")
	require.Equal(t, model.StatusFailed, rec.Status)
	require.Contains(t, rec.Stderr[0], "unresolved reference")
}

func TestPreflightRejectsUnknownOptions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	def, err := config.Parse("test.ini", []byte(`
[TestRun:a]
comand = typo
`))
	require.NoError(t, err)

	_, err = engine.New(engine.Config{
		Definition: def,
		Registry:   h.reg,
		Options:    model.RunOptions{ExecutionID: "test", Scratch: t.TempDir()},
	})
	var cfgErr *mtterrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, []string{"comand"}, cfgErr.Keys)
}

func TestPreflightRejectsAmbiguousPlugin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister(
		&stub{h: h, desc: plugin.Descriptor{Kind: plugin.KindTool, Category: "Launcher", Name: "Shell"}},
		&stub{h: h, desc: plugin.Descriptor{Kind: plugin.KindTool, Category: "Build", Name: "Shell"}},
	)
	def, err := config.Parse("test.ini", []byte(`
[TestRun:a]
plugin = Shell
`))
	require.NoError(t, err)

	_, err = engine.New(engine.Config{
		Definition: def,
		Registry:   h.reg,
		Options:    model.RunOptions{ExecutionID: "test", Scratch: t.TempDir()},
	})
	require.Error(t, err)
	var ambiguous plugin.ErrAmbiguousPlugin
	require.True(t, errors.As(err, &ambiguous))
}

func TestMissingPluginIsRuntimeFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := newCoordinator(t, h, `
[TestGet:a]
[TestRun:a]
`, nil)

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, summary.Status)
	require.Equal(t, []string{"TestRun:a"}, h.executed())
	require.Equal(t, model.StatusFailed, record(t, c, "TestGet:a").Status)
}

func TestDefaultsPluginSchemaFillsOptionsWithoutSection(t *testing.T) {
	t.Parallel()

	h := &harness{
		reg:   plugin.NewRegistry(nil),
		stubs: make(map[string]*stub),
		hooks: make(map[string]hook),
	}
	for category, schema := range map[string]plugin.Schema{
		plugin.CategoryMTTDefaults: {{Name: "platform", Default: "cluster-x"}},
		plugin.CategoryTestRun:     {{Name: "platform", Default: nil}, {Name: "command", Default: nil}},
	} {
		s := &stub{h: h, desc: plugin.Descriptor{
			Kind:     plugin.KindStage,
			Category: category,
			Name:     plugin.DefaultName(category),
			Options:  schema,
		}}
		h.stubs[category] = s
		h.reg.MustRegister(s)
	}

	var got plugin.Params
	h.on("TestRun:a", func(_ context.Context, _ *model.ExecutionRecord, params plugin.Params, _ plugin.RunContext) {
		got = params
	})
	c := newCoordinator(t, h, `
[TestRun:a]
`, nil)

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cluster-x", got["platform"])
	require.Nil(t, got["command"])
}

func TestFailureDoesNotStopIndependentSections(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.on("TestBuild:a", func(_ context.Context, rec *model.ExecutionRecord, _ plugin.Params, _ plugin.RunContext) {
		rec.Fail(2, "broken")
	})
	c := newCoordinator(t, h, `
[TestBuild:a]
[TestBuild:b]
[TestRun:b]
parent = TestBuild:b
[TestRun:c]
[Reporter:text]
`, nil)

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, summary.Status)
	require.Equal(t, []string{"TestBuild:a", "TestBuild:b", "TestRun:b", "TestRun:c", "Reporter:text"}, h.executed())
	require.Equal(t, model.StatusSuccess, record(t, c, "TestRun:b").Status)
	require.Equal(t, model.StatusSuccess, record(t, c, "TestRun:c").Status)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestHarassersBracketTestRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	trigger := writeScript(t, dir, "trigger.sh",
		fmt.Sprintf("touch %s/started\nwhile [ ! -f %s/stop ]; do sleep 0.05; done", dir, dir))
	stop := writeScript(t, dir, "stop.sh", fmt.Sprintf("touch %s/stop", dir))

	runner := execcmd.NewRunner(execcmd.Options{})
	ctrl := harasser.New(runner, nil)

	h := newHarness(t)
	h.on("TestRun:a", func(_ context.Context, _ *model.ExecutionRecord, _ plugin.Params, _ plugin.RunContext) {
		require.Eventually(t, func() bool {
			_, err := os.Stat(filepath.Join(dir, "started"))
			return err == nil
		}, 5*time.Second, 20*time.Millisecond)
		require.Len(t, ctrl.Running(), 1)
	})
	c := newCoordinator(t, h, `
[TestBuild:a]
[TestRun:a]
`, func(cfg *engine.Config) {
		cfg.Runner = runner
		cfg.Harasser = ctrl
		cfg.Options.HarassTrigger = []string{trigger}
		cfg.Options.HarassStop = []string{stop}
		cfg.Options.HarassJoinTimeout = 5 * time.Second
	})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, summary.Status)

	rec := record(t, c, "TestRun:a")
	require.Equal(t, []int{0}, rec.Data["harassers"])
	require.Empty(t, ctrl.Running())
	require.FileExists(t, filepath.Join(dir, "stop"))

	_, built := record(t, c, "TestBuild:a").Data["harassers"]
	require.False(t, built)
}

func TestDeadHarasserFailsTestRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	trigger := writeScript(t, dir, "dying.sh", "exit 3")
	stop := writeScript(t, dir, "stop.sh", "true")

	runner := execcmd.NewRunner(execcmd.Options{})
	ctrl := harasser.New(runner, nil)

	h := newHarness(t)
	h.on("TestRun:a", func(_ context.Context, _ *model.ExecutionRecord, _ plugin.Params, _ plugin.RunContext) {
		time.Sleep(300 * time.Millisecond)
	})
	m := metrics.New()
	c := newCoordinator(t, h, `
[TestRun:a]
`, func(cfg *engine.Config) {
		cfg.Runner = runner
		cfg.Harasser = ctrl
		cfg.Metrics = m
		cfg.Options.HarassTrigger = []string{trigger}
		cfg.Options.HarassStop = []string{stop}
	})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, summary.Status)

	rec := record(t, c, "TestRun:a")
	require.Equal(t, model.StatusFailed, rec.Status)
	require.Contains(t, strings.Join(rec.Stderr, "\n"), "exited before the test finished")
	require.Empty(t, ctrl.Running())
	require.Equal(t, float64(1), testutil.ToFloat64(m.HarasserFailures))
}
