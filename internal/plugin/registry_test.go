package plugin_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	mtterrors "github.com/alexisbeaulieu97/mtt/pkg/errors"
)

type fakePlugin struct {
	plugin.BasePlugin
	desc plugin.Descriptor
}

func (f *fakePlugin) Describe() plugin.Descriptor { return f.desc }

func (f *fakePlugin) Execute(_ context.Context, rec *model.ExecutionRecord, _ plugin.Params, _ plugin.RunContext) {
	rec.Status = model.StatusSuccess
}

func newFake(kind plugin.Kind, category, name string, priority int) *fakePlugin {
	return &fakePlugin{desc: plugin.Descriptor{Kind: kind, Category: category, Name: name, Priority: priority}}
}

func TestRegistryResolveAndDefault(t *testing.T) {
	t.Parallel()

	reg := plugin.NewRegistry(nil)
	low := newFake(plugin.KindStage, "TestRun", "DefaultTestRun", 1)
	high := newFake(plugin.KindStage, "TestRun", "DefaultTestRun", 10)
	shell := newFake(plugin.KindTool, "Launcher", "Shell", 0)

	ok, err := reg.Register(low, plugin.SourceBuiltin)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = reg.Register(high, "/site/plugins")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = reg.Register(shell, plugin.SourceBuiltin)
	require.NoError(t, err)

	got, err := reg.DefaultFor("TestRun")
	require.NoError(t, err)
	require.Same(t, high, got)

	got, err = reg.Resolve("TestRun", "DefaultTestRun")
	require.NoError(t, err)
	require.Same(t, high, got)

	_, err = reg.DefaultFor("Firmware")
	require.ErrorAs(t, err, &plugin.ErrNoDefault{})

	_, err = reg.Resolve("TestRun", "Nope")
	require.ErrorAs(t, err, &plugin.ErrPluginNotFound{})
}

func TestRegistryShadowsLaterRoots(t *testing.T) {
	t.Parallel()

	reg := plugin.NewRegistry(nil)
	first := newFake(plugin.KindTool, "Launcher", "Shell", 0)
	second := newFake(plugin.KindTool, "Launcher", "Shell", 0)

	ok, err := reg.Register(first, "/first")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = reg.Register(second, "/second")
	require.NoError(t, err)
	require.False(t, ok)

	got, err := reg.Resolve("Launcher", "Shell")
	require.NoError(t, err)
	require.Same(t, first, got)

	_, err = reg.Register(newFake(plugin.KindTool, "Launcher", "Shell", 0), "/first")
	require.ErrorAs(t, err, &plugin.ErrDuplicatePlugin{})
}

func TestRegistryRejectsKindMismatch(t *testing.T) {
	t.Parallel()

	reg := plugin.NewRegistry(nil)
	_, err := reg.Register(newFake(plugin.KindTool, "Fetch", "Git", 0), plugin.SourceBuiltin)
	require.NoError(t, err)

	_, err = reg.Register(newFake(plugin.KindUtility, "Fetch", "Wget", 0), plugin.SourceBuiltin)
	var pluginErr *mtterrors.PluginError
	require.ErrorAs(t, err, &pluginErr)
}

func TestRegistryRejectsInvalidDescriptors(t *testing.T) {
	t.Parallel()

	reg := plugin.NewRegistry(nil)
	bad := newFake(plugin.KindTool, "Fetch", "1bad", 0)
	_, err := reg.Register(bad, plugin.SourceBuiltin)
	require.Error(t, err)

	reserved := newFake(plugin.KindTool, "Fetch", "Git", 0)
	reserved.desc.Options = plugin.Schema{{Name: "parent"}}
	_, err = reg.Register(reserved, plugin.SourceBuiltin)
	require.Error(t, err)
}

func TestRegistryFind(t *testing.T) {
	t.Parallel()

	reg := plugin.NewRegistry(nil)
	git := newFake(plugin.KindTool, "Fetch", "Git", 0)
	shellLauncher := newFake(plugin.KindTool, "Launcher", "Shell", 0)
	shellBuild := newFake(plugin.KindTool, "Build", "Shell", 0)
	reg.MustRegister(git, shellLauncher, shellBuild)

	got, err := reg.Find("TestGet", "Git")
	require.NoError(t, err)
	require.Same(t, git, got)

	_, err = reg.Find("TestRun", "Shell")
	var ambiguous plugin.ErrAmbiguousPlugin
	require.ErrorAs(t, err, &ambiguous)
	require.Equal(t, []string{"Build", "Launcher"}, ambiguous.Categories)

	got, err = reg.Find("TestRun", "Launcher:Shell")
	require.NoError(t, err)
	require.Same(t, shellLauncher, got)

	got, err = reg.Find("Build", "Shell")
	require.NoError(t, err)
	require.Same(t, shellBuild, got)

	_, err = reg.Find("TestRun", "Missing")
	require.ErrorAs(t, err, &plugin.ErrPluginNotFound{})
}

func TestRegistryStagesOrdering(t *testing.T) {
	t.Parallel()

	reg := plugin.NewRegistry(nil)
	custom := newFake(plugin.KindStage, "Analysis", "DefaultAnalysis", 0)
	custom.desc.Ordering = 550
	_, err := reg.Register(custom, "/site")
	require.NoError(t, err)

	stages := reg.Stages()
	require.Equal(t, []string{
		"MTTDefaults", "BIOS", "Firmware", "Provisioning", "MiddlewareGet",
		"MiddlewareBuild", "TestGet", "TestBuild", "LauncherDefaults",
		"TestRun", "Analysis", "Reporter",
	}, stages)
	require.True(t, reg.IsStage("Analysis"))
	require.True(t, reg.IsStage("BIOS"))
	require.False(t, reg.IsStage("Launcher"))
}

func TestRegistryListAndDescribe(t *testing.T) {
	t.Parallel()

	reg := plugin.NewRegistry(nil)
	p := newFake(plugin.KindTool, "Launcher", "Shell", 0)
	p.desc.Options = plugin.Schema{
		{Name: "command", Description: "command to execute"},
		{Name: "compilers", Default: []string{"gcc"}},
	}
	reg.MustRegister(p)

	list := reg.List("Launcher")
	require.Len(t, list, 1)
	require.Equal(t, plugin.SourceBuiltin, list[0].Source)
	require.Equal(t, 1, reg.Len())

	var buf bytes.Buffer
	require.NoError(t, plugin.WriteDescription(&buf, list[0], false))
	require.Contains(t, buf.String(), "Launcher:Shell")
	require.Contains(t, buf.String(), "[gcc]")
	require.Contains(t, buf.String(), "command to execute")
}

func TestAddSearchRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "hello.mtt.yaml"), `
kind: tool
category: Launcher
name: Echo
options:
  - name: greeting
    default: hello
    description: text to print
action: echo {{.greeting}}
`)
	writeFile(t, filepath.Join(dir, "nested", "stage.mtt.yaml"), `
kind: stage
category: Analysis
name: DefaultAnalysis
ordering: 550
action: "true"
`)
	writeFile(t, filepath.Join(dir, "ignored.yaml"), "not: a plugin")

	reg := plugin.NewRegistry(nil)
	added, err := reg.AddSearchRoot(dir)
	require.NoError(t, err)
	require.Equal(t, 2, added)

	p, err := reg.Resolve("Launcher", "Echo")
	require.NoError(t, err)
	opt, ok := p.Describe().Options.Lookup("greeting")
	require.True(t, ok)
	require.Equal(t, "hello", opt.Default)
	require.Contains(t, reg.Stages(), "Analysis")
}

func TestAddSearchRootReportsParseErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.mtt.yaml"), "category: [unterminated\n")

	_, err := plugin.NewRegistry(nil).AddSearchRoot(dir)
	var parseErr *mtterrors.ParseError
	require.ErrorAs(t, err, &parseErr)

	_, err = plugin.NewRegistry(nil).AddSearchRoot(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
