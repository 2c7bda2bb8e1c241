// Package plugintest provides a RunContext for exercising plugins without a
// coordinator.
package plugintest

import (
	"testing"

	"github.com/alexisbeaulieu97/mtt/internal/envmod"
	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
	"github.com/alexisbeaulieu97/mtt/internal/harasser"
	"github.com/alexisbeaulieu97/mtt/internal/logger"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	"github.com/alexisbeaulieu97/mtt/internal/resultlog"
	"github.com/alexisbeaulieu97/mtt/internal/workpool"
)

// Context is a plugin.RunContext whose collaborators are plain fields.
type Context struct {
	Records     *resultlog.Log
	Stack       *envmod.Stack
	Cmd         *execcmd.Runner
	Overlay     *execcmd.Overlay
	Harass      *harasser.Controller
	RunOptions  model.RunOptions
	Logging     *logger.Logger
	Plugins     *plugin.Registry
	DefaultOpts plugin.Params
	// Executor backs Pool; the runner is used when nil.
	Executor workpool.Executor
}

var _ plugin.RunContext = (*Context)(nil)

// New returns a Context with a scratch directory under t.TempDir.
func New(t testing.TB) *Context {
	t.Helper()
	runner := execcmd.NewRunner(execcmd.Options{})
	return &Context{
		Records: resultlog.New(),
		Stack:   envmod.NewStack(nil),
		Cmd:     runner,
		Overlay: execcmd.NewOverlay(),
		Harass:  harasser.New(runner, nil),
		RunOptions: model.RunOptions{
			ExecutionID: "test",
			Scratch:     t.TempDir(),
		},
		Logging:     logger.Nop(),
		Plugins:     plugin.NewRegistry(nil),
		DefaultOpts: plugin.Params{},
	}
}

// WithDryRun switches the runner to dry-run mode.
func (c *Context) WithDryRun() *Context {
	c.Cmd = execcmd.NewRunner(execcmd.Options{DryRun: true})
	c.RunOptions.DryRun = true
	return c
}

func (c *Context) Log() *resultlog.Log            { return c.Records }
func (c *Context) Modules() *envmod.Stack         { return c.Stack }
func (c *Context) Runner() *execcmd.Runner        { return c.Cmd }
func (c *Context) Env() *execcmd.Overlay          { return c.Overlay }
func (c *Context) Harasser() *harasser.Controller { return c.Harass }
func (c *Context) Options() model.RunOptions      { return c.RunOptions }
func (c *Context) Logger() *logger.Logger         { return c.Logging }
func (c *Context) Registry() *plugin.Registry     { return c.Plugins }
func (c *Context) Defaults() plugin.Params        { return c.DefaultOpts }

// Pool implements plugin.RunContext.
func (c *Context) Pool(opts workpool.Options) *workpool.Pool {
	exec := c.Executor
	if exec == nil {
		exec = c.Cmd
	}
	return workpool.New(exec, opts)
}
