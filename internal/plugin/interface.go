package plugin

import (
	"context"
	"sync"

	"github.com/alexisbeaulieu97/mtt/internal/envmod"
	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
	"github.com/alexisbeaulieu97/mtt/internal/harasser"
	"github.com/alexisbeaulieu97/mtt/internal/logger"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/resultlog"
	"github.com/alexisbeaulieu97/mtt/internal/workpool"
)

// Plugin is the contract every stage, tool and utility implementation
// satisfies.
//
// Execute fills rec in place. It reports failures through rec.Status and
// rec.Stderr rather than by returning errors; a panic is recovered by the
// coordinator and recorded as a failed section.
type Plugin interface {
	Describe() Descriptor
	// Activate and Deactivate bracket first use and teardown. Both must be
	// idempotent.
	Activate() error
	Deactivate() error
	Execute(ctx context.Context, rec *model.ExecutionRecord, params Params, rc RunContext)
}

// RunContext is what the coordinator exposes to an executing plugin.
type RunContext interface {
	Log() *resultlog.Log
	Modules() *envmod.Stack
	Runner() *execcmd.Runner
	// Env is the environment overlay scoped to the executing section.
	Env() *execcmd.Overlay
	Harasser() *harasser.Controller
	Pool(opts workpool.Options) *workpool.Pool
	Options() model.RunOptions
	Logger() *logger.Logger
	Registry() *Registry
	// Defaults returns the options recorded by the MTTDefaults section.
	Defaults() Params
}

// BasePlugin tracks activation for plugins that need no setup of their own.
type BasePlugin struct {
	mu     sync.Mutex
	active bool
}

// Activate implements Plugin.
func (b *BasePlugin) Activate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = true
	return nil
}

// Deactivate implements Plugin.
func (b *BasePlugin) Deactivate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = false
	return nil
}

// Active reports whether Activate was called without a later Deactivate.
func (b *BasePlugin) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}
