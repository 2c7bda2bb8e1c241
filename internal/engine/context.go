package engine

import (
	"github.com/alexisbeaulieu97/mtt/internal/envmod"
	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
	"github.com/alexisbeaulieu97/mtt/internal/harasser"
	"github.com/alexisbeaulieu97/mtt/internal/logger"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	"github.com/alexisbeaulieu97/mtt/internal/resultlog"
	"github.com/alexisbeaulieu97/mtt/internal/workpool"
)

// sectionContext is the RunContext handed to a plugin for one section.
type sectionContext struct {
	c      *Coordinator
	env    *execcmd.Overlay
	logger *logger.Logger
}

var _ plugin.RunContext = (*sectionContext)(nil)

func (s *sectionContext) Log() *resultlog.Log            { return s.c.log }
func (s *sectionContext) Modules() *envmod.Stack         { return s.c.modules }
func (s *sectionContext) Runner() *execcmd.Runner        { return s.c.runner }
func (s *sectionContext) Env() *execcmd.Overlay          { return s.env }
func (s *sectionContext) Harasser() *harasser.Controller { return s.c.harasser }
func (s *sectionContext) Options() model.RunOptions      { return s.c.opts }
func (s *sectionContext) Logger() *logger.Logger         { return s.logger }
func (s *sectionContext) Registry() *plugin.Registry     { return s.c.registry }

// Defaults returns a copy so plugins cannot alter later sections.
func (s *sectionContext) Defaults() plugin.Params {
	return s.c.defaults.Clone()
}

// Pool returns a worker pool that spawns through the run's command runner.
func (s *sectionContext) Pool(opts workpool.Options) *workpool.Pool {
	if opts.Workers <= 0 {
		opts.Workers = s.c.opts.PoolSize
	}
	if s.c.opts.DryRun {
		opts.DryRun = true
	}
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	return workpool.New(s.c.runner, opts)
}
