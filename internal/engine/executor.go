package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexisbeaulieu97/mtt/internal/config"
	"github.com/alexisbeaulieu97/mtt/internal/envmod"
	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
	"github.com/alexisbeaulieu97/mtt/internal/harasser"
	"github.com/alexisbeaulieu97/mtt/internal/logger"
	"github.com/alexisbeaulieu97/mtt/internal/metrics"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	"github.com/alexisbeaulieu97/mtt/internal/resultlog"
	"github.com/alexisbeaulieu97/mtt/internal/selector"
	"github.com/alexisbeaulieu97/mtt/internal/watchdog"
	mtterrors "github.com/alexisbeaulieu97/mtt/pkg/errors"
)

// ErrStopOnFail ends a run at the first failing section when stop-on-fail
// is set.
var ErrStopOnFail = errors.New("section failed and stop-on-fail is set")

const tracerName = "github.com/alexisbeaulieu97/mtt/internal/engine"

// Config wires a Coordinator. Only Definition and Registry are required.
type Config struct {
	Definition *config.Definition
	Registry   *plugin.Registry
	Options    model.RunOptions
	Log        *resultlog.Log
	Runner     *execcmd.Runner
	Modules    *envmod.Stack
	Harasser   *harasser.Controller
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
	// Env is the overlay every section starts from.
	Env *execcmd.Overlay
}

// Summary describes a finished run.
type Summary struct {
	// Status is 0 iff no section recorded a non-zero status.
	Status        int
	Passes        int
	Sections      int
	ReportingOnly bool
	Interrupted   bool
	// Panicked is set when a plugin panic switched the run to reporting only.
	Panicked bool
	Stopped  bool
}

// Coordinator walks the stage order over the configured sections.
//
// Everything outside a plugin call happens while holding sem; the watchdog
// handler takes sem too, so expiry is only observed between sections.
type Coordinator struct {
	def      *config.Definition
	registry *plugin.Registry
	opts     model.RunOptions
	log      *resultlog.Log
	runner   *execcmd.Runner
	modules  *envmod.Stack
	harasser *harasser.Controller
	metrics  *metrics.Metrics
	logger   *logger.Logger
	tracer   trace.Tracer
	baseEnv  *execcmd.Overlay

	sem       chan struct{}
	expired   atomic.Bool
	active    map[string]bool
	activated []plugin.Plugin
	defaults  plugin.Params

	status        int
	sections      int
	reportingOnly bool
	interrupted   bool
	panicked      bool
}

// New validates cfg, selects the active sections and checks every section's
// options against its plugin. Unknown option keys, ambiguous plugin names
// and broken parent references are reported here, before anything runs.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Definition == nil {
		return nil, mtterrors.NewConfigError("", "no test definition", nil)
	}
	if cfg.Registry == nil {
		return nil, mtterrors.NewConfigError("", "no plugin registry", nil)
	}
	if err := config.ValidateRunOptions(cfg.Options); err != nil {
		return nil, err
	}

	c := &Coordinator{
		def:      cfg.Definition,
		registry: cfg.Registry,
		opts:     cfg.Options,
		log:      cfg.Log,
		runner:   cfg.Runner,
		modules:  cfg.Modules,
		harasser: cfg.Harasser,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		baseEnv:  cfg.Env,
		tracer:   otel.Tracer(tracerName),
		sem:      make(chan struct{}, 1),
		active:   make(map[string]bool),
		defaults: plugin.Params{},
	}
	if c.logger == nil {
		c.logger = logger.Nop()
	}
	if c.log == nil {
		c.log = resultlog.New()
	}
	if c.runner == nil {
		c.runner = execcmd.NewRunner(execcmd.Options{DryRun: c.opts.DryRun, Logger: c.logger})
	}
	if c.modules == nil {
		c.modules = envmod.NewStack(envmod.NewShellModuleCommand(c.runner, c.opts.EnvModuleWrapper))
	}
	if c.harasser == nil {
		c.harasser = harasser.New(c.runner, c.logger)
	}
	if len(c.opts.HarassTrigger) > 0 {
		c.harasser.Configure(harasser.Config{
			Trigger:     c.opts.HarassTrigger,
			Stop:        c.opts.HarassStop,
			JoinTimeout: c.opts.HarassJoinTimeout,
		})
	}
	if c.baseEnv == nil {
		c.baseEnv = execcmd.NewOverlay()
	}

	selected, err := selector.Select(c.def.Titles(), c.opts.Sections, c.opts.SkipSections)
	if err != nil {
		return nil, err
	}
	for _, title := range selected {
		c.active[title] = true
	}

	if err := c.preflight(); err != nil {
		return nil, err
	}
	c.seedDefaults()
	return c, nil
}

// seedDefaults fills the defaults layer from the schema of the preferred
// MTTDefaults plugin. A configured MTTDefaults section overrides these
// values once it has run.
func (c *Coordinator) seedDefaults() {
	p, err := c.registry.DefaultFor(plugin.CategoryMTTDefaults)
	if err != nil {
		return
	}
	for _, opt := range p.Describe().Options {
		if opt.Default != nil {
			c.defaults[opt.Name] = opt.Default
		}
	}
}

func (c *Coordinator) preflight() error {
	if err := config.ValidateDefinition(c.def); err != nil {
		return err
	}

	for _, sec := range c.def.Sections() {
		if !c.active[sec.Raw] || sec.Stop {
			continue
		}
		if !c.registry.IsStage(sec.Category) {
			c.logger.Warn(fmt.Sprintf("section [%s] does not name a stage and will not run", sec.Raw))
			continue
		}
		p, err := c.resolve(sec.Category, sec.Params)
		if err != nil {
			var ambiguous plugin.ErrAmbiguousPlugin
			if errors.As(err, &ambiguous) {
				return mtterrors.NewConfigError(sec.Name, "cannot select plugin", err)
			}
			// recorded as a failing section when reached
			continue
		}
		if _, err := plugin.Reconcile(sec.Name, p.Describe().Options, sec.Params, nil); err != nil {
			var cfgErr *mtterrors.ConfigError
			if errors.As(err, &cfgErr) && len(cfgErr.Keys) > 0 {
				return err
			}
		}
	}
	return nil
}

// Log returns the result log the run appends to.
func (c *Coordinator) Log() *resultlog.Log {
	return c.log
}

// Run executes passes until the run is complete. It returns ErrStopOnFail
// when a section fails with stop-on-fail set; every other failure is
// reported through the result log and Summary.Status.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	if err := c.prepareScratch(); err != nil {
		return Summary{Status: model.StatusFailed}, err
	}

	c.acquire()
	defer c.release()

	if c.opts.Duration > 0 {
		wd := watchdog.New(c.opts.Duration)
		wd.Start(c.expire)
		defer wd.Stop()
	}
	defer c.deactivateAll()

	c.logger.WithFields(map[string]any{"execid": c.opts.ExecutionID}).Info("run started")

	summary := Summary{}
	for {
		summary.Passes++
		stopped, err := c.runPass(ctx)
		c.metrics.PassDone()
		if err != nil {
			return c.finish(summary), err
		}
		if stopped {
			summary.Stopped = true
			break
		}
		if !c.opts.LoopForever || c.reportingOnly {
			break
		}
		c.safePoint()
		c.checkInterrupts(ctx)
	}

	return c.finish(summary), nil
}

func (c *Coordinator) finish(s Summary) Summary {
	s.Status = c.status
	s.Sections = c.sections
	s.ReportingOnly = c.reportingOnly
	s.Interrupted = c.interrupted
	s.Panicked = c.panicked
	c.logger.WithFields(map[string]any{
		"status":   s.Status,
		"passes":   s.Passes,
		"sections": s.Sections,
	}).Info("run finished")
	return s
}

// runPass walks one pass and reports whether a STOP section ended it.
func (c *Coordinator) runPass(ctx context.Context) (bool, error) {
	for _, stage := range c.registry.Stages() {
		for _, sec := range c.def.Sections() {
			if sec.Category != stage || !c.active[sec.Raw] {
				continue
			}
			c.checkInterrupts(ctx)

			reporter := stage == plugin.CategoryReporter
			if c.reportingOnly && !reporter {
				continue
			}
			if reporter && (c.opts.NoReporter || (c.opts.LoopForever && !c.reportingOnly)) {
				continue
			}
			if sec.Stop {
				c.logger.Infof("section [%s] stops the pass", sec.Raw)
				return true, nil
			}
			if sec.Skip {
				c.metrics.ObserveSection(stage, metrics.OutcomeSkipped, 0)
				continue
			}

			if err := c.runSection(c.sectionCtx(ctx), sec); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func (c *Coordinator) runSection(ctx context.Context, sec *config.Section) error {
	title := sec.Name
	log := c.logger.WithSection(title)
	rec := model.NewRecord(title)
	rec.StartTime = time.Now()

	ctx, span := c.tracer.Start(ctx, "mtt.section", trace.WithAttributes(
		attribute.String("mtt.section", title),
		attribute.String("mtt.category", sec.Category),
	))
	defer span.End()

	log.Info("section started")
	outcome := c.execute(ctx, sec, rec, log)

	rec.EndTime = time.Now()
	if rec.Elapsed == 0 {
		rec.Elapsed = rec.EndTime.Sub(rec.StartTime)
	}
	c.log.Append(rec)
	c.sections++
	c.metrics.ObserveSection(sec.Category, outcome, rec.Elapsed)

	span.SetAttributes(attribute.Int("mtt.status", rec.Status), attribute.String("mtt.outcome", outcome))
	if rec.Status != model.StatusSuccess {
		c.status = model.StatusFailed
		span.SetStatus(codes.Error, "section failed")
		log.WithFields(map[string]any{"status": rec.Status}).Warn("section failed")
	} else {
		span.SetStatus(codes.Ok, "")
		log.WithFields(map[string]any{"elapsed": rec.Elapsed.String()}).Info("section finished")
	}

	if c.opts.StopOnFail && rec.Status != model.StatusSuccess {
		return fmt.Errorf("%w: [%s] status %d", ErrStopOnFail, title, rec.Status)
	}
	return nil
}

// execute fills rec for one section and returns the metrics outcome.
func (c *Coordinator) execute(ctx context.Context, sec *config.Section, rec *model.ExecutionRecord, log *logger.Logger) string {
	params, err := c.def.Interpolator(c.log).Params(sec)
	if err != nil {
		rec.Fail(model.StatusFailed, "%v", err)
		return metrics.OutcomeFailure
	}
	if _, ok := paramValue(params, plugin.KeyASIS); sec.ASIS && !ok {
		params = append(params, model.Param{Key: plugin.KeyASIS, Value: "true"})
	}
	rec.Parameters = params

	if parent, ok := paramValue(params, plugin.KeyParent); ok && parent != "" {
		prior, found := c.log.Get(config.ParseTitle(parent).Name)
		if !found {
			rec.Fail(model.StatusFailed, "Prior dependent step did not record a log")
			return metrics.OutcomeGated
		}
		if prior.Status != model.StatusSuccess {
			rec.Status = prior.Status
			rec.Stderr = append(rec.Stderr, "Prior dependent step failed - cannot proceed")
			return metrics.OutcomeGated
		}
	}

	p, err := c.resolve(sec.Category, params)
	if err != nil {
		rec.Fail(model.StatusFailed, "%v", err)
		return metrics.OutcomeFailure
	}
	desc := p.Describe()
	rec.Set("plugin", desc.ID())

	merged, err := plugin.ReconcileInto(rec, desc.Options, params, c.defaults)
	if err != nil {
		return metrics.OutcomeFailure
	}

	if err := c.activate(p); err != nil {
		rec.Fail(model.StatusFailed, "activate %s: %v", desc.ID(), err)
		return metrics.OutcomeFailure
	}

	env := c.sectionEnv(merged)
	req, err := envmod.ParseRequest(
		merged.String(plugin.KeyModules),
		merged.String(plugin.KeyModulesUnload),
		merged.String(plugin.KeyModulesSwap),
	)
	if err != nil {
		rec.Fail(model.StatusFailed, "%v", err)
		return metrics.OutcomeFailure
	}
	if !req.Empty() {
		defer c.revertModules(ctx, sec.Name, rec, log)
		if err := c.modules.Apply(ctx, sec.Name, req, env); err != nil {
			c.metrics.ModuleFailed(1)
			rec.Fail(model.StatusFailed, "%v", err)
			return metrics.OutcomeFailure
		}
	}

	var harassers []int
	if sec.Category == plugin.CategoryTestRun && c.harasser.Enabled() {
		ids, err := c.harasser.Start(ctx)
		if err != nil {
			rec.Fail(model.StatusFailed, "start harassers: %v", err)
			return metrics.OutcomeFailure
		}
		harassers = ids
		rec.Set("harassers", ids)
	}

	rc := &sectionContext{c: c, env: env, logger: log}
	recovered := c.invoke(ctx, p, rec, merged, rc)

	if len(harassers) > 0 {
		c.finishHarassers(context.WithoutCancel(ctx), rec, harassers)
	}

	if recovered != nil {
		log.Error(fmt.Errorf("%v", recovered), "plugin panicked, only reporters will run")
		c.deactivateAll()
		c.reportingOnly = true
		c.panicked = true
		rec.Fail(model.StatusFailed, "Exception was raised: %v", recovered)
		return metrics.OutcomeFailure
	}
	if errors.Is(ctx.Err(), context.Canceled) && !c.interrupted {
		log.Warn("interrupted, only reporters will run")
		c.interrupted = true
		c.reportingOnly = true
		c.deactivateAll()
		rec.Status = model.StatusSuccess
		rec.Stderr = append(rec.Stderr, "Interrupted: "+ctx.Err().Error())
		return metrics.OutcomeInterrupted
	}

	if sec.Category == plugin.CategoryMTTDefaults && rec.Status == model.StatusSuccess {
		for k, v := range rec.Options {
			if v != nil {
				c.defaults[k] = v
			}
		}
	}
	return metrics.Outcome(rec.Status)
}

// invoke runs the plugin with sem released and converts a panic into a
// return value.
func (c *Coordinator) invoke(ctx context.Context, p plugin.Plugin, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) (recovered any) {
	c.release()
	defer c.acquire()
	defer func() {
		recovered = recover()
	}()

	p.Execute(ctx, rec, params, rc)
	return nil
}

func (c *Coordinator) finishHarassers(ctx context.Context, rec *model.ExecutionRecord, ids []int) {
	if check := c.harasser.Check(ctx, ids); check != nil {
		c.metrics.HarasserFailed(len(check.Dead))
		for _, p := range check.Dead {
			rec.Fail(model.StatusFailed, "harasser %d (%s) exited before the test finished", p.ID, p.Trigger)
		}
		return
	}
	for _, info := range c.harasser.Stop(ctx, ids) {
		if info.Status != model.StatusSuccess {
			c.logger.Warn(fmt.Sprintf("harasser %d stop script returned %d", info.ID, info.Status))
		}
	}
}

func (c *Coordinator) revertModules(ctx context.Context, title string, rec *model.ExecutionRecord, log *logger.Logger) {
	errs := c.modules.Revert(context.WithoutCancel(ctx), title)
	if len(errs) == 0 {
		return
	}
	c.metrics.ModuleFailed(len(errs))
	for _, err := range errs {
		log.Error(err, "module revert failed")
		rec.Stderr = append(rec.Stderr, err.Error())
	}
}

func (c *Coordinator) resolve(category string, params []model.Param) (plugin.Plugin, error) {
	if name, ok := paramValue(params, plugin.KeyPlugin); ok && name != "" {
		return c.registry.Find(category, name)
	}
	return c.registry.DefaultFor(category)
}

func (c *Coordinator) activate(p plugin.Plugin) error {
	for _, a := range c.activated {
		if a == p {
			return nil
		}
	}
	if err := p.Activate(); err != nil {
		return err
	}
	c.activated = append(c.activated, p)
	return nil
}

func (c *Coordinator) deactivateAll() {
	for i := len(c.activated) - 1; i >= 0; i-- {
		p := c.activated[i]
		if err := p.Deactivate(); err != nil {
			c.logger.Error(err, "deactivate "+p.Describe().ID())
		}
	}
	c.activated = nil
}

// sectionEnv builds the overlay of a section from the base overlay and the
// environment recorded along its parent chain, oldest ancestor first.
func (c *Coordinator) sectionEnv(params plugin.Params) *execcmd.Overlay {
	env := c.baseEnv.Clone()

	var chain []*model.ExecutionRecord
	seen := map[string]bool{}
	parent := params.String(plugin.KeyParent)
	for parent != "" && !seen[parent] {
		seen[parent] = true
		rec, ok := c.log.Get(config.ParseTitle(parent).Name)
		if !ok {
			break
		}
		chain = append(chain, rec)
		parent, _ = rec.Options[plugin.KeyParent].(string)
	}

	for i := len(chain) - 1; i >= 0; i-- {
		applyRecordedEnv(env, chain[i])
	}
	return env
}

func applyRecordedEnv(env *execcmd.Overlay, rec *model.ExecutionRecord) {
	if vars, ok := rec.Data[model.DataEnviron]; ok {
		for k, v := range stringMap(vars) {
			env.Set(k, v)
		}
	}
	if dirs, ok := rec.Data[model.DataPrepend]; ok {
		switch typed := dirs.(type) {
		case map[string][]string:
			for k, list := range typed {
				env.Prepend(k, list...)
			}
		default:
			for k, v := range stringMap(dirs) {
				env.Prepend(k, v)
			}
		}
	}
}

func stringMap(v any) map[string]string {
	switch typed := v.(type) {
	case map[string]string:
		return typed
	case map[string]any:
		out := make(map[string]string, len(typed))
		for k, val := range typed {
			out[k] = fmt.Sprint(val)
		}
		return out
	}
	return nil
}

func paramValue(params []model.Param, key string) (string, bool) {
	for _, p := range params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (c *Coordinator) prepareScratch() error {
	if c.opts.Scratch == "" || c.opts.DryRun {
		return nil
	}
	if c.opts.CleanStart {
		if err := os.RemoveAll(c.opts.Scratch); err != nil {
			return mtterrors.NewExecutionError("", fmt.Errorf("clean scratch %s: %w", c.opts.Scratch, err))
		}
	}
	if err := os.MkdirAll(c.opts.Scratch, 0o755); err != nil {
		return mtterrors.NewExecutionError("", fmt.Errorf("create scratch %s: %w", c.opts.Scratch, err))
	}
	return nil
}

// checkInterrupts switches to reporting-only mode after the watchdog fired
// or the caller cancelled ctx.
func (c *Coordinator) checkInterrupts(ctx context.Context) {
	if c.expired.Load() && !c.reportingOnly {
		c.logger.Warn("run duration expired, only reporters will run")
		c.reportingOnly = true
	}
	if ctx.Err() != nil && !c.interrupted {
		c.logger.Warn("interrupted, only reporters will run")
		c.interrupted = true
		c.reportingOnly = true
		c.deactivateAll()
	}
}

// sectionCtx keeps reporters running after an interrupt.
func (c *Coordinator) sectionCtx(ctx context.Context) context.Context {
	if c.interrupted {
		return context.WithoutCancel(ctx)
	}
	return ctx
}

func (c *Coordinator) acquire() { c.sem <- struct{}{} }
func (c *Coordinator) release() { <-c.sem }

// safePoint lets a pending watchdog handler run between passes.
func (c *Coordinator) safePoint() {
	c.release()
	c.acquire()
}

func (c *Coordinator) expire() {
	c.acquire()
	c.expired.Store(true)
	c.release()
}
