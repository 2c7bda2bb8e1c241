// Package harasser runs fault-injection scripts alongside a test run and
// cleans them up afterwards.
package harasser

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
	"github.com/alexisbeaulieu97/mtt/internal/logger"
	"github.com/alexisbeaulieu97/mtt/internal/model"
)

// Config lists the harasser script pairs. Trigger and Stop are matched by
// position and must have the same length.
type Config struct {
	Trigger     []string
	Stop        []string
	JoinTimeout time.Duration
}

// ParseScripts splits a comma-delimited script list.
func ParseScripts(value string) []string {
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Process is one running harasser.
type Process struct {
	ID      int
	Trigger string
	Stop    string
	Started time.Time
	proc    *execcmd.Process
}

// Alive reports whether the trigger script is still running.
func (p *Process) Alive() bool {
	return p.proc.Alive()
}

// StopInfo is the outcome of running one stop script.
type StopInfo struct {
	ID         int
	Status     int
	Stdout     []string
	Stderr     []string
	Elapsed    time.Duration
	Terminated bool
}

// CheckResult lists harassers that died with a non-zero status together with
// the outcome of stopping the whole batch.
type CheckResult struct {
	Dead    []*Process
	Stopped []StopInfo
}

// Controller owns every harasser process from start to stop.
type Controller struct {
	mu      sync.Mutex
	runner  *execcmd.Runner
	log     *logger.Logger
	cfg     Config
	counter int
	running map[int]*Process
}

// New creates a Controller that spawns through runner.
func New(runner *execcmd.Runner, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{runner: runner, log: log, running: make(map[int]*Process)}
}

// Configure replaces the script configuration.
func (c *Controller) Configure(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Config returns the current configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Enabled reports whether at least one script pair is configured.
func (c *Controller) Enabled() bool {
	cfg := c.Config()
	return len(cfg.Trigger) > 0 && len(cfg.Stop) > 0
}

// Start launches every trigger script as an independent process and returns
// their execution ids. The processes outlive ctx only until Stop is called.
func (c *Controller) Start(ctx context.Context) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cfg.Trigger) != len(c.cfg.Stop) {
		return nil, fmt.Errorf("%d trigger scripts but %d stop scripts", len(c.cfg.Trigger), len(c.cfg.Stop))
	}
	ids := make([]int, 0, len(c.cfg.Trigger))
	for i := range c.cfg.Trigger {
		trigger, stop := c.cfg.Trigger[i], c.cfg.Stop[i]
		id := c.counter
		c.counter++

		proc := c.runner.Start(ctx, execcmd.Command{
			Section: fmt.Sprintf("Harasser:%d", id),
			Args:    strings.Fields(trigger),
		})
		c.running[id] = &Process{ID: id, Trigger: trigger, Stop: stop, Started: proc.Started(), proc: proc}
		ids = append(ids, id)
		c.log.Debugf("started harasser %d: %s", id, trigger)
	}
	return ids, nil
}

// Running returns the ids of harassers that have not been stopped.
func (c *Controller) Running() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Check looks for harassers that exited with a non-zero status. When any
// is found the whole batch is stopped and the result returned; otherwise
// Check returns nil.
func (c *Controller) Check(ctx context.Context, ids []int) *CheckResult {
	c.mu.Lock()
	var dead []*Process
	for _, id := range ids {
		p, ok := c.running[id]
		if !ok || p.proc.Alive() {
			continue
		}
		if res := p.proc.Wait(); res.Status != model.StatusSuccess {
			dead = append(dead, p)
		}
	}
	c.mu.Unlock()

	if len(dead) == 0 {
		return nil
	}
	c.log.Warn(fmt.Sprintf("%d harasser(s) died unexpectedly, stopping all", len(dead)))
	return &CheckResult{Dead: dead, Stopped: c.Stop(ctx, ids)}
}

// Stop runs each harasser's stop script, then joins the trigger process
// when the stop script succeeded (bounded by JoinTimeout when set) or
// terminates it when the stop script returned 1.
func (c *Controller) Stop(ctx context.Context, ids []int) []StopInfo {
	c.mu.Lock()
	procs := make([]*Process, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.running[id]; ok {
			procs = append(procs, p)
			delete(c.running, id)
		}
	}
	joinTimeout := c.cfg.JoinTimeout
	c.mu.Unlock()

	infos := make([]StopInfo, 0, len(procs))
	for _, p := range procs {
		res := c.runner.Run(ctx, execcmd.Command{
			Section: fmt.Sprintf("Harasser:%d", p.ID),
			Args:    strings.Fields(p.Stop),
		})
		infos = append(infos, StopInfo{
			ID:      p.ID,
			Status:  res.Status,
			Stdout:  res.Stdout,
			Stderr:  res.Stderr,
			Elapsed: time.Since(p.Started),
		})
	}

	for i, p := range procs {
		switch infos[i].Status {
		case model.StatusSuccess:
			if joinTimeout > 0 {
				if _, ok := p.proc.WaitTimeout(joinTimeout); !ok {
					c.log.Warn(fmt.Sprintf("harasser %d did not exit within %s, terminating", p.ID, joinTimeout))
					p.proc.Terminate()
					infos[i].Terminated = true
				}
			} else {
				p.proc.Wait()
			}
		case model.StatusFailed:
			p.proc.Terminate()
			infos[i].Terminated = true
		}
	}
	return infos
}

// StopAll stops every running harasser.
func (c *Controller) StopAll(ctx context.Context) []StopInfo {
	return c.Stop(ctx, c.Running())
}
