// Package workpool runs out-of-band control commands (power resets and the
// like) against many targets with a bounded number of workers.
package workpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
	"github.com/alexisbeaulieu97/mtt/internal/logger"
	"github.com/alexisbeaulieu97/mtt/internal/model"
)

// DefaultMaxTries bounds the ping follow-up when Options.MaxTries is unset.
const DefaultMaxTries = 100

// Executor runs a single command.
type Executor interface {
	Run(ctx context.Context, c execcmd.Command) execcmd.Result
}

// Target is one host to act on. When Ping has no command the target is done
// as soon as Reset returns.
type Target struct {
	Name  string
	Reset execcmd.Command
	Ping  execcmd.Command
}

func (t Target) hasPing() bool {
	return len(t.Ping.Args) > 0 || t.Ping.Shell != ""
}

// Outcome is the aggregated result for one target.
type Outcome struct {
	Target   string
	Status   int
	Stdout   []string
	Stderr   []string
	Tries    int
	TimedOut bool
	DryRun   bool
}

// Options configures a Pool.
type Options struct {
	Workers      int
	MaxTries     int
	PingInterval time.Duration
	DryRun       bool
	Logger       *logger.Logger
}

// Pool executes targets concurrently.
type Pool struct {
	exec Executor
	opts Options
	log  *logger.Logger
}

// New creates a Pool using exec for every command.
func New(exec Executor, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxTries <= 0 {
		opts.MaxTries = DefaultMaxTries
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Pool{exec: exec, opts: opts, log: log}
}

type taskKind int

const (
	taskReset taskKind = iota
	taskPing
)

type task struct {
	kind  taskKind
	index int
	tries int
}

// queue is the shared FIFO. The lock is held only to push or pop.
type queue struct {
	mu    sync.Mutex
	tasks []task
}

func (q *queue) push(t task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
}

func (q *queue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return task{}, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}

// Run executes every target and returns one Outcome per target in input
// order. min(Workers, len(targets)) workers drain the queue; a worker exits
// once it observes the queue empty and Run returns after all have exited.
func (p *Pool) Run(ctx context.Context, targets []Target) []Outcome {
	outcomes := make([]Outcome, len(targets))
	if len(targets) == 0 {
		return outcomes
	}

	q := &queue{}
	for i, t := range targets {
		outcomes[i] = Outcome{Target: t.Name, Status: model.StatusFailed}
		q.push(task{kind: taskReset, index: i})
	}

	workers := min(p.opts.Workers, len(targets))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(i int, fn func(o *Outcome)) {
		mu.Lock()
		fn(&outcomes[i])
		mu.Unlock()
	}

	p.log.Debugf("starting %d workers for %d targets", workers, len(targets))
	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				t, ok := q.pop()
				if !ok {
					return
				}
				p.handle(ctx, q, targets[t.index], t, record)
			}
		}()
	}
	wg.Wait()
	return outcomes
}

func (p *Pool) handle(ctx context.Context, q *queue, target Target, t task, record func(int, func(*Outcome))) {
	log := p.log.WithFields(map[string]any{"target": target.Name})

	if err := ctx.Err(); err != nil {
		record(t.index, func(o *Outcome) {
			o.Status = model.StatusFailed
			o.Stderr = append(o.Stderr, fmt.Sprintf("cancelled: %v", err))
		})
		return
	}

	if p.opts.DryRun {
		record(t.index, func(o *Outcome) {
			o.Status = model.StatusSuccess
			o.DryRun = true
			if t.kind == taskPing {
				o.Tries = t.tries + 1
			}
		})
		if t.kind == taskReset && target.hasPing() {
			q.push(task{kind: taskPing, index: t.index})
		}
		return
	}

	switch t.kind {
	case taskReset:
		res := p.exec.Run(ctx, target.Reset)
		record(t.index, func(o *Outcome) {
			o.Status = res.Status
			o.Stdout = append(o.Stdout, res.Stdout...)
			o.Stderr = append(o.Stderr, res.Stderr...)
		})
		if res.Succeeded() && target.hasPing() {
			q.push(task{kind: taskPing, index: t.index})
		} else if !res.Succeeded() {
			log.Warn("reset command failed")
		}

	case taskPing:
		res := p.exec.Run(ctx, target.Ping)
		tries := t.tries + 1
		if res.Succeeded() {
			log.Infof("target responded after %d tries", tries)
			record(t.index, func(o *Outcome) {
				o.Status = model.StatusSuccess
				o.Tries = tries
			})
			return
		}
		if tries >= p.opts.MaxTries {
			log.Warn("target did not respond before the try budget ran out")
			record(t.index, func(o *Outcome) {
				o.Status = model.StatusFailed
				o.Tries = tries
				o.TimedOut = true
				o.Stderr = append(o.Stderr, fmt.Sprintf("%s did not respond after %d tries", target.Name, tries))
			})
			return
		}
		if p.opts.PingInterval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(p.opts.PingInterval):
			}
		}
		q.push(task{kind: taskPing, index: t.index, tries: tries})
	}
}

// Failed reports whether any outcome is non-zero.
func Failed(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Status != model.StatusSuccess {
			return true
		}
	}
	return false
}
