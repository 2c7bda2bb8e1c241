// Package execcmd spawns external commands for sections and captures their
// output line by line.
package execcmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/mtt/internal/logger"
	"github.com/alexisbeaulieu97/mtt/internal/model"
)

// Command describes one process to spawn.
type Command struct {
	// Section tags every captured line for log correlation.
	Section string
	// Args is the argv of the process. When Shell is set it is ignored.
	Args []string
	// Shell is run through "sh -c".
	Shell string
	Dir   string
	Env   *Overlay
	Stdin io.Reader

	MergeStdoutStderr bool
	// StdoutSaveLines and StderrSaveLines keep only the last N lines of each
	// stream; zero or negative keeps everything.
	StdoutSaveLines int
	StderrSaveLines int
	Timeout         time.Duration
}

// String renders the command for logs.
func (c Command) String() string {
	if c.Shell != "" {
		return c.Shell
	}
	return strings.Join(c.Args, " ")
}

// Result is the outcome of a command. Status 0 means success.
type Result struct {
	Status   int
	Stdout   []string
	Stderr   []string
	Elapsed  time.Duration
	TimedOut bool
	DryRun   bool
}

// Succeeded reports a zero status.
func (r Result) Succeeded() bool {
	return r.Status == model.StatusSuccess
}

// ApplyTo copies the outcome onto rec.
func (r Result) ApplyTo(rec *model.ExecutionRecord) {
	rec.Status = r.Status
	rec.Stdout = append(rec.Stdout, r.Stdout...)
	rec.Stderr = append(rec.Stderr, r.Stderr...)
}

// Options configures a Runner.
type Options struct {
	DryRun bool
	Logger *logger.Logger
}

// Runner executes commands. It is safe for concurrent use.
type Runner struct {
	dryRun bool
	log    *logger.Logger
}

// NewRunner creates a Runner.
func NewRunner(opts Options) *Runner {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{dryRun: opts.DryRun, log: log}
}

// DryRun reports whether commands are short-circuited.
func (r *Runner) DryRun() bool {
	return r.dryRun
}

// Run spawns the command and waits for it. Launch failures are reported as
// status 1 with the OS error as stderr; Run never returns an error.
func (r *Runner) Run(ctx context.Context, c Command) Result {
	return r.Start(ctx, c).Wait()
}

// Process is a command that was started and may still be running.
type Process struct {
	cmd     Command
	started time.Time
	pid     int
	done    chan struct{}
	cancel  context.CancelFunc
	result  Result
}

// Start spawns the command without waiting for it. A launch failure yields a
// Process that is already done.
func (r *Runner) Start(ctx context.Context, c Command) *Process {
	log := r.log.WithSection(c.Section)
	p := &Process{cmd: c, started: time.Now(), done: make(chan struct{})}

	if r.dryRun {
		log.Infof("dry run: %s", c)
		p.finish(Result{Status: model.StatusSuccess, Stdout: []string{}, Stderr: []string{}, DryRun: true})
		return p
	}

	argv := c.Args
	if c.Shell != "" {
		argv = []string{"sh", "-c", c.Shell}
	}
	if len(argv) == 0 {
		p.finish(Result{Status: model.StatusFailed, Stdout: []string{}, Stderr: []string{"no command specified"}})
		return p
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	p.cancel = cancel

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	if c.Env != nil {
		cmd.Env = c.Env.Environ(nil)
		if path, ok := c.Env.Lookup("PATH"); ok {
			// resolve argv[0] against the overlay PATH, not ours
			if resolved, err := lookPathIn(argv[0], path); err == nil {
				cmd.Path = resolved
				cmd.Err = nil
			}
		}
	}
	configureProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		p.finish(launchFailure(p.started, err))
		return p
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		p.finish(launchFailure(p.started, err))
		return p
	}

	log.Debugf("executing: %s", c)
	if err := cmd.Start(); err != nil {
		cancel()
		log.Error(err, "failed to start command")
		p.finish(launchFailure(p.started, err))
		return p
	}
	p.pid = cmd.Process.Pid

	go func() {
		defer cancel()

		var (
			mu       sync.Mutex
			outLines []string
			errLines []string
			wg       sync.WaitGroup
		)
		collect := func(reader io.Reader, stream string, toStderr bool) {
			defer wg.Done()
			scanner := bufio.NewScanner(reader)
			scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
			for scanner.Scan() {
				line := scanner.Text()
				log.Line(stream, line)
				mu.Lock()
				if toStderr {
					errLines = append(errLines, line)
				} else {
					outLines = append(outLines, line)
				}
				mu.Unlock()
			}
			if err := scanner.Err(); err != nil {
				note := fmt.Sprintf("%s: %v, output truncated", stream, err)
				if errors.Is(err, bufio.ErrTooLong) {
					note = fmt.Sprintf("%s: line exceeds %d MiB, output truncated", stream, maxLineBytes>>20)
				}
				mu.Lock()
				errLines = append(errLines, note)
				mu.Unlock()
				// keep the child from blocking on a full pipe
				_, _ = io.Copy(io.Discard, reader)
			}
		}

		wg.Add(2)
		go collect(stdout, "stdout", c.MergeStdoutStderr)
		go collect(stderr, "stderr", true)
		wg.Wait()

		waitErr := cmd.Wait()

		res := Result{
			Stdout:  keepLast(nonNil(outLines), c.StdoutSaveLines),
			Stderr:  keepLast(nonNil(errLines), c.StderrSaveLines),
			Elapsed: time.Since(p.started),
		}
		switch {
		case waitErr == nil:
			res.Status = model.StatusSuccess
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			res.Status = model.StatusFailed
			res.TimedOut = true
			res.Stderr = append(res.Stderr, fmt.Sprintf("command timed out after %s", c.Timeout))
		default:
			res.Status = exitStatus(waitErr)
			if ctx.Err() != nil {
				res.Stderr = append(res.Stderr, fmt.Sprintf("command interrupted: %v", ctx.Err()))
			}
		}

		log.Debugf("command finished with status %d in %s", res.Status, res.Elapsed)
		p.finish(res)
	}()

	return p
}

// maxLineBytes bounds one captured output line.
const maxLineBytes = 4 * 1024 * 1024

func (p *Process) finish(res Result) {
	if res.Elapsed == 0 {
		res.Elapsed = time.Since(p.started)
	}
	p.result = res
	close(p.done)
}

// Wait blocks until the process exits and returns its result.
func (p *Process) Wait() Result {
	<-p.done
	return p.result
}

// WaitTimeout waits at most d. ok is false when the process is still
// running afterwards.
func (p *Process) WaitTimeout(d time.Duration) (Result, bool) {
	select {
	case <-p.done:
		return p.result, true
	case <-time.After(d):
		return Result{}, false
	}
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Pid returns the OS process id, zero when the process never started.
func (p *Process) Pid() int {
	return p.pid
}

// Started returns the spawn time.
func (p *Process) Started() time.Time {
	return p.started
}

// Command returns what was spawned.
func (p *Process) Command() Command {
	return p.cmd
}

// Terminate kills the process and its process group.
func (p *Process) Terminate() {
	if !p.Alive() {
		return
	}
	if p.pid > 0 {
		_ = TerminateGroup(p.pid, true)
	}
	if p.cancel != nil {
		p.cancel()
	}
}

func exitStatus(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code > 0 {
			return code
		}
	}
	return model.StatusFailed
}

func launchFailure(start time.Time, err error) Result {
	return Result{
		Status:  model.StatusFailed,
		Stdout:  []string{},
		Stderr:  []string{err.Error()},
		Elapsed: time.Since(start),
	}
}

func keepLast(lines []string, n int) []string {
	if n <= 0 || len(lines) <= n {
		return lines
	}
	return append([]string(nil), lines[len(lines)-n:]...)
}

func nonNil(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}

// SplitLines turns captured text into the line form stored on records.
func SplitLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}
