// Package envmod applies environment-module requests for a section and
// reverts them once the section is done.
package envmod

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
)

// ErrNoModuleSupport is returned when a section requests modules but no
// module command is available on the host.
var ErrNoModuleSupport = errors.New("environment module capability was not found")

// ModuleCommand performs module operations against an environment overlay.
type ModuleCommand interface {
	Available() bool
	Load(ctx context.Context, env *execcmd.Overlay, modules []string) error
	Unload(ctx context.Context, env *execcmd.Overlay, modules []string) error
	Swap(ctx context.Context, env *execcmd.Overlay, from, to string) error
}

// Swap is one module replacement.
type Swap struct {
	From string
	To   string
}

// Request lists the module operations a section asks for.
type Request struct {
	Unload []string
	Load   []string
	Swap   []Swap
}

// Empty reports whether the request asks for nothing.
func (r Request) Empty() bool {
	return len(r.Unload) == 0 && len(r.Load) == 0 && len(r.Swap) == 0
}

// ParseRequest builds a Request from the modules, modules_unload and
// modules_swap option values. Module lists are comma or whitespace
// separated; swaps are "from:to" tokens or consecutive from/to pairs.
func ParseRequest(load, unload, swap string) (Request, error) {
	req := Request{Load: fields(load), Unload: fields(unload)}

	tokens := fields(swap)
	var pending []string
	for _, tok := range tokens {
		if from, to, ok := strings.Cut(tok, ":"); ok {
			if from == "" || to == "" {
				return Request{}, fmt.Errorf("malformed module swap %q", tok)
			}
			req.Swap = append(req.Swap, Swap{From: from, To: to})
			continue
		}
		pending = append(pending, tok)
		if len(pending) == 2 {
			req.Swap = append(req.Swap, Swap{From: pending[0], To: pending[1]})
			pending = nil
		}
	}
	if len(pending) != 0 {
		return Request{}, fmt.Errorf("module swap %q has no replacement", pending[0])
	}
	return req, nil
}

func fields(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

type kind int

const (
	kindUnload kind = iota
	kindLoad
	kindSwap
)

type applied struct {
	kind    kind
	modules []string
	swaps   []Swap
}

type sectionState struct {
	env     *execcmd.Overlay
	applied []applied
}

// Stack tracks what was applied per section so revert is exact.
type Stack struct {
	mu       sync.Mutex
	cmd      ModuleCommand
	sections map[string]*sectionState
}

// NewStack creates a Stack backed by cmd. cmd may be nil when the host has
// no module support; requests that name modules then fail.
func NewStack(cmd ModuleCommand) *Stack {
	return &Stack{cmd: cmd, sections: make(map[string]*sectionState)}
}

// Apply runs unload, load and swap in that order against env and records
// every list that succeeded under title. A failing operation stops the
// request and is returned; categories applied before it stay recorded so
// Revert can undo them.
func (s *Stack) Apply(ctx context.Context, title string, req Request, env *execcmd.Overlay) error {
	if req.Empty() {
		return nil
	}
	if s.cmd == nil || !s.cmd.Available() {
		return ErrNoModuleSupport
	}

	s.mu.Lock()
	state, ok := s.sections[title]
	if !ok {
		state = &sectionState{env: env}
		s.sections[title] = state
	}
	s.mu.Unlock()

	if len(req.Unload) > 0 {
		if err := s.cmd.Unload(ctx, env, req.Unload); err != nil {
			return fmt.Errorf("unload modules %s: %w", strings.Join(req.Unload, ","), err)
		}
		s.record(state, applied{kind: kindUnload, modules: req.Unload})
	}
	if len(req.Load) > 0 {
		if err := s.cmd.Load(ctx, env, req.Load); err != nil {
			return fmt.Errorf("load modules %s: %w", strings.Join(req.Load, ","), err)
		}
		s.record(state, applied{kind: kindLoad, modules: req.Load})
	}
	if len(req.Swap) > 0 {
		var done []Swap
		for _, sw := range req.Swap {
			if err := s.cmd.Swap(ctx, env, sw.From, sw.To); err != nil {
				if len(done) > 0 {
					s.record(state, applied{kind: kindSwap, swaps: done})
				}
				return fmt.Errorf("swap module %s for %s: %w", sw.From, sw.To, err)
			}
			done = append(done, sw)
		}
		s.record(state, applied{kind: kindSwap, swaps: done})
	}
	return nil
}

func (s *Stack) record(state *sectionState, a applied) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.applied = append(state.applied, a)
}

// Revert undoes everything applied under title, most recent first: swaps are
// swapped back in reverse order, loads are unloaded and unloads reloaded.
// Every step is attempted; the failures are returned.
func (s *Stack) Revert(ctx context.Context, title string) []error {
	s.mu.Lock()
	state, ok := s.sections[title]
	delete(s.sections, title)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	for i := len(state.applied) - 1; i >= 0; i-- {
		a := state.applied[i]
		switch a.kind {
		case kindSwap:
			for j := len(a.swaps) - 1; j >= 0; j-- {
				sw := a.swaps[j]
				if err := s.cmd.Swap(ctx, state.env, sw.To, sw.From); err != nil {
					errs = append(errs, fmt.Errorf("swap back %s to %s: %w", sw.To, sw.From, err))
				}
			}
		case kindLoad:
			if err := s.cmd.Unload(ctx, state.env, a.modules); err != nil {
				errs = append(errs, fmt.Errorf("unload modules %s: %w", strings.Join(a.modules, ","), err))
			}
		case kindUnload:
			if err := s.cmd.Load(ctx, state.env, a.modules); err != nil {
				errs = append(errs, fmt.Errorf("reload modules %s: %w", strings.Join(a.modules, ","), err))
			}
		}
	}
	return errs
}

// Detach forgets what was applied under title without reverting it.
func (s *Stack) Detach(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sections, title)
}

// Pending lists section titles with unreverted module state.
func (s *Stack) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sections))
	for title := range s.sections {
		out = append(out, title)
	}
	return out
}
