package execcmd

import (
	"os"
	"sort"
	"strings"
	"sync"
)

// Overlay is a set of environment changes layered on top of the
// orchestrator's own environment when a command is spawned. The
// orchestrator's process environment is never modified.
type Overlay struct {
	mu    sync.RWMutex
	set   map[string]string
	unset map[string]struct{}
}

// NewOverlay returns an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{set: make(map[string]string), unset: make(map[string]struct{})}
}

// Set assigns key for spawned commands.
func (o *Overlay) Set(key, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.set[key] = value
	delete(o.unset, key)
}

// Unset removes key from spawned commands' environment.
func (o *Overlay) Unset(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.set, key)
	o.unset[key] = struct{}{}
}

// Prepend adds dirs in front of a path-list variable such as PATH.
func (o *Overlay) Prepend(key string, dirs ...string) {
	if len(dirs) == 0 {
		return
	}
	current, _ := o.Lookup(key)
	parts := append([]string{}, dirs...)
	if current != "" {
		parts = append(parts, current)
	}
	o.Set(key, strings.Join(parts, string(os.PathListSeparator)))
}

// Lookup resolves key through the overlay and then the process environment.
func (o *Overlay) Lookup(key string) (string, bool) {
	if o == nil {
		return os.LookupEnv(key)
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if v, ok := o.set[key]; ok {
		return v, true
	}
	if _, ok := o.unset[key]; ok {
		return "", false
	}
	return os.LookupEnv(key)
}

// Clone copies the overlay so a section can change it without leaking into
// the parent.
func (o *Overlay) Clone() *Overlay {
	out := NewOverlay()
	if o == nil {
		return out
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for k, v := range o.set {
		out.set[k] = v
	}
	for k := range o.unset {
		out.unset[k] = struct{}{}
	}
	return out
}

// Vars returns the explicitly set variables.
func (o *Overlay) Vars() map[string]string {
	out := make(map[string]string)
	if o == nil {
		return out
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for k, v := range o.set {
		out[k] = v
	}
	return out
}

// Environ merges the overlay into base (os.Environ() when nil) and returns a
// KEY=VALUE slice suitable for exec.Cmd.Env.
func (o *Overlay) Environ(base []string) []string {
	if base == nil {
		base = os.Environ()
	}
	if o == nil {
		return base
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]string, 0, len(base)+len(o.set))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, drop := o.unset[key]; drop {
			continue
		}
		if _, replaced := o.set[key]; replaced {
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(o.set))
	for k := range o.set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+o.set[k])
	}
	return out
}
