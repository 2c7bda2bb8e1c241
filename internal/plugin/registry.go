package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alexisbeaulieu97/mtt/internal/logger"
	mtterrors "github.com/alexisbeaulieu97/mtt/pkg/errors"
)

// SourceBuiltin marks compiled-in plugins.
const SourceBuiltin = "builtin"

type entry struct {
	plugin Plugin
	desc   Descriptor
	seq    int
}

// Registry groups plugins by category. The first registration of a
// (category, name) pair wins, so search roots registered earlier override
// later ones and compiled-in plugins are registered last.
type Registry struct {
	mu         sync.RWMutex
	categories map[string][]*entry
	kinds      map[string]Kind
	ordering   map[string]int
	seq        int
	logger     *logger.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		categories: make(map[string][]*entry),
		kinds:      make(map[string]Kind),
		ordering:   make(map[string]int),
		logger:     log,
	}
}

// Register adds p. A plugin whose (category, name) is already present is
// skipped and reported through the returned bool, except Default<Category>
// plugins: every root may contribute one and DefaultFor picks by priority.
func (r *Registry) Register(p Plugin, source string) (bool, error) {
	if p == nil {
		return false, mtterrors.NewPluginError("", fmt.Errorf("plugin is nil"))
	}
	desc := p.Describe()
	if err := desc.Validate(); err != nil {
		return false, mtterrors.NewPluginError(desc.Name, err)
	}
	if desc.Source == "" {
		desc.Source = source
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if kind, ok := r.kinds[desc.Category]; ok && kind != desc.Kind {
		return false, mtterrors.NewPluginError(desc.Name,
			fmt.Errorf("category '%s' is a %s category, plugin declares %s", desc.Category, kind, desc.Kind))
	}

	isDefault := desc.Name == DefaultName(desc.Category)
	for _, e := range r.categories[desc.Category] {
		if e.desc.Name != desc.Name {
			continue
		}
		if e.desc.Source == desc.Source {
			return false, ErrDuplicatePlugin{ID: desc.ID(), Source: desc.Source}
		}
		if isDefault {
			// default candidates from every root compete on priority
			continue
		}
		r.logger.Debugf("plugin %s from %s shadowed by %s", desc.ID(), desc.Source, e.desc.Source)
		return false, nil
	}

	r.seq++
	r.categories[desc.Category] = append(r.categories[desc.Category], &entry{plugin: p, desc: desc, seq: r.seq})
	r.kinds[desc.Category] = desc.Kind
	if desc.Kind == KindStage {
		if _, builtin := StageOrdering[desc.Category]; !builtin {
			if _, seen := r.ordering[desc.Category]; !seen {
				r.ordering[desc.Category] = desc.Ordering
			}
		}
	}
	return true, nil
}

// MustRegister registers compiled-in plugins and panics on invalid
// descriptors.
func (r *Registry) MustRegister(plugins ...Plugin) {
	for _, p := range plugins {
		if _, err := r.Register(p, SourceBuiltin); err != nil {
			panic(err)
		}
	}
}

// Resolve returns the plugin name registered in category.
func (r *Registry) Resolve(category, name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == DefaultName(category) {
		if best := r.defaultLocked(category); best != nil {
			return best.plugin, nil
		}
	}
	for _, e := range r.categories[category] {
		if e.desc.Name == name {
			return e.plugin, nil
		}
	}
	return nil, ErrPluginNotFound{Category: category, Name: name}
}

// DefaultFor returns the highest-priority plugin named Default<Category>,
// breaking ties by discovery order.
func (r *Registry) DefaultFor(category string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := r.defaultLocked(category)
	if best == nil {
		return nil, ErrNoDefault{Category: category}
	}
	return best.plugin, nil
}

func (r *Registry) defaultLocked(category string) *entry {
	want := DefaultName(category)
	var best *entry
	for _, e := range r.categories[category] {
		if e.desc.Name != want {
			continue
		}
		if best == nil || e.desc.Priority > best.desc.Priority {
			best = e
		}
	}
	return best
}

// Find resolves an explicit plugin= value. "Category:Name" is resolved
// directly; a bare name is searched in stage categories, then tools, then
// utilities. Within one kind a name provided by several categories is
// ambiguous unless the section's own category is one of them.
func (r *Registry) Find(sectionCategory, name string) (Plugin, error) {
	if category, plain, ok := strings.Cut(name, ":"); ok {
		return r.Resolve(category, plain)
	}

	if p, err := r.Resolve(sectionCategory, name); err == nil {
		return p, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, kind := range []Kind{KindStage, KindTool, KindUtility} {
		var (
			found      Plugin
			categories []string
		)
		for _, category := range r.sortedCategoriesLocked(kind) {
			for _, e := range r.categories[category] {
				if e.desc.Name == name {
					found = e.plugin
					categories = append(categories, category)
					break
				}
			}
		}
		switch len(categories) {
		case 0:
			continue
		case 1:
			return found, nil
		default:
			return nil, ErrAmbiguousPlugin{Name: name, Categories: categories}
		}
	}
	return nil, ErrPluginNotFound{Name: name}
}

// Stages returns stage categories in pipeline order. Built-in stages use
// their fixed positions; other categories use their declared ordering with
// ties broken by name.
func (r *Registry) Stages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	stages := make([]string, 0, len(StageOrdering)+len(r.ordering))
	for category := range StageOrdering {
		stages = append(stages, category)
		seen[category] = struct{}{}
	}
	for category := range r.ordering {
		if _, ok := seen[category]; !ok {
			stages = append(stages, category)
		}
	}
	sort.Slice(stages, func(i, j int) bool {
		oi, oj := r.orderOf(stages[i]), r.orderOf(stages[j])
		if oi != oj {
			return oi < oj
		}
		return stages[i] < stages[j]
	})
	return stages
}

func (r *Registry) orderOf(category string) int {
	if o, ok := StageOrdering[category]; ok {
		return o
	}
	return r.ordering[category]
}

// IsStage reports whether category is a pipeline stage.
func (r *Registry) IsStage(category string) bool {
	if _, ok := StageOrdering[category]; ok {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[category] == KindStage
}

// Categories returns every category of the given kind, sorted by name.
func (r *Registry) Categories(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedCategoriesLocked(kind)
}

func (r *Registry) sortedCategoriesLocked(kind Kind) []string {
	out := make([]string, 0, len(r.categories))
	for category, k := range r.kinds {
		if k == kind {
			out = append(out, category)
		}
	}
	sort.Strings(out)
	return out
}

// List returns descriptors of category in discovery order, or of every
// category when category is empty.
func (r *Registry) List(category string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*entry
	if category != "" {
		entries = append(entries, r.categories[category]...)
	} else {
		for _, list := range r.categories {
			entries = append(entries, list...)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].desc.Category != entries[j].desc.Category {
			return entries[i].desc.Category < entries[j].desc.Category
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]Descriptor, len(entries))
	for i, e := range entries {
		out[i] = e.desc
	}
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.categories {
		n += len(list)
	}
	return n
}
