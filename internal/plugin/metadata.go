package plugin

import (
	"fmt"
	"regexp"
	"strings"
)

var identPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Kind separates pipeline stages from the tools and utilities stages
// delegate to.
type Kind string

const (
	KindStage   Kind = "stage"
	KindTool    Kind = "tool"
	KindUtility Kind = "utility"
)

// Option is one entry of a plugin's option schema.
type Option struct {
	Name        string
	Default     any
	Description string
	// Action is a command template used by declarative plugins.
	Action string
}

// Schema is the ordered option list of a plugin.
type Schema []Option

// Lookup finds an option by name.
func (s Schema) Lookup(name string) (Option, bool) {
	for _, opt := range s {
		if opt.Name == name {
			return opt, true
		}
	}
	return Option{}, false
}

// Names returns option names in declaration order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, opt := range s {
		out[i] = opt.Name
	}
	return out
}

// Descriptor identifies a plugin. (Category, Name) is unique in a registry.
type Descriptor struct {
	Kind     Kind
	Category string
	Name     string
	// Priority orders Default<Category> candidates; higher wins.
	Priority int
	// Ordering positions a stage category in the pipeline. Only consulted
	// for categories that are not built in.
	Ordering int
	Options  Schema
	Source   string
}

// ID returns "Category:Name".
func (d Descriptor) ID() string {
	return d.Category + ":" + d.Name
}

// Validate ensures the descriptor is well-formed.
func (d Descriptor) Validate() error {
	if !identPattern.MatchString(d.Category) {
		return fmt.Errorf("plugin '%s' has invalid category '%s'", d.Name, d.Category)
	}
	if !identPattern.MatchString(d.Name) {
		return fmt.Errorf("plugin in category '%s' has invalid name '%s'", d.Category, d.Name)
	}
	switch d.Kind {
	case KindStage, KindTool, KindUtility:
	default:
		return fmt.Errorf("plugin '%s' has unknown kind '%s'", d.Name, d.Kind)
	}

	seen := map[string]struct{}{}
	for _, opt := range d.Options {
		name := strings.TrimSpace(opt.Name)
		if name == "" {
			return fmt.Errorf("plugin '%s' declares an option with empty name", d.Name)
		}
		if _, reserved := reservedKeys[name]; reserved {
			return fmt.Errorf("plugin '%s' declares reserved option '%s'", d.Name, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("plugin '%s' lists option '%s' more than once", d.Name, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Built-in stage categories and their position in the pipeline.
const (
	CategoryMTTDefaults      = "MTTDefaults"
	CategoryBIOS             = "BIOS"
	CategoryFirmware         = "Firmware"
	CategoryProvisioning     = "Provisioning"
	CategoryMiddlewareGet    = "MiddlewareGet"
	CategoryMiddlewareBuild  = "MiddlewareBuild"
	CategoryTestGet          = "TestGet"
	CategoryTestBuild        = "TestBuild"
	CategoryLauncherDefaults = "LauncherDefaults"
	CategoryTestRun          = "TestRun"
	CategoryReporter         = "Reporter"
)

// StageOrdering lists the built-in stages.
var StageOrdering = map[string]int{
	CategoryMTTDefaults:      0,
	CategoryBIOS:             50,
	CategoryFirmware:         100,
	CategoryProvisioning:     200,
	CategoryMiddlewareGet:    300,
	CategoryMiddlewareBuild:  400,
	CategoryTestGet:          450,
	CategoryTestBuild:        460,
	CategoryLauncherDefaults: 490,
	CategoryTestRun:          500,
	CategoryReporter:         600,
}

// DefaultName returns the conventional default plugin name of a category.
func DefaultName(category string) string {
	return "Default" + category
}
