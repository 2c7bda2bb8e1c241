package plugin

import (
	"fmt"
)

// ErrPluginNotFound is returned when the requested plugin is not registered.
type ErrPluginNotFound struct {
	Category string
	Name     string
}

func (e ErrPluginNotFound) Error() string {
	if e.Category == "" {
		return fmt.Sprintf("plugin '%s' not found in any category\nHint: check the plugin= option or add a --plugin-dir", e.Name)
	}
	return fmt.Sprintf("plugin '%s' not found in category '%s'\nHint: check the plugin= option or add a --plugin-dir", e.Name, e.Category)
}

// ErrNoDefault is returned when a category has no Default<Category> plugin
// and the section did not name one.
type ErrNoDefault struct {
	Category string
}

func (e ErrNoDefault) Error() string {
	return fmt.Sprintf(
		"category '%s' has no default plugin\nHint: register '%s' or set plugin= in the section",
		e.Category,
		DefaultName(e.Category),
	)
}

// ErrAmbiguousPlugin is returned when an explicit plugin name exists in more
// than one category of the same kind.
type ErrAmbiguousPlugin struct {
	Name       string
	Categories []string
}

func (e ErrAmbiguousPlugin) Error() string {
	return fmt.Sprintf("plugin '%s' is ambiguous, it is provided by categories %v\nHint: qualify it as Category:Name", e.Name, e.Categories)
}

// ErrDuplicatePlugin is returned when the same plugin is registered twice
// from the same source.
type ErrDuplicatePlugin struct {
	ID     string
	Source string
}

func (e ErrDuplicatePlugin) Error() string {
	return fmt.Sprintf("plugin '%s' registered twice from %s", e.ID, e.Source)
}
