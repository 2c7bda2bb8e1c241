// Package builtin registers every compiled-in plugin.
package builtin

import (
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	gitplugin "github.com/alexisbeaulieu97/mtt/internal/plugins/git"
	installedplugin "github.com/alexisbeaulieu97/mtt/internal/plugins/installed"
	ipmiplugin "github.com/alexisbeaulieu97/mtt/internal/plugins/ipmitool"
	"github.com/alexisbeaulieu97/mtt/internal/plugins/reporters"
	shellplugin "github.com/alexisbeaulieu97/mtt/internal/plugins/shell"
	"github.com/alexisbeaulieu97/mtt/internal/plugins/stages"
	"github.com/alexisbeaulieu97/mtt/internal/plugins/utilities"
)

// Plugins returns a fresh instance of every built-in plugin.
func Plugins() []plugin.Plugin {
	var out []plugin.Plugin
	out = append(out, stages.All()...)
	out = append(out,
		shellplugin.New(),
		gitplugin.New(),
		installedplugin.New(),
		ipmiplugin.New(),
	)
	out = append(out, utilities.All()...)
	return append(out, reporters.All()...)
}

// Register adds the built-in plugins to reg. Plugins already registered
// from a search root with the same category and name take precedence.
func Register(reg *plugin.Registry) error {
	for _, p := range Plugins() {
		if _, err := reg.Register(p, plugin.SourceBuiltin); err != nil {
			return err
		}
	}
	return nil
}
