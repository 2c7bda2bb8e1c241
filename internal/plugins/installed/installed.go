package installedplugin

import (
	"context"
	"path/filepath"

	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
)

const (
	Category = "Fetch"
	Name     = "AlreadyInstalled"
)

type installedPlugin struct {
	plugin.BasePlugin
}

// New creates the AlreadyInstalled fetch tool. It succeeds when the named
// executable is on the section's PATH and records the installation prefix
// as the location.
func New() plugin.Plugin {
	return &installedPlugin{}
}

var _ plugin.Plugin = (*installedPlugin)(nil)

func (p *installedPlugin) Describe() plugin.Descriptor {
	return plugin.Descriptor{
		Kind:     plugin.KindTool,
		Category: Category,
		Name:     Name,
		Options: plugin.Schema{
			{Name: "exec", Description: "Executable that should be in path"},
		},
	}
}

func (p *installedPlugin) Execute(_ context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	name := params.String("exec")
	if name == "" {
		rec.Status = model.StatusSuccess
		return
	}

	found, err := execcmd.LookPath(rc.Env(), name)
	if err != nil {
		rec.Fail(model.StatusFailed, "Executable %s not found", name)
		return
	}
	rec.Status = model.StatusSuccess
	rec.Stdout = append(rec.Stdout, found)
	// <prefix>/bin/<exec>
	rec.Set(model.DataLocation, filepath.Dir(filepath.Dir(found)))
}
