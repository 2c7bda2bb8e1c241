// Package stages holds the Default<Category> plugins that run a section when
// it names no plugin of its own.
package stages

import (
	"context"
	"path/filepath"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	ipmiplugin "github.com/alexisbeaulieu97/mtt/internal/plugins/ipmitool"
	shellplugin "github.com/alexisbeaulieu97/mtt/internal/plugins/shell"
)

// All returns every default stage plugin.
func All() []plugin.Plugin {
	return []plugin.Plugin{
		NewMTTDefaults(),
		NewTestBuild(),
		NewTestRun(),
		NewProvisioning(),
	}
}

func stage(category string, options plugin.Schema) plugin.Descriptor {
	return plugin.Descriptor{
		Kind:     plugin.KindStage,
		Category: category,
		Name:     plugin.DefaultName(category),
		Options:  options,
	}
}

type mttDefaults struct {
	plugin.BasePlugin
}

// NewMTTDefaults creates the plugin recording run-wide defaults. Its options
// become the defaults layer of every later section.
func NewMTTDefaults() plugin.Plugin {
	return &mttDefaults{}
}

func (p *mttDefaults) Describe() plugin.Descriptor {
	return stage("MTTDefaults", plugin.Schema{
		{Name: "trial", Default: false, Description: "Use when testing your MTT client setup; results that are generated and submitted to the database are marked as trials"},
		{Name: "scratch", Default: "./mttscratch", Description: "Specify the DIRECTORY under which scratch files are to be stored"},
		{Name: "logfile", Description: "Log all output to FILE"},
		{Name: "description", Description: "Provide a brief title/description to be included in the log for this test"},
		{Name: "submit_group_results", Default: true, Description: "For each Reporter section, submit all results as one group"},
		{Name: "platform", Description: "Name of the system under test"},
		{Name: "organization", Description: "Organization responsible for the results"},
	})
}

func (p *mttDefaults) Execute(_ context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	scratch := rc.Options().Scratch
	if scratch == "" {
		scratch = params.String("scratch")
	}
	if abs, err := filepath.Abs(scratch); err == nil {
		scratch = abs
	}
	rec.Set("scratch", scratch)
	rec.Set("execid", rc.Options().ExecutionID)
	if desc := params.String("description"); desc != "" {
		rec.Stdout = append(rec.Stdout, desc)
	}
	rec.Status = model.StatusSuccess
}

type testBuild struct {
	plugin.BasePlugin
}

// NewTestBuild creates the default TestBuild stage. It hands the section to
// the Shell build tool.
func NewTestBuild() plugin.Plugin {
	return &testBuild{}
}

func (p *testBuild) Describe() plugin.Descriptor {
	return stage("TestBuild", shellplugin.Schema())
}

func (p *testBuild) Execute(ctx context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	delegate(ctx, rec, params, rc, shellplugin.Category, shellplugin.Name)
}

type provisioning struct {
	plugin.BasePlugin
}

// NewProvisioning creates the default Provisioning stage. The tool option
// selects the CNC tool that resets the nodes.
func NewProvisioning() plugin.Plugin {
	return &provisioning{}
}

func (p *provisioning) Describe() plugin.Descriptor {
	return stage("Provisioning", append(plugin.Schema{
		{Name: "tool", Default: ipmiplugin.Name, Description: "CNC tool used to provision the nodes"},
	}, ipmiplugin.Schema()...))
}

func (p *provisioning) Execute(ctx context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	delegate(ctx, rec, params, rc, ipmiplugin.Category, params.String("tool"))
}

func delegate(ctx context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext, category, name string) {
	tool, err := rc.Registry().Find(category, name)
	if err != nil {
		rec.Fail(model.StatusFailed, "Specified %s tool %s was not found: %v", category, name, err)
		return
	}
	if err := tool.Activate(); err != nil {
		rec.Fail(model.StatusFailed, "activate %s: %v", tool.Describe().ID(), err)
		return
	}
	tool.Execute(ctx, rec, params, rc)
}
