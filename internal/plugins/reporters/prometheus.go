package reporters

import (
	"context"
	"path/filepath"

	"github.com/alexisbeaulieu97/mtt/internal/config"
	"github.com/alexisbeaulieu97/mtt/internal/metrics"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
)

type prometheusReporter struct {
	plugin.BasePlugin
}

// NewPrometheus creates the Prometheus reporter. It writes section and test
// counters in the node-exporter textfile format.
func NewPrometheus() plugin.Plugin {
	return &prometheusReporter{}
}

func (p *prometheusReporter) Describe() plugin.Descriptor {
	return reporter("Prometheus", plugin.Schema{
		{Name: "filename", Default: "mtt.prom", Description: "Textfile to write; relative names are placed under the scratch directory"},
	})
}

func (p *prometheusReporter) Execute(_ context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	filename := params.String("filename")
	if filename == "" {
		rec.Fail(model.StatusFailed, "No filename given")
		return
	}
	if !filepath.IsAbs(filename) {
		filename = filepath.Join(rc.Options().Scratch, filename)
	}

	m := collect(rc.Log().All())
	if err := m.WriteTextfile(filename); err != nil {
		rec.Fail(model.StatusFailed, "write %s: %v", filename, err)
		return
	}
	finish(rec, filename)
}

func collect(records []*model.ExecutionRecord) *metrics.Metrics {
	m := metrics.New()
	for _, r := range records {
		m.ObserveSection(config.ParseTitle(r.Section).Category, metrics.Outcome(r.Status), r.Elapsed)
		for _, t := range testResults(r) {
			outcome := metrics.Outcome(t.Status)
			if t.Skipped {
				outcome = metrics.OutcomeSkipped
			}
			m.ObserveTest(r.Section, outcome)
		}
	}
	return m
}
