// Package reporters implements the Reporter stage plugins. Each one reads
// the result log accumulated so far and renders or submits it.
package reporters

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
)

// All returns every reporter.
func All() []plugin.Plugin {
	return []plugin.Plugin{
		NewTextFile(),
		NewJunitXML(),
		NewJSONFile(),
		NewMTTDatabase(),
		NewAMQP(),
		NewPrometheus(),
		NewLogInterpolationDebug(),
	}
}

func reporter(name string, options plugin.Schema) plugin.Descriptor {
	return plugin.Descriptor{
		Kind:     plugin.KindStage,
		Category: plugin.CategoryReporter,
		Name:     name,
		Options:  options,
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// output opens filename for writing, or wraps stdout when it is empty. A
// relative name is placed under the scratch directory.
func output(filename string, rc plugin.RunContext, stdout io.Writer) (io.WriteCloser, string, error) {
	if filename == "" {
		if stdout == nil {
			stdout = os.Stdout
		}
		return nopCloser{stdout}, "", nil
	}
	if !filepath.IsAbs(filename) {
		filename = filepath.Join(rc.Options().Scratch, filename)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, "", err
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, "", err
	}
	return f, filename, nil
}

// executionID returns the run's id, minting one when the run has none.
func executionID(rc plugin.RunContext) string {
	if id := rc.Options().ExecutionID; id != "" {
		return id
	}
	return uuid.NewString()
}

// description is the MTTDefaults description, if any.
func description(rc plugin.RunContext) string {
	return strings.TrimSpace(rc.Defaults().String("description"))
}

// finish marks a reporter record as done. A reporter that wrote somewhere
// records the destination.
func finish(rec *model.ExecutionRecord, dest string) {
	rec.Status = model.StatusSuccess
	if dest != "" {
		rec.Set("output", dest)
		rec.Stdout = append(rec.Stdout, "report written to "+dest)
	}
}

// testResults returns the per-test results recorded by a TestRun section.
func testResults(rec *model.ExecutionRecord) []model.TestResult {
	v, ok := rec.Get(model.DataTests)
	if !ok {
		return nil
	}
	results, _ := v.([]model.TestResult)
	return results
}

func isTestRun(rec *model.ExecutionRecord) bool {
	return strings.HasPrefix(rec.Section, plugin.CategoryTestRun)
}
