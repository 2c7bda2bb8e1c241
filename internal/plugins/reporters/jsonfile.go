package reporters

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	"github.com/alexisbeaulieu97/mtt/internal/resultlog"
)

// Document is the JSON form of a run shared by the JSONFile and AMQP
// reporters.
type Document struct {
	ExecutionID  string            `json:"execid"`
	Description  string            `json:"description,omitempty"`
	Platform     string            `json:"platform,omitempty"`
	Organization string            `json:"organization,omitempty"`
	Trial        bool              `json:"trial"`
	Generated    time.Time         `json:"generated"`
	Payload      []resultlog.Entry `json:"payload"`
}

func document(rc plugin.RunContext) Document {
	defaults := rc.Defaults()
	return Document{
		ExecutionID:  executionID(rc),
		Description:  description(rc),
		Platform:     defaults.String("platform"),
		Organization: defaults.String("organization"),
		Trial:        defaults.Bool("trial"),
		Generated:    time.Now().UTC(),
		Payload:      rc.Log().Payload(),
	}
}

type jsonFile struct {
	plugin.BasePlugin
	stdout io.Writer
}

// NewJSONFile creates the JSONFile reporter.
func NewJSONFile() plugin.Plugin {
	return &jsonFile{stdout: os.Stdout}
}

func (p *jsonFile) Describe() plugin.Descriptor {
	return reporter("JSONFile", plugin.Schema{
		{Name: "filename", Description: "Name of the file into which the report is to be written"},
		{Name: "pretty", Default: true, Description: "Indent the JSON output"},
	})
}

func (p *jsonFile) Execute(_ context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	w, dest, err := output(params.String("filename"), rc, p.stdout)
	if err != nil {
		rec.Fail(model.StatusFailed, "open report: %v", err)
		return
	}
	defer w.Close()

	enc := json.NewEncoder(w)
	if params.Bool("pretty") {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(document(rc)); err != nil {
		rec.Fail(model.StatusFailed, "write report: %v", err)
		return
	}
	finish(rec, dest)
}
