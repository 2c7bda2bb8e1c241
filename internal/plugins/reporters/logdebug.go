package reporters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	"github.com/alexisbeaulieu97/mtt/internal/resultlog"
)

type logDebug struct {
	plugin.BasePlugin
	stdout io.Writer
}

// NewLogInterpolationDebug creates the reporter that lists every
// ${LOG:...} reference resolvable at this point of the run.
func NewLogInterpolationDebug() plugin.Plugin {
	return &logDebug{stdout: os.Stdout}
}

func (p *logDebug) Describe() plugin.Descriptor {
	return reporter("LogInterpolationDebug", plugin.Schema{
		{Name: "filename", Description: "Name of the file into which the listing is written"},
	})
}

func (p *logDebug) Execute(_ context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	w, dest, err := output(params.String("filename"), rc, p.stdout)
	if err != nil {
		rec.Fail(model.StatusFailed, "open listing: %v", err)
		return
	}
	defer w.Close()

	var lines []string
	for _, r := range rc.Log().All() {
		raw, err := json.Marshal(resultlog.EntryFor(r))
		if err != nil {
			rec.Fail(model.StatusFailed, "encode %s: %v", r.Section, err)
			return
		}
		walk(r.Section, gjson.ParseBytes(raw), &lines)
	}
	if _, err := io.WriteString(w, strings.Join(lines, "\n")+"\n"); err != nil {
		rec.Fail(model.StatusFailed, "write listing: %v", err)
		return
	}
	finish(rec, dest)
}

// walk lists prefix and everything below it. Containers are abbreviated
// with one dot per element, at least three.
func walk(prefix string, value gjson.Result, lines *[]string) {
	if !value.IsObject() && !value.IsArray() {
		*lines = append(*lines, fmt.Sprintf("${LOG:%s} = %s", prefix, value.String()))
		return
	}

	var children int
	value.ForEach(func(_, _ gjson.Result) bool {
		children++
		return true
	})
	open, closing := "{", "}"
	if value.IsArray() {
		open, closing = "[", "]"
	}
	if children == 0 {
		*lines = append(*lines, fmt.Sprintf("${LOG:%s} = %s%s", prefix, open, closing))
		return
	}
	*lines = append(*lines, fmt.Sprintf("${LOG:%s} = %s %s %s", prefix, open, strings.Repeat(".", max(3, children)), closing))

	if value.IsArray() {
		i := 0
		value.ForEach(func(_, v gjson.Result) bool {
			walk(fmt.Sprintf("%s.%d", prefix, i), v, lines)
			i++
			return true
		})
		return
	}
	value.ForEach(func(k, v gjson.Result) bool {
		walk(prefix+"."+k.String(), v, lines)
		return true
	})
}
