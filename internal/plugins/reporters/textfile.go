package reporters

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
)

type textFile struct {
	plugin.BasePlugin
	stdout io.Writer
}

// NewTextFile creates the TextFile reporter: a summary table followed by the
// detail of every section.
func NewTextFile() plugin.Plugin {
	return &textFile{stdout: os.Stdout}
}

func (p *textFile) Describe() plugin.Descriptor {
	return reporter("TextFile", plugin.Schema{
		{Name: "filename", Description: "Name of the file into which the report is to be written"},
		{Name: "summary_footer", Description: "Footer to be placed at bottom of summary"},
		{Name: "detail_header", Description: "Header to be put at top of detail report"},
		{Name: "detail_footer", Description: "Footer to be placed at bottom of detail report"},
		{Name: "textwrap", Default: 80, Description: "Max line length before wrapping"},
	})
}

func (p *textFile) Execute(_ context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	w, dest, err := output(params.String("filename"), rc, p.stdout)
	if err != nil {
		rec.Fail(model.StatusFailed, "open report: %v", err)
		return
	}
	defer w.Close()

	if err := writeText(w, rc, params); err != nil {
		rec.Fail(model.StatusFailed, "write report: %v", err)
		return
	}
	finish(rec, dest)
}

func writeText(w io.Writer, rc plugin.RunContext, params plugin.Params) error {
	records := rc.Log().All()
	width := params.Int("textwrap")

	var b strings.Builder
	if desc := description(rc); desc != "" {
		b.WriteString(desc + "\n\n")
	}

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Section\tStatus\tDuration")
	var failed int
	for _, r := range records {
		state := "PASS"
		if r.Status != model.StatusSuccess {
			state = fmt.Sprintf("FAIL (%d)", r.Status)
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2fs\n", r.Section, state, r.Elapsed.Seconds())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(&b, "\n%d sections, %d failed\n", len(records), failed)
	if footer := params.String("summary_footer"); footer != "" {
		b.WriteString(footer + "\n")
	}

	b.WriteString("\n")
	if header := params.String("detail_header"); header != "" {
		b.WriteString(header + "\n")
	}
	for _, r := range records {
		fmt.Fprintf(&b, "[%s]\n", r.Section)
		fmt.Fprintf(&b, "  status: %d\n", r.Status)
		for _, p := range r.Parameters {
			fmt.Fprintf(&b, "  %s = %s\n", p.Key, p.Value)
		}
		for _, t := range testResults(r) {
			state := "pass"
			switch {
			case t.Skipped:
				state = "skip"
			case !t.Passed():
				state = fmt.Sprintf("fail (%d)", t.Status)
			}
			fmt.Fprintf(&b, "  test %s: %s\n", t.Name, state)
		}
		writeStream(&b, "stdout", r.Stdout, width)
		writeStream(&b, "stderr", r.Stderr, width)
		b.WriteString("\n")
	}
	if footer := params.String("detail_footer"); footer != "" {
		b.WriteString(footer + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeStream(b *strings.Builder, name string, lines []string, width int) {
	if len(lines) == 0 {
		return
	}
	b.WriteString("  " + name + ":\n")
	for _, line := range lines {
		for _, part := range wrap(line, width-4) {
			b.WriteString("    " + part + "\n")
		}
	}
}

// wrap splits line into chunks of at most width runes, breaking at spaces
// where it can.
func wrap(line string, width int) []string {
	if width <= 0 {
		return []string{line}
	}
	var out []string
	runes := []rune(line)
	for len(runes) > width {
		cut := width
		for i := width; i > width/2; i-- {
			if runes[i] == ' ' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimRight(string(runes[:cut]), " "))
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " "))
	}
	return append(out, string(runes))
}
