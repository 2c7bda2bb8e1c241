// Package diff renders line-oriented differences between expected and
// actual test output.
package diff

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// MaxLines bounds the rendered diff.
const MaxLines = 10000

const truncateMessage = "... (diff truncated) ..."

// GenerateUnifiedDiff renders the line differences between expected and
// actual with "-" and "+" prefixes under a single hunk header. Identical
// inputs yield the empty string.
func GenerateUnifiedDiff(expected, actual []byte, expectedLabel, actualLabel string) string {
	if bytes.Equal(expected, actual) {
		return ""
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(expected), string(actual))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out []string
	out = append(out,
		"--- "+expectedLabel,
		"+++ "+actualLabel,
		fmt.Sprintf("@@ -1,%d +1,%d @@", countLines(expected), countLines(actual)),
	)
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range splitLines(d.Text) {
			out = append(out, prefix+line)
		}
	}

	if len(out) > MaxLines {
		out = append(out[:MaxLines], truncateMessage)
	}
	return strings.Join(out, "\n") + "\n"
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

func countLines(b []byte) int {
	return len(splitLines(string(b)))
}
