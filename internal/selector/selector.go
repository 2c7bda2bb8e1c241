// Package selector resolves which configured sections take part in a run.
package selector

import (
	"fmt"
	"strings"

	mtterrors "github.com/alexisbeaulieu97/mtt/pkg/errors"
)

// Match reports whether title satisfies pattern. A pattern without '*'
// requires exact equality; otherwise the first literal segment must prefix
// the title, the last must suffix it, and interior segments must appear in
// order without overlapping.
func Match(pattern, title string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == title
	}

	segments := strings.Split(pattern, "*")
	first := segments[0]
	last := segments[len(segments)-1]

	if !strings.HasPrefix(title, first) {
		return false
	}
	rest := title[len(first):]
	if len(rest) < len(last) || !strings.HasSuffix(rest, last) {
		return false
	}
	middle := rest[:len(rest)-len(last)]

	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(middle, seg)
		if idx < 0 {
			return false
		}
		middle = middle[idx+len(seg):]
	}
	return true
}

// IsSkipped reports whether a title carries the SKIP prefix marker.
func IsSkipped(title string) bool {
	return strings.HasPrefix(title, "SKIP") || strings.HasPrefix(title, "skip")
}

// Select returns the active titles in configuration order.
//
// With an include list only matching titles are kept, and an include
// pattern that matches nothing is a configuration error. Titles matching
// any exclude pattern are dropped. SKIP-prefixed titles never survive.
func Select(titles, include, exclude []string) ([]string, error) {
	include = normalize(include)
	exclude = normalize(exclude)

	matched := make([]bool, len(include))
	active := make([]string, 0, len(titles))

	for _, title := range titles {
		if IsSkipped(title) {
			continue
		}

		if len(include) > 0 {
			hit := false
			for i, pattern := range include {
				if Match(pattern, title) {
					matched[i] = true
					hit = true
				}
			}
			if !hit {
				continue
			}
		}

		excluded := false
		for _, pattern := range exclude {
			if Match(pattern, title) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}

		active = append(active, title)
	}

	var missing []string
	for i, ok := range matched {
		if !ok {
			missing = append(missing, include[i])
		}
	}
	if len(missing) > 0 {
		return nil, &mtterrors.ConfigError{
			Keys:    missing,
			Message: fmt.Sprintf("requested section pattern matched none of %d configured sections", len(titles)),
		}
	}

	return active, nil
}

// SplitList splits a comma-delimited command line value into patterns.
func SplitList(values ...string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func normalize(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
