package config

import (
	"strings"

	"github.com/alexisbeaulieu97/mtt/internal/model"
)

// Names of the synthesized pseudo-sections.
const (
	SectionENV = "ENV"
	SectionLOG = "LOG"
)

// Title is a parsed section header.
type Title struct {
	// Raw is the header as authored, markers included.
	Raw string
	// Name is the effective title with SKIP and ASIS markers stripped.
	Name     string
	Category string
	Label    string
	Skip     bool
	ASIS     bool
	Stop     bool
}

// ParseTitle splits a header of the form [SKIP] [ASIS] Category[:Label].
// A header containing STOP ends the pass when it is reached.
func ParseTitle(raw string) Title {
	t := Title{Raw: raw}
	name := strings.TrimSpace(raw)
	if strings.HasPrefix(name, "SKIP") || strings.HasPrefix(name, "skip") {
		t.Skip = true
		name = strings.TrimSpace(name[4:])
	}
	if strings.HasPrefix(name, "ASIS") {
		t.ASIS = true
		name = strings.TrimSpace(name[4:])
	}
	t.Stop = strings.Contains(name, "STOP")
	t.Name = name

	category, label, _ := strings.Cut(name, ":")
	t.Category = strings.TrimSpace(category)
	t.Label = strings.TrimSpace(label)
	return t
}

// Section is one configured block of a test definition. Params hold the
// values as authored, before interpolation.
type Section struct {
	Title
	Params []model.Param
}

// Param returns the authored value of key.
func (s *Section) Param(key string) (string, bool) {
	for _, p := range s.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Definition is a parsed set of test definition files.
type Definition struct {
	Files    []string
	sections []*Section
	env      map[string]string
	defaults map[string]string
}

// Sections returns every configured section in file order, pseudo-sections
// excluded.
func (d *Definition) Sections() []*Section {
	return append([]*Section(nil), d.sections...)
}

// Titles returns the raw headers in file order.
func (d *Definition) Titles() []string {
	out := make([]string, len(d.sections))
	for i, s := range d.sections {
		out[i] = s.Raw
	}
	return out
}

// Section finds a section by its raw header or effective title.
func (d *Definition) Section(title string) (*Section, bool) {
	title = strings.TrimSpace(title)
	for _, s := range d.sections {
		if s.Raw == title || s.Name == title {
			return s, true
		}
	}
	return nil, false
}
