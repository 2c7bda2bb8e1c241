package reporters

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
)

type junitSuites struct {
	XMLName  xml.Name     `xml:"testsuites"`
	Suites   []junitSuite `xml:"testsuite"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Errors   int          `xml:"errors,attr"`
}

type junitSuite struct {
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Errors   int         `xml:"errors,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Time     string      `xml:"time,attr"`
	Cases    []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr,omitempty"`
	Time      string        `xml:"time,attr"`
	Failure   *junitMessage `xml:"failure,omitempty"`
	Error     *junitMessage `xml:"error,omitempty"`
	Skipped   *junitMessage `xml:"skipped,omitempty"`
	SystemOut string        `xml:"system-out,omitempty"`
	SystemErr string        `xml:"system-err,omitempty"`
}

type junitMessage struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
}

type junitXML struct {
	plugin.BasePlugin
	stdout io.Writer
}

// NewJunitXML creates the JunitXML reporter. Failed TestRun sections are
// reported as failures; any other failed section is an error.
func NewJunitXML() plugin.Plugin {
	return &junitXML{stdout: os.Stdout}
}

func (p *junitXML) Describe() plugin.Descriptor {
	return reporter("JunitXML", plugin.Schema{
		{Name: "filename", Description: "Name of the file into which the report is to be written"},
		{Name: "suite", Description: "Test suite name; defaults to the execution id"},
	})
}

func (p *junitXML) Execute(_ context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	name := params.String("suite")
	if name == "" {
		name = executionID(rc)
	}
	doc := buildJunit(name, rc.Log().All())

	w, dest, err := output(params.String("filename"), rc, p.stdout)
	if err != nil {
		rec.Fail(model.StatusFailed, "open report: %v", err)
		return
	}
	defer w.Close()

	if _, err := io.WriteString(w, xml.Header); err != nil {
		rec.Fail(model.StatusFailed, "write report: %v", err)
		return
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		rec.Fail(model.StatusFailed, "write report: %v", err)
		return
	}
	fmt.Fprintln(w)
	finish(rec, dest)
}

func buildJunit(name string, records []*model.ExecutionRecord) junitSuites {
	suite := junitSuite{Name: name}
	var total float64
	for _, r := range records {
		total += r.Elapsed.Seconds()
		if tests := testResults(r); len(tests) > 0 {
			for _, t := range tests {
				c := junitCase{
					Name:      t.Name,
					Classname: r.Section,
					Time:      seconds(t.Time),
					SystemOut: strings.Join(t.Stdout, "\n"),
					SystemErr: strings.Join(t.Stderr, "\n"),
				}
				switch {
				case t.Skipped:
					c.Skipped = &junitMessage{Message: "Test skipped"}
					suite.Skipped++
				case !t.Passed():
					c.Failure = &junitMessage{Message: "Test reported failure", Type: fmt.Sprintf("status %d", t.Status)}
					suite.Failures++
				}
				suite.Cases = append(suite.Cases, c)
			}
			continue
		}

		c := junitCase{
			Name:      r.Section,
			Time:      seconds(r.Elapsed.Seconds()),
			SystemOut: strings.Join(r.Stdout, "\n"),
			SystemErr: strings.Join(r.Stderr, "\n"),
		}
		if r.Status != model.StatusSuccess {
			msg := &junitMessage{Type: fmt.Sprintf("status %d", r.Status)}
			if isTestRun(r) {
				msg.Message = "Test reported failure"
				c.Failure = msg
				suite.Failures++
			} else {
				msg.Message = "Test error"
				c.Error = msg
				suite.Errors++
			}
		}
		suite.Cases = append(suite.Cases, c)
	}
	suite.Tests = len(suite.Cases)
	suite.Time = seconds(total)
	return junitSuites{
		Suites:   []junitSuite{suite},
		Tests:    suite.Tests,
		Failures: suite.Failures,
		Errors:   suite.Errors,
	}
}

func seconds(s float64) string {
	return fmt.Sprintf("%.3f", s)
}
