package model

import "time"

// Record data keys shared between stages.
const (
	// DataLocation is the directory a fetch or build section produced.
	DataLocation   = "location"
	DataMiddleware = "middleware"
	// DataEnviron maps variables to values for descendant sections.
	DataEnviron = "environ"
	// DataPrepend maps path-list variables to directories put in front of
	// them for descendant sections.
	DataPrepend = "prepend"
	DataTests   = "testresults"
)

// TestResult is the outcome of one test executable run by a TestRun section.
type TestResult struct {
	Name    string        `json:"name"`
	Status  int           `json:"status"`
	Skipped bool          `json:"skipped,omitempty"`
	Stdout  []string      `json:"stdout"`
	Stderr  []string      `json:"stderr"`
	Elapsed time.Duration `json:"-"`
	Time    float64       `json:"time"`
}

// Passed reports whether the test met its expectation and was not skipped.
func (t TestResult) Passed() bool {
	return t.Status == StatusSuccess && !t.Skipped
}
