package model

import (
	"fmt"
	"time"
)

const (
	// StatusSuccess is the status code of a section that completed successfully.
	StatusSuccess = 0
	// StatusFailed is the generic failure status code.
	StatusFailed = 1
)

// Param is one key/value pair as authored in a test definition section.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ExecutionRecord captures the outcome of executing a single section.
//
// The coordinator creates a record per executed section, the invoked plugin
// fills it in, and the result log stores an immutable copy.
type ExecutionRecord struct {
	Section    string
	Status     int
	Stdout     []string
	Stderr     []string
	Elapsed    time.Duration
	StartTime  time.Time
	EndTime    time.Time
	Parameters []Param
	Options    map[string]any
	Data       map[string]any
}

// NewRecord returns an empty record for the given section title.
func NewRecord(section string) *ExecutionRecord {
	return &ExecutionRecord{Section: section, Data: make(map[string]any)}
}

// Succeeded reports whether the record carries a zero status.
func (r *ExecutionRecord) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// Fail marks the record with the status and appends a formatted stderr line.
func (r *ExecutionRecord) Fail(status int, format string, args ...any) {
	if status == StatusSuccess {
		status = StatusFailed
	}
	r.Status = status
	r.Stderr = append(r.Stderr, fmt.Sprintf(format, args...))
}

// Set stores a stage-specific output value such as "location" or "compiler".
func (r *ExecutionRecord) Set(key string, value any) {
	if r.Data == nil {
		r.Data = make(map[string]any)
	}
	r.Data[key] = value
}

// Get returns a stage-specific output value.
func (r *ExecutionRecord) Get(key string) (any, bool) {
	if r == nil || r.Data == nil {
		return nil, false
	}
	v, ok := r.Data[key]
	return v, ok
}

// GetString returns a stage-specific output value when it is a non-empty string.
func (r *ExecutionRecord) GetString(key string) (string, bool) {
	v, ok := r.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Param returns the authored value of a parameter.
func (r *ExecutionRecord) Param(key string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, p := range r.Parameters {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Clone returns a copy that shares no slices or maps with the receiver.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Stdout = append([]string(nil), r.Stdout...)
	out.Stderr = append([]string(nil), r.Stderr...)
	out.Parameters = append([]Param(nil), r.Parameters...)
	out.Options = cloneMap(r.Options)
	out.Data = cloneMap(r.Data)
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch typed := v.(type) {
		case []string:
			out[k] = append([]string(nil), typed...)
		case []any:
			out[k] = append([]any(nil), typed...)
		case []TestResult:
			out[k] = append([]TestResult(nil), typed...)
		case []int:
			out[k] = append([]int(nil), typed...)
		case map[string]string:
			m := make(map[string]string, len(typed))
			for key, val := range typed {
				m[key] = val
			}
			out[k] = m
		case map[string][]string:
			m := make(map[string][]string, len(typed))
			for key, val := range typed {
				m[key] = append([]string(nil), val...)
			}
			out[k] = m
		case map[string]int:
			m := make(map[string]int, len(typed))
			for key, val := range typed {
				m[key] = val
			}
			out[k] = m
		case map[string]any:
			out[k] = cloneMap(typed)
		default:
			out[k] = v
		}
	}
	return out
}
