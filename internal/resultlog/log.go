// Package resultlog holds the append-only record of section outcomes for a run.
package resultlog

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexisbeaulieu97/mtt/internal/model"
)

// Sink receives every record as it is appended.
type Sink interface {
	Record(rec *model.ExecutionRecord) error
}

// Log is the append-only, section-keyed store of execution outcomes.
//
// Lookups scan linearly; a run holds tens to low hundreds of sections.
type Log struct {
	mu      sync.RWMutex
	records []*model.ExecutionRecord
	sinks   []Sink
	onSink  func(error)
}

// New creates an empty Log.
func New(sinks ...Sink) *Log {
	return &Log{sinks: sinks}
}

// OnSinkError registers a callback for sink failures. Sink errors never
// prevent a record from being appended.
func (l *Log) OnSinkError(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSink = fn
}

// Append stores a copy of rec. Later changes to rec are not visible.
func (l *Log) Append(rec *model.ExecutionRecord) {
	if rec == nil {
		return
	}
	stored := rec.Clone()

	l.mu.Lock()
	l.records = append(l.records, stored)
	sinks := l.sinks
	onSink := l.onSink
	l.mu.Unlock()

	for _, s := range sinks {
		if err := s.Record(stored.Clone()); err != nil && onSink != nil {
			onSink(err)
		}
	}
}

// Get returns the most recent record for title.
func (l *Log) Get(title string) (*model.ExecutionRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].Section == title {
			return l.records[i].Clone(), true
		}
	}
	return nil, false
}

// All returns every record in append order.
func (l *Log) All() []*model.ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*model.ExecutionRecord, len(l.records))
	for i, rec := range l.records {
		out[i] = rec.Clone()
	}
	return out
}

// Len returns the number of appended records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Failed reports whether any record carries a non-zero status.
func (l *Log) Failed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, rec := range l.records {
		if rec.Status != model.StatusSuccess {
			return true
		}
	}
	return false
}

// Entry is the JSON object handed to reporting collaborators for one section.
type Entry struct {
	Section    string         `json:"section"`
	Status     int            `json:"status"`
	Stdout     []string       `json:"stdout"`
	Stderr     []string       `json:"stderr"`
	Time       float64        `json:"time"`
	StartTime  *time.Time     `json:"starttime,omitempty"`
	EndTime    *time.Time     `json:"endtime,omitempty"`
	Parameters []model.Param  `json:"parameters,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// EntryFor converts a record to its submission form.
func EntryFor(rec *model.ExecutionRecord) Entry {
	e := Entry{
		Section:    rec.Section,
		Status:     rec.Status,
		Stdout:     nonNil(rec.Stdout),
		Stderr:     nonNil(rec.Stderr),
		Time:       rec.Elapsed.Seconds(),
		Parameters: rec.Parameters,
		Options:    rec.Options,
		Data:       rec.Data,
	}
	if !rec.StartTime.IsZero() {
		st := rec.StartTime
		e.StartTime = &st
	}
	if !rec.EndTime.IsZero() {
		et := rec.EndTime
		e.EndTime = &et
	}
	return e
}

// Payload returns one Entry per record, in append order.
func (l *Log) Payload() []Entry {
	records := l.All()
	out := make([]Entry, 0, len(records))
	for _, rec := range records {
		out = append(out, EntryFor(rec))
	}
	return out
}

// MarshalJSON renders the payload.
func (l *Log) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Payload())
}

// Lookup resolves "Section.path" style references against a record.
// The path uses gjson syntax over the submission form, so "status",
// "data.location" and "stdout.0" are all valid.
func (l *Log) Lookup(section, path string) (string, bool) {
	rec, ok := l.Get(section)
	if !ok {
		return "", false
	}
	raw, err := json.Marshal(EntryFor(rec))
	if err != nil {
		return "", false
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() && !strings.HasPrefix(path, "data.") {
		res = gjson.GetBytes(raw, "data."+path)
	}
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}

func nonNil(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}
