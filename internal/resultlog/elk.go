package resultlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/alexisbeaulieu97/mtt/internal/model"
)

// ELKOptions configures the JSON-lines sink consumed by an ELK stack.
type ELKOptions struct {
	Head     string // directory receiving the .elog file
	ID       string // execution id
	TestCase string
	Cycle    string
	MaxSize  int // keep only the last MaxSize output lines, 0 = unlimited
}

// ELKSink appends every record as one JSON object per line.
type ELKSink struct {
	mu   sync.Mutex
	opts ELKOptions
	file *os.File
	log  zerolog.Logger
}

// NewELKSink opens (creating directories as needed) the .elog file.
func NewELKSink(opts ELKOptions) (*ELKSink, error) {
	if opts.Head == "" || opts.ID == "" {
		return nil, fmt.Errorf("elk sink requires both head directory and execution id")
	}
	if err := os.MkdirAll(opts.Head, 0o755); err != nil {
		return nil, fmt.Errorf("create elk head %s: %w", opts.Head, err)
	}
	name := fmt.Sprintf("%s-%s.elog", opts.TestCase, opts.ID)
	f, err := os.OpenFile(filepath.Join(opts.Head, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open elk log: %w", err)
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	return &ELKSink{
		opts: opts,
		file: f,
		log:  zerolog.New(f).With().Timestamp().Logger(),
	}, nil
}

// Path returns the file the sink writes to.
func (s *ELKSink) Path() string {
	return s.file.Name()
}

// Record implements Sink.
func (s *ELKSink) Record(rec *model.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Log().
		Str("logtype", "mtt-sec").
		Str("execid", s.opts.ID).
		Str("cycleid", s.opts.Cycle).
		Str("caseid", s.opts.TestCase).
		Str("section", rec.Section).
		Int("status", rec.Status).
		Float64("elapsed", rec.Elapsed.Seconds()).
		Strs("stdout", truncate(rec.Stdout, s.opts.MaxSize)).
		Strs("stderr", truncate(rec.Stderr, s.opts.MaxSize)).
		Interface("parameters", paramMap(rec.Parameters)).
		Interface("data", rec.Data).
		Send()
	return nil
}

// Write appends one already encoded JSON line, letting the sink also
// receive the run's log entries.
func (s *ELKSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Write(p)
}

// Close releases the file.
func (s *ELKSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func truncate(lines []string, max int) []string {
	if max <= 0 || len(lines) <= max {
		return lines
	}
	out := make([]string, 0, max+1)
	out = append(out, "<truncated>")
	return append(out, lines[len(lines)-max:]...)
}

func paramMap(params []model.Param) map[string]string {
	out := make(map[string]string, len(params))
	for _, p := range params {
		out[p.Key] = p.Value
	}
	return out
}
