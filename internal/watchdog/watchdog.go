// Package watchdog provides a rearmable single-shot timer used to bound the
// duration of a run.
package watchdog

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Handler is invoked once when the watchdog expires.
type Handler func()

// Watchdog is a single-shot timer that can be stopped and rearmed.
type Watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	handler Handler
	timer   *time.Timer
	gen     uint64
	fired   bool
}

// New creates an idle watchdog.
func New(timeout time.Duration) *Watchdog {
	return &Watchdog{timeout: timeout}
}

// Timeout returns the configured duration.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Start arms the timer. Any pending timer is replaced.
func (w *Watchdog) Start(handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = handler
	w.arm()
}

func (w *Watchdog) arm() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	w.fired = false
	gen := w.gen
	w.timer = time.AfterFunc(w.timeout, func() { w.expire(gen) })
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.timer == nil {
		// stopped or rearmed after this timer started firing
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.fired = true
	handler := w.handler
	w.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// Stop cancels a pending timer. It is a no-op when nothing is armed.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

// Reset stops the timer and arms it again with the last handler.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.arm()
}

// Active reports whether a timer is pending.
func (w *Watchdog) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Fired reports whether the last armed timer expired.
func (w *Watchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// ParseDuration accepts a plain number of seconds ("3600"), a colon form
// read right to left as seconds, minutes, hours and days ("1:02:03:04"), or
// a Go duration optionally led by days ("1h30m", "1d", "2d12h").
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", value)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}

	if strings.Contains(value, ":") {
		parts := strings.Split(value, ":")
		if len(parts) > 4 {
			return 0, fmt.Errorf("duration %q has more than D:H:M:S fields", value)
		}
		units := []time.Duration{time.Second, time.Minute, time.Hour, 24 * time.Hour}
		var total time.Duration
		for i := range parts {
			field := strings.TrimSpace(parts[len(parts)-1-i])
			if field == "" {
				continue
			}
			n, err := strconv.Atoi(field)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("invalid duration field %q in %q", field, value)
			}
			total += time.Duration(n) * units[i]
		}
		return total, nil
	}

	var days time.Duration
	rest := value
	if head, tail, ok := strings.Cut(value, "d"); ok {
		n, err := strconv.ParseFloat(head, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		days = time.Duration(n * float64(24*time.Hour))
		rest = tail
	}

	var d time.Duration
	if rest != "" {
		var err error
		d, err = time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", value, err)
		}
	}
	d += days
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}
