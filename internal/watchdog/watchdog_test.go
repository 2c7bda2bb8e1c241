package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchdogFires(t *testing.T) {
	t.Parallel()

	w := New(20 * time.Millisecond)
	fired := make(chan struct{}, 1)
	w.Start(func() { fired <- struct{}{} })
	require.True(t, w.Active())

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}
	require.Eventually(t, w.Fired, time.Second, 5*time.Millisecond)
	require.False(t, w.Active())
}

func TestWatchdogStopCancels(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	w := New(30 * time.Millisecond)
	w.Start(func() { calls.Add(1) })
	w.Stop()
	w.Stop()

	time.Sleep(80 * time.Millisecond)
	require.Zero(t, calls.Load())
	require.False(t, w.Active())
	require.False(t, w.Fired())
}

func TestWatchdogResetRearms(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	w := New(60 * time.Millisecond)
	w.Start(func() { calls.Add(1) })

	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		w.Reset()
	}
	require.Zero(t, calls.Load())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Duration
	}{
		{"3600", time.Hour},
		{"90", 90 * time.Second},
		{"1:30", 90 * time.Second},
		{"2:00:00", 2 * time.Hour},
		{"1:02:03:04", 24*time.Hour + 2*time.Hour + 3*time.Minute + 4*time.Second},
		{"1h30m", 90 * time.Minute},
		{"1d", 24 * time.Hour},
		{"2d12h", 60 * time.Hour},
		{"0.5d", 12 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "abc", "1:2:3:4:5", "1:x", "-5", "xd", "1d-", "-1d"} {
		_, err := ParseDuration(bad)
		require.Error(t, err, bad)
	}
}
