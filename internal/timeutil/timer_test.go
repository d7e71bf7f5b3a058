package timeutil_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/voipkit/siptx/internal/timeutil"
)

func TestAfterFunc(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{})
	tmr := timeutil.AfterFunc(10*time.Millisecond, func() { close(fired) })

	if got, want := tmr.State(), timeutil.TimerStateRunning; got != want {
		t.Fatalf("tmr.State() = %q, want %q", got, want)
	}
	if got, want := tmr.Duration(), 10*time.Millisecond; got != want {
		t.Fatalf("tmr.Duration() = %v, want %v", got, want)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer callback was not called")
	}

	if got, want := tmr.State(), timeutil.TimerStateExpired; got != want {
		t.Fatalf("tmr.State() = %q, want %q", got, want)
	}
	if tmr.Stop() {
		t.Fatal("tmr.Stop() = true after expiration, want false")
	}
	if got := tmr.Left(); got != 0 {
		t.Fatalf("tmr.Left() = %v after expiration, want 0", got)
	}
}

func TestTimer_Stop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tmr := timeutil.AfterFunc(20*time.Millisecond, func() { calls.Add(1) })

	if left := tmr.Left(); left <= 0 || left > 20*time.Millisecond {
		t.Fatalf("tmr.Left() = %v, want in (0, 20ms]", left)
	}
	if !tmr.Stop() {
		t.Fatal("tmr.Stop() = false, want true")
	}
	if tmr.Stop() {
		t.Fatal("second tmr.Stop() = true, want false")
	}

	time.Sleep(40 * time.Millisecond)

	if got := calls.Load(); got != 0 {
		t.Fatalf("callback calls = %d, want 0", got)
	}
	if got, want := tmr.State(), timeutil.TimerStateStopped; got != want {
		t.Fatalf("tmr.State() = %q, want %q", got, want)
	}
}

func TestTimer_Nil(t *testing.T) {
	t.Parallel()

	var tmr *timeutil.Timer
	if tmr.Stop() {
		t.Fatal("nil.Stop() = true, want false")
	}
	if got := tmr.State(); got != "" {
		t.Fatalf("nil.State() = %q, want empty", got)
	}
	if got := tmr.ExpiresAt(); !got.IsZero() {
		t.Fatalf("nil.ExpiresAt() = %v, want zero", got)
	}
}
