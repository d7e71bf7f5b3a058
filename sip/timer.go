package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voipkit/siptx/internal/log"
	"github.com/voipkit/siptx/internal/timeutil"
)

// TimerName names a transaction timer.
type TimerName string

// Transaction timers of RFC 3261 Appendix A.
const (
	TimerA   TimerName = "A"
	TimerB   TimerName = "B"
	TimerD   TimerName = "D"
	TimerE   TimerName = "E"
	TimerF   TimerName = "F"
	TimerG   TimerName = "G"
	TimerH   TimerName = "H"
	TimerI   TimerName = "I"
	TimerJ   TimerName = "J"
	TimerK   TimerName = "K"
	Timer100 TimerName = "100"
)

// TimerFired is posted by [TimerEngine] when a timer expires.
// Generation is the value passed to [TimerEngine.Start]; the owning
// transaction drops firings whose generation is no longer current.
type TimerFired struct {
	Key        TransactionKey
	Timer      TimerName
	Generation uint64
}

func (e TimerFired) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("key", e.Key),
		slog.String("timer", string(e.Timer)),
		slog.Uint64("generation", e.Generation),
	)
}

// TimerHandle references a scheduled timer.
type TimerHandle struct {
	fired TimerFired
	tmr   *timeutil.Timer
}

// Name returns the timer name.
func (h *TimerHandle) Name() TimerName {
	if h == nil {
		return ""
	}
	return h.fired.Timer
}

// Generation returns the generation the timer was started with.
func (h *TimerHandle) Generation() uint64 {
	if h == nil {
		return 0
	}
	return h.fired.Generation
}

// Duration returns the timer duration.
func (h *TimerHandle) Duration() time.Duration {
	if h == nil {
		return 0
	}
	return h.tmr.Duration()
}

// ExpiresAt returns the moment the timer fires.
func (h *TimerHandle) ExpiresAt() time.Time {
	if h == nil {
		return time.Time{}
	}
	return h.tmr.ExpiresAt()
}

// TimerEngineOptions are optional parameters of [NewTimerEngine].
type TimerEngineOptions struct {
	// Logger is used to log timer events.
	// If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *TimerEngineOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// TimerEngine schedules named per-transaction timers.
// It never touches transaction state: on expiry it only posts a [TimerFired]
// to its sink.
type TimerEngine struct {
	sink func(TimerFired)
	log  *slog.Logger

	mu     sync.Mutex
	timers map[*TimerHandle]struct{}
	closed bool
}

// NewTimerEngine creates a timer engine posting expirations to sink.
// The sink is called from timer goroutines and must not block for long.
func NewTimerEngine(sink func(TimerFired), opts *TimerEngineOptions) *TimerEngine {
	return &TimerEngine{
		sink:   sink,
		log:    opts.log(),
		timers: make(map[*TimerHandle]struct{}),
	}
}

// Start schedules the named timer for the transaction.
// It returns nil if the engine is closed.
func (e *TimerEngine) Start(key TransactionKey, name TimerName, d time.Duration, gen uint64) *TimerHandle {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	h := &TimerHandle{fired: TimerFired{Key: key, Timer: name, Generation: gen}}
	e.timers[h] = struct{}{}
	h.tmr = timeutil.AfterFunc(d, func() { e.expire(h) })

	e.log.LogAttrs(context.Background(), slog.LevelDebug, "timer started",
		slog.Any("timer", h.fired),
		slog.Duration("duration", d),
		slog.Time("expires_at", h.tmr.ExpiresAt()),
	)
	return h
}

func (e *TimerEngine) expire(h *TimerHandle) {
	e.mu.Lock()
	_, ok := e.timers[h]
	delete(e.timers, h)
	e.mu.Unlock()

	if !ok {
		return
	}

	e.log.LogAttrs(context.Background(), slog.LevelDebug, "timer expired", slog.Any("timer", h.fired))

	e.sink(h.fired)
}

// Cancel stops the timer.
// It returns false if the timer has already fired or was canceled.
func (e *TimerEngine) Cancel(h *TimerHandle) bool {
	if h == nil {
		return false
	}

	e.mu.Lock()
	_, ok := e.timers[h]
	delete(e.timers, h)
	e.mu.Unlock()

	if !ok || !h.tmr.Stop() {
		return false
	}

	e.log.LogAttrs(context.Background(), slog.LevelDebug, "timer canceled", slog.Any("timer", h.fired))
	return true
}

// Len returns the number of pending timers.
func (e *TimerEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Close stops all pending timers. Timers started after Close never fire.
func (e *TimerEngine) Close() {
	e.mu.Lock()
	timers := e.timers
	e.timers = make(map[*TimerHandle]struct{})
	e.closed = true
	e.mu.Unlock()

	for h := range timers {
		h.tmr.Stop()
	}
}
