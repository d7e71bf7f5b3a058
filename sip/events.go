package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind is the type of a transaction [Event].
type EventKind string

// Event kinds.
const (
	// EventProvisionalResponse is a 1xx response received by a client transaction.
	EventProvisionalResponse EventKind = "provisional_response"
	// EventSuccessResponse is a 2xx response received by a client transaction.
	EventSuccessResponse EventKind = "success_response"
	// EventFailureResponse is a 3xx-6xx response received by a client transaction.
	EventFailureResponse EventKind = "failure_response"
	// EventAckReceived is an ACK received by an INVITE server transaction.
	EventAckReceived EventKind = "ack_received"
	// EventCancelReceived is a CANCEL that matches an INVITE server transaction.
	EventCancelReceived EventKind = "cancel_received"
	// EventTransactionTerminated is emitted once when a transaction enters Terminated.
	EventTransactionTerminated EventKind = "transaction_terminated"
	// EventTransactionTimeout is emitted when Timer B, F or H fires.
	EventTransactionTimeout EventKind = "transaction_timeout"
	// EventTransportError is emitted when the transport fails to send a message.
	EventTransportError EventKind = "transport_error"
	// EventNewRequest is an inbound request that created a server transaction.
	EventNewRequest EventKind = "new_request"
	// EventStateChanged is emitted on every state transition.
	EventStateChanged EventKind = "state_changed"
	// EventUnmatchedAck is an ACK that matches no transaction, usually an ACK to a 2xx.
	// It is only delivered to global subscribers.
	EventUnmatchedAck EventKind = "unmatched_ack"
)

// Event is a transaction lifecycle event.
type Event struct {
	Kind EventKind
	Key  TransactionKey
	// State is the transaction state once the event is produced.
	State TransactionState
	// PrevState is the source state of EventStateChanged.
	PrevState TransactionState
	// Request is the inbound request of EventNewRequest, EventAckReceived,
	// EventCancelReceived and EventUnmatchedAck.
	Request *Request
	// Response is the response of response events.
	Response *Response
	// Source is the remote address of inbound requests.
	Source netip.AddrPort
	// CancelKey is the key of the CANCEL server transaction of EventCancelReceived.
	CancelKey TransactionKey
	// Timer is the timer that caused EventTransactionTimeout.
	Timer TimerName
	// Err is the transport error of EventTransportError.
	Err  error
	Time time.Time
}

// LogValue implements [slog.LogValuer].
func (e Event) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 8)
	attrs = append(attrs, slog.String("kind", string(e.Kind)))
	if !e.Key.IsZero() {
		attrs = append(attrs, slog.Any("key", e.Key))
	}
	if e.State != "" {
		attrs = append(attrs, slog.String("state", string(e.State)))
	}
	if e.PrevState != "" {
		attrs = append(attrs, slog.String("prev_state", string(e.PrevState)))
	}
	if e.Request != nil {
		attrs = append(attrs, slog.String("request", e.Request.StartLine()))
	}
	if e.Response != nil {
		attrs = append(attrs, slog.String("response", e.Response.StartLine()))
	}
	if e.Timer != "" {
		attrs = append(attrs, slog.String("timer", string(e.Timer)))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.Any("error", e.Err))
	}
	return slog.GroupValue(attrs...)
}

// DefaultEventBuffer is the default capacity of a subscription channel.
const DefaultEventBuffer = 64

// Subscription is a stream of events.
// Events that do not fit into the channel buffer are dropped for this
// subscription only; [Subscription.Dropped] counts them.
type Subscription struct {
	hub     *eventHub
	key     TransactionKey
	global  bool
	ch      chan Event
	dropped atomic.Uint64
	closed  bool // guarded by hub.mu
}

// Events returns the event channel.
// It is closed when the subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Key returns the transaction key of a per-transaction subscription.
func (s *Subscription) Key() TransactionKey { return s.key }

// Dropped returns the number of events dropped because the channel was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes the events channel.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

type eventHub struct {
	buf    int
	log    *slog.Logger
	onDrop func()

	mu     sync.RWMutex
	all    map[*Subscription]struct{}
	byKey  map[TransactionKey]map[*Subscription]struct{}
	closed bool
}

func newEventHub(buf int, logger *slog.Logger, onDrop func()) *eventHub {
	if buf <= 0 {
		buf = DefaultEventBuffer
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	return &eventHub{
		buf:    buf,
		log:    logger,
		onDrop: onDrop,
		all:    make(map[*Subscription]struct{}),
		byKey:  make(map[TransactionKey]map[*Subscription]struct{}),
	}
}

func (h *eventHub) subscribeAll() *Subscription {
	sub := &Subscription{hub: h, global: true, ch: make(chan Event, h.buf)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	h.all[sub] = struct{}{}
	return sub
}

func (h *eventHub) subscribe(key TransactionKey) *Subscription {
	sub := &Subscription{hub: h, key: key, ch: make(chan Event, h.buf)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	subs := h.byKey[key]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		h.byKey[key] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (h *eventHub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.closed {
		return
	}
	if sub.global {
		delete(h.all, sub)
	} else if subs := h.byKey[sub.key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.byKey, sub.key)
		}
	}
	sub.closed = true
	close(sub.ch)
}

// publish delivers the event to the key subscribers and to global subscribers.
// It never blocks.
func (h *eventHub) publish(ctx context.Context, evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !evt.Key.IsZero() {
		for sub := range h.byKey[evt.Key] {
			h.deliver(ctx, sub, evt)
		}
	}
	for sub := range h.all {
		h.deliver(ctx, sub, evt)
	}
}

func (h *eventHub) deliver(ctx context.Context, sub *Subscription, evt Event) {
	select {
	case sub.ch <- evt:
	default:
		sub.dropped.Add(1)
		h.onDrop()
		h.log.LogAttrs(ctx, slog.LevelWarn, "subscriber is too slow, event dropped",
			slog.Any("event", evt),
			slog.Bool("global", sub.global),
			slog.Uint64("dropped", sub.dropped.Load()),
		)
	}
}

// closeKey closes all subscriptions of the transaction.
func (h *eventHub) closeKey(key TransactionKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.byKey[key] {
		sub.closed = true
		close(sub.ch)
	}
	delete(h.byKey, key)
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.all {
		sub.closed = true
		close(sub.ch)
	}
	for _, subs := range h.byKey {
		for sub := range subs {
			sub.closed = true
			close(sub.ch)
		}
	}
	clear(h.all)
	clear(h.byKey)
}
