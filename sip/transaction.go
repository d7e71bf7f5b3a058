package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/gammazero/deque"
	"github.com/qmuntal/stateless"

	"github.com/voipkit/siptx/internal/errorutil"
)

// TransactionType is the kind of a transaction.
type TransactionType string

// Transaction types.
const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

func (t TransactionType) IsClient() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeClientNonInvite
}

func (t TransactionType) IsInvite() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeServerInvite
}

// TransactionState is a state of a transaction state machine.
type TransactionState string

// Transaction states.
const (
	// TransactionStateInitial is the state of a client transaction whose
	// request has not been sent yet.
	TransactionStateInitial    TransactionState = "initial"
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

const (
	txEvtSendReq    = "send_req"
	txEvtRetry      = "retry"
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
	txEvtRecvReq    = "recv_req"
	txEvtRecvAck    = "recv_ack"
	txEvtRecvCancel = "recv_cancel"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
	txEvtTranspErr  = "transp_err"
	txEvtTerminate  = "terminate"
	txEvtCancel     = "cancel"
)

func timerTrigger(name TimerName) string { return "timer_" + strings.ToLower(string(name)) }

var (
	txEvtTimerA   = timerTrigger(TimerA)
	txEvtTimerB   = timerTrigger(TimerB)
	txEvtTimerD   = timerTrigger(TimerD)
	txEvtTimerE   = timerTrigger(TimerE)
	txEvtTimerF   = timerTrigger(TimerF)
	txEvtTimerG   = timerTrigger(TimerG)
	txEvtTimerH   = timerTrigger(TimerH)
	txEvtTimerI   = timerTrigger(TimerI)
	txEvtTimerJ   = timerTrigger(TimerJ)
	txEvtTimerK   = timerTrigger(TimerK)
	txEvtTimer100 = timerTrigger(Timer100)
)

// txEnv holds the manager resources shared by all transactions.
type txEnv struct {
	timings      TimingConfig
	timers       *TimerEngine
	hub          *eventHub
	stats        *StatsRecorder
	log          *slog.Logger
	onTerminated func(tx *baseTransact)
}

// baseTransact is the state shared by all transaction kinds.
//
// Every state machine step runs under mu: message triggers, TU calls,
// timer firings and transport errors are serialized per transaction.
// Sending never happens under mu, messages are queued to a per-transaction
// sender goroutine.
type baseTransact struct {
	typ      TransactionType
	key      TransactionKey
	req      *Request
	dst      netip.AddrPort
	tp       Transport
	reliable bool
	env      *txEnv
	ctx      context.Context
	log      *slog.Logger
	created  time.Time

	state atomic.Value // TransactionState

	mu       sync.Mutex
	fsm      *stateless.StateMachine
	lastRes  *Response
	retrans  int
	timers   map[TimerName]*TimerHandle
	gens     map[TimerName]uint64
	gen      uint64
	termTime time.Time

	sendMu  sync.Mutex
	sendQ   deque.Deque[Message]
	sending bool
}

func newBaseTransact(
	ctx context.Context,
	typ TransactionType,
	key TransactionKey,
	req *Request,
	dst netip.AddrPort,
	tp Transport,
	env *txEnv,
	start TransactionState,
) *baseTransact {
	tx := &baseTransact{
		typ:      typ,
		key:      key,
		req:      req,
		dst:      dst,
		tp:       tp,
		reliable: tp.Reliable(),
		env:      env,
		ctx:      context.WithoutCancel(ctx),
		log:      env.log,
		created:  time.Now(),
		timers:   make(map[TimerName]*TimerHandle),
		gens:     make(map[TimerName]uint64),
	}
	tx.state.Store(start)
	tx.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return tx.State(), nil },
		func(_ context.Context, s stateless.State) error {
			tx.state.Store(s.(TransactionState)) //nolint:forcetypeassert
			return nil
		},
		stateless.FiringImmediate,
	)
	tx.fsm.OnTransitioned(tx.onTransitioned)
	tx.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return newInvalidStateError("%v is not allowed in state %v", trigger, state)
	})
	return tx
}

// Key returns the transaction key.
func (tx *baseTransact) Key() TransactionKey { return tx.key }

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current state. It does not block on the exclusive section.
func (tx *baseTransact) State() TransactionState {
	return tx.state.Load().(TransactionState) //nolint:forcetypeassert
}

// Request returns the request that created the transaction.
func (tx *baseTransact) Request() *Request { return tx.req }

// LastResponse returns the latest response sent or received.
func (tx *baseTransact) LastResponse() *Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lastRes
}

// Retransmissions returns the number of retransmitted messages.
func (tx *baseTransact) Retransmissions() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.retrans
}

func (tx *baseTransact) terminatedAt() time.Time {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.termTime
}

// LogValue implements [slog.LogValuer].
func (tx *baseTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("type", string(tx.typ)),
		slog.Any("key", tx.key),
		slog.String("state", string(tx.State())),
		slog.Any("destination", tx.dst),
	)
}

// fire runs one state machine step in the exclusive section.
func (tx *baseTransact) fire(ctx context.Context, trigger string, args ...any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.fsm.FireCtx(ctx, trigger, args...) //errtrace:skip
}

// handleTimer runs the trigger of the fired timer unless the firing is stale.
func (tx *baseTransact) handleTimer(ctx context.Context, ev TimerFired) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if gen, ok := tx.gens[ev.Timer]; !ok || gen != ev.Generation {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "stale timer dropped",
			slog.Any("transaction", tx),
			slog.Any("timer", ev),
			slog.Uint64("current_generation", gen),
		)
		return
	}
	delete(tx.timers, ev.Timer)

	if err := tx.fsm.FireCtx(ctx, timerTrigger(ev.Timer), ev); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer ignored",
			slog.Any("transaction", tx),
			slog.Any("timer", ev),
			slog.Any("error", err),
		)
	}
}

// startTimer (re)schedules the named timer with a new generation.
// Must be called in the exclusive section.
func (tx *baseTransact) startTimer(name TimerName, d time.Duration) {
	tx.stopTimer(name)

	tx.gen++
	tx.gens[name] = tx.gen
	if h := tx.env.timers.Start(tx.key, name, d, tx.gen); h != nil {
		tx.timers[name] = h
	}
}

// stopTimer cancels the named timer and bumps its generation,
// so a firing already in flight is dropped.
// Must be called in the exclusive section.
func (tx *baseTransact) stopTimer(name TimerName) {
	h, ok := tx.timers[name]
	if !ok {
		return
	}
	delete(tx.timers, name)
	tx.gen++
	tx.gens[name] = tx.gen
	tx.env.timers.Cancel(h)
}

func (tx *baseTransact) stopTimers(names ...TimerName) {
	for _, n := range names {
		tx.stopTimer(n)
	}
}

func (tx *baseTransact) stopAllTimers() {
	for n := range tx.timers {
		tx.stopTimer(n)
	}
}

// send queues the message to the transaction sender.
func (tx *baseTransact) send(msg Message) {
	tx.sendMu.Lock()
	tx.sendQ.PushBack(msg)
	if tx.sending {
		tx.sendMu.Unlock()
		return
	}
	tx.sending = true
	tx.sendMu.Unlock()

	go tx.drainSendQ()
}

func (tx *baseTransact) drainSendQ() {
	for {
		tx.sendMu.Lock()
		if tx.sendQ.Len() == 0 {
			tx.sending = false
			tx.sendMu.Unlock()
			return
		}
		msg := tx.sendQ.PopFront()
		tx.sendMu.Unlock()

		if err := tx.tp.Send(tx.ctx, msg, tx.dst); err != nil {
			// the transport is broken, drop everything queued after the failed message
			tx.sendMu.Lock()
			tx.sendQ.Clear()
			tx.sendMu.Unlock()

			tx.transportFailed(msg, err)
		}
	}
}

func (tx *baseTransact) transportFailed(msg Message, err error) {
	err = errtrace.Wrap(errorutil.NewWrapperError(err, "send %q to %s", msg.StartLine(), tx.dst))

	tx.log.LogAttrs(tx.ctx, slog.LevelError, "transport failed",
		slog.Any("transaction", tx),
		slog.Any("error", err),
	)
	tx.env.stats.transportError()

	if err := tx.fire(tx.ctx, txEvtTranspErr, err); err != nil {
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transport error ignored",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	}
}

// emit publishes a transaction event.
func (tx *baseTransact) emit(ctx context.Context, evt Event) {
	evt.Key = tx.key
	evt.State = tx.State()
	tx.env.hub.publish(ctx, evt)
}

func (tx *baseTransact) onTransitioned(ctx context.Context, t stateless.Transition) {
	src, _ := t.Source.(TransactionState)
	dst, _ := t.Destination.(TransactionState)
	if src == dst {
		return
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
		slog.Any("transaction", tx),
		slog.String("from", string(src)),
		slog.String("to", string(dst)),
		slog.Any("trigger", t.Trigger),
	)

	tx.emit(ctx, Event{Kind: EventStateChanged, PrevState: src})

	if dst == TransactionStateTerminated {
		tx.stopAllTimers()
		tx.termTime = time.Now()
		tx.emit(ctx, Event{Kind: EventTransactionTerminated})
		tx.env.stats.transactionTerminated(tx.typ)
		tx.env.onTerminated(tx)
	}
}

// configTerminated configures the Terminated state shared by all kinds:
// messages and timers are absorbed, transport errors of messages still queued
// (e.g. a 2xx sent right before termination) are reported.
// CANCEL is not absorbed, so a late CANCEL gets 481.
func (tx *baseTransact) configTerminated() {
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTerminate).
		Ignore(txEvtTimerA).
		Ignore(txEvtTimerB).
		Ignore(txEvtTimerD).
		Ignore(txEvtTimerE).
		Ignore(txEvtTimerF).
		Ignore(txEvtTimerG).
		Ignore(txEvtTimerH).
		Ignore(txEvtTimerI).
		Ignore(txEvtTimerJ).
		Ignore(txEvtTimerK).
		Ignore(txEvtTimer100)
}

func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err, _ := args[0].(error)
	tx.emit(ctx, Event{Kind: EventTransportError, Err: err})
	return nil
}

func (tx *baseTransact) actTimedOut(ctx context.Context, args ...any) error {
	ev, _ := args[0].(TimerFired)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out",
		slog.Any("transaction", tx),
		slog.String("timer", string(ev.Timer)),
	)
	tx.env.stats.transactionTimedOut()

	tx.emit(ctx, Event{Kind: EventTransactionTimeout, Timer: ev.Timer})
	return nil
}

func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }
