package sip

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/samber/lo"

	"github.com/voipkit/siptx/internal/errorutil"
	"github.com/voipkit/siptx/internal/log"
	"github.com/voipkit/siptx/internal/syncutil"
	"github.com/voipkit/siptx/internal/timeutil"
)

// ManagerOptions are the options for a [TransactionManager].
type ManagerOptions struct {
	// Timings are the SIP timer values.
	// The zero value uses RFC 3261 defaults.
	Timings TimingConfig
	// Logger is the logger.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
	// EventBuffer is the capacity of subscription channels.
	// If zero, [DefaultEventBuffer] is used.
	EventBuffer int
	// LingerTime is how long a terminated transaction stays queryable.
	// If 0, T1 of the timings is used. If negative, terminated transactions
	// are removed immediately.
	LingerTime time.Duration
	// Stats records transaction statistics.
	// If nil, a new [StatsRecorder] is used, see [TransactionManager.Stats].
	Stats *StatsRecorder
}

func (o *ManagerOptions) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *ManagerOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

func (o *ManagerOptions) evtBuf() int {
	if o == nil || o.EventBuffer <= 0 {
		return DefaultEventBuffer
	}
	return o.EventBuffer
}

func (o *ManagerOptions) linger() time.Duration {
	if o == nil || o.LingerTime == 0 {
		return o.timings().T1()
	}
	return o.LingerTime
}

func (o *ManagerOptions) stats() *StatsRecorder {
	if o == nil || o.Stats == nil {
		return new(StatsRecorder)
	}
	return o.Stats
}

// TransactionManager owns all transactions of a SIP element.
//
// It creates client transactions for outbound requests, matches inbound
// messages to transactions by [TransactionKey], creates server transactions
// for new requests and routes timer expirations. Callers address
// transactions by key only and observe them through subscriptions.
type TransactionManager struct {
	tp      Transport
	timings TimingConfig
	linger  time.Duration
	log     *slog.Logger
	stats   *StatsRecorder
	timers  *TimerEngine
	hub     *eventHub
	env     *txEnv
	txs     *syncutil.ShardMap[TransactionKey, *baseTransact]

	lingerMu sync.Mutex
	lingers  map[*baseTransact]*timeutil.Timer

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewTransactionManager creates a new [TransactionManager] sending messages
// through tp. Options are optional, if nil, default values are used
// (see [ManagerOptions]).
func NewTransactionManager(tp Transport, opts *ManagerOptions) *TransactionManager {
	m := &TransactionManager{
		tp:      tp,
		timings: opts.timings(),
		linger:  opts.linger(),
		log:     opts.log(),
		stats:   opts.stats(),
		txs:     syncutil.NewShardMap[TransactionKey, *baseTransact](syncutil.DefaultShards),
		lingers: make(map[*baseTransact]*timeutil.Timer),
	}
	m.timers = NewTimerEngine(m.onTimer, &TimerEngineOptions{Logger: m.log})
	m.hub = newEventHub(opts.evtBuf(), m.log, m.stats.eventDropped)
	m.env = &txEnv{
		timings:      m.timings,
		timers:       m.timers,
		hub:          m.hub,
		stats:        m.stats,
		log:          m.log,
		onTerminated: m.onTerminated,
	}
	return m
}

// Stats returns the statistics recorder of the manager.
func (m *TransactionManager) Stats() *StatsRecorder { return m.stats }

// Timings returns the timer values used by the manager.
func (m *TransactionManager) Timings() TimingConfig { return m.timings }

func (m *TransactionManager) onTimer(ev TimerFired) {
	tx, ok := m.txs.Get(ev.Key)
	if !ok {
		return
	}
	tx.handleTimer(context.Background(), ev)
}

func (m *TransactionManager) onTerminated(tx *baseTransact) {
	if m.linger < 0 || m.closed.Load() {
		m.reclaim(tx)
		return
	}

	m.lingerMu.Lock()
	defer m.lingerMu.Unlock()
	m.lingers[tx] = timeutil.AfterFunc(m.linger, func() { m.reclaim(tx) })
}

// reclaim frees the registry slot of the terminated transaction
// and closes its subscriptions.
func (m *TransactionManager) reclaim(tx *baseTransact) bool {
	m.lingerMu.Lock()
	if tmr, ok := m.lingers[tx]; ok {
		tmr.Stop()
		delete(m.lingers, tx)
	}
	m.lingerMu.Unlock()

	if !m.txs.DelFunc(tx.key, func(v *baseTransact) bool { return v == tx }) {
		return false
	}
	m.hub.closeKey(tx.key)

	m.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction removed", slog.Any("transaction", tx))
	return true
}

// lookup returns the live transaction with the given key.
func (m *TransactionManager) lookup(key TransactionKey) (*baseTransact, error) {
	if m.closed.Load() {
		return nil, errtrace.Wrap(ErrManagerClosed)
	}
	tx, ok := m.txs.Get(key)
	if !ok || tx.State() == TransactionStateTerminated {
		return nil, errtrace.Wrap(notFoundErr(key))
	}
	return tx, nil
}

func notFoundErr(key TransactionKey) error {
	return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionNotFound, "key %v", key))
}

// fireErr maps state machine errors to the public error kinds.
func fireErr(err error) error {
	if err == nil || errors.Is(err, ErrInvalidState) {
		return err //errtrace:skip
	}
	return errtrace.Wrap(newInvalidStateError(err))
}

// CreateClientTransaction creates a client transaction for the request
// to be sent to dst. The transaction starts in the Initial state, the
// request is sent by [TransactionManager.SendRequest].
//
// The request is copied. Missing Via (when the transport implements
// [TransportInfo]), branch, From tag, Call-ID, CSeq and Max-Forwards are
// filled in. Requests without method, URI, From or To fail with
// [ErrInvalidRequest]. ACK requests do not create transactions.
func (m *TransactionManager) CreateClientTransaction(
	ctx context.Context,
	req *Request,
	dst netip.AddrPort,
) (TransactionKey, error) {
	if m.closed.Load() {
		return TransactionKey{}, errtrace.Wrap(ErrManagerClosed)
	}
	if req == nil {
		return TransactionKey{}, errtrace.Wrap(newInvalidRequestError("nil request"))
	}
	if req.Method.Equal(RequestMethodAck) {
		return TransactionKey{}, errtrace.Wrap(newInvalidRequestError("ACK does not create a transaction"))
	}
	if !dst.IsValid() {
		return TransactionKey{}, errtrace.Wrap(newInvalidRequestError("invalid destination %v", dst))
	}

	req = req.Clone().(*Request) //nolint:forcetypeassert
	if err := m.prepareRequest(req); err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}

	key, err := ClientKey(req)
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(newInvalidRequestError(err))
	}

	var tx *baseTransact
	if req.Method.Equal(RequestMethodInvite) {
		tx = newInviteClientTransact(ctx, key, req, dst, m.tp, m.env).baseTransact
	} else {
		tx = newNonInviteClientTransact(ctx, key, req, dst, m.tp, m.env).baseTransact
	}
	if err := m.register(tx); err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "client transaction created", slog.Any("transaction", tx))
	return key, nil
}

func (m *TransactionManager) prepareRequest(req *Request) error {
	if req.Headers == nil {
		req.Headers = make(Headers)
	}
	if req.Proto == "" {
		req.Proto = ProtoVersion
	}

	var errs []error
	if !req.Method.IsValid() {
		errs = append(errs, newInvalidMessageError("invalid method %q", req.Method))
	}
	req.Method = req.Method.ToUpper()
	if req.URI == "" {
		errs = append(errs, newInvalidMessageError("empty request URI"))
	}
	from, ok := req.Headers.From()
	if !ok {
		errs = append(errs, newInvalidMessageError(newMissHdrErr(HeaderFrom)))
	}
	if _, ok := req.Headers.To(); !ok {
		errs = append(errs, newInvalidMessageError(newMissHdrErr(HeaderTo)))
	}
	if len(errs) > 0 {
		return errtrace.Wrap(newInvalidRequestError(errors.Join(errs...)))
	}

	if from.Tag() == "" {
		from.Params = from.Params.Set("tag", GenerateTag())
	}
	if hop, ok := req.Headers.FirstVia(); ok {
		if hop.Branch() == "" {
			hop.Params = hop.Params.Set("branch", GenerateBranch())
		}
	} else if info, ok := m.tp.(TransportInfo); ok {
		laddr := info.LocalAddr()
		req.Headers.Set(Via{{
			Proto:     ProtoVersion,
			Transport: info.Proto(),
			Host:      laddr.Addr().String(),
			Port:      laddr.Port(),
			Params:    Values{{Name: "branch", Value: GenerateBranch()}},
		}})
	}
	if _, ok := req.Headers.CallID(); !ok {
		req.Headers.Set(CallID(GenerateCallID()))
	}
	if _, ok := req.Headers.CSeq(); !ok {
		req.Headers.Set(&CSeq{Seq: 1, Method: req.Method})
	}
	if _, ok := req.Headers.MaxForwards(); !ok {
		req.Headers.Set(MaxForwards(70))
	}

	if err := req.Validate(); err != nil {
		return errtrace.Wrap(newInvalidRequestError(err))
	}
	return nil
}

func (m *TransactionManager) register(tx *baseTransact) error {
	if _, stored := m.txs.SetIfAbsent(tx.key, tx); !stored {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionExists, "key %v", tx.key))
	}
	m.stats.transactionCreated(tx.typ)
	return nil
}

// SendRequest sends the request of a client transaction created by
// [TransactionManager.CreateClientTransaction] and starts its timers.
// It fails with [ErrInvalidState] if the request was already sent.
func (m *TransactionManager) SendRequest(ctx context.Context, key TransactionKey) error {
	tx, err := m.lookup(key)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if !tx.typ.IsClient() {
		return errtrace.Wrap(NewInvalidArgumentError("not a client transaction key %v", key))
	}
	return errtrace.Wrap(fireErr(tx.fire(ctx, txEvtSendReq)))
}

// RetryRequest retransmits the request of a client transaction right away.
// It is allowed for INVITE transactions in Calling and for non-INVITE
// transactions in Trying and Proceeding.
func (m *TransactionManager) RetryRequest(ctx context.Context, key TransactionKey) error {
	tx, err := m.lookup(key)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if !tx.typ.IsClient() {
		return errtrace.Wrap(NewInvalidArgumentError("not a client transaction key %v", key))
	}
	return errtrace.Wrap(fireErr(tx.fire(ctx, txEvtRetry)))
}

// CancelInviteTransaction cancels a pending INVITE client transaction.
// It builds the CANCEL request, runs it in a new non-INVITE client
// transaction and returns the key of that transaction. The INVITE
// transaction must be in Calling or Proceeding, otherwise [ErrInvalidState]
// is returned.
func (m *TransactionManager) CancelInviteTransaction(ctx context.Context, key TransactionKey) (TransactionKey, error) {
	tx, err := m.lookup(key)
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}
	if tx.typ != TransactionTypeClientInvite {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("not an INVITE client transaction key %v", key))
	}

	var (
		cancelKey TransactionKey
		cancelErr error
	)
	// Calling and Proceeding accept the trigger, the CANCEL is started
	// inside the INVITE transaction's exclusive section
	if err := tx.fire(ctx, txEvtCancel, func(ctx context.Context) {
		cancelKey, cancelErr = m.startCancel(ctx, tx)
	}); err != nil {
		return TransactionKey{}, errtrace.Wrap(fireErr(err))
	}
	if cancelErr != nil {
		return TransactionKey{}, errtrace.Wrap(cancelErr)
	}
	return cancelKey, nil
}

func (m *TransactionManager) startCancel(ctx context.Context, invite *baseTransact) (TransactionKey, error) {
	cancel, err := NewCancelRequest(invite.req)
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}
	cancelKey, err := ClientKey(cancel)
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}

	cancelTx := newNonInviteClientTransact(ctx, cancelKey, cancel, invite.dst, m.tp, m.env).baseTransact
	if err := m.register(cancelTx); err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "cancel transaction created",
		slog.Any("transaction", cancelTx),
		slog.Any("invite", invite.key),
	)

	if err := cancelTx.fire(ctx, txEvtSendReq); err != nil {
		return TransactionKey{}, errtrace.Wrap(fireErr(err))
	}
	return cancelKey, nil
}

// SendResponse sends the TU response through the server transaction.
// The response must belong to the transaction, see [Request.NewResponse].
// Responses not allowed in the current state fail with [ErrInvalidState].
func (m *TransactionManager) SendResponse(ctx context.Context, key TransactionKey, res *Response) error {
	tx, err := m.lookup(key)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if tx.typ.IsClient() {
		return errtrace.Wrap(NewInvalidArgumentError("not a server transaction key %v", key))
	}
	if res == nil {
		return errtrace.Wrap(newInvalidResponseError("nil response"))
	}
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(newInvalidResponseError(err))
	}
	if resKey, err := KeyFor(res, RoleServer); err != nil {
		return errtrace.Wrap(newInvalidResponseError(err))
	} else if resKey != key {
		return errtrace.Wrap(newInvalidResponseError("response key %v does not match %v", resKey, key))
	}
	return errtrace.Wrap(fireErr(tx.fire(ctx, sendResTrigger(res), res)))
}

// HandleMessage processes a message received by the transport from src.
//
// Responses are matched to client transactions, orphans are discarded.
// Requests are matched to server transactions; new requests create
// server transactions and are announced with [EventNewRequest].
// CANCEL is answered automatically, ACK without a transaction is announced
// with [EventUnmatchedAck]. A closed manager answers new requests with 503.
func (m *TransactionManager) HandleMessage(ctx context.Context, msg Message, src netip.AddrPort) error {
	switch msg := msg.(type) {
	case *Request:
		return errtrace.Wrap(m.handleRequest(ctx, msg, src))
	case *Response:
		return errtrace.Wrap(m.handleResponse(ctx, msg, src))
	default:
		return errtrace.Wrap(NewInvalidArgumentError("unexpected message %T", msg))
	}
}

func (m *TransactionManager) handleResponse(ctx context.Context, res *Response, src netip.AddrPort) error {
	if err := res.Validate(); err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "invalid response discarded",
			slog.Any("response", res),
			slog.Any("source", src),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}

	key, err := KeyFor(res, RoleClient)
	if err != nil {
		return errtrace.Wrap(err)
	}

	tx, ok := m.txs.Get(key)
	if !ok {
		m.log.LogAttrs(ctx, slog.LevelWarn, "orphan response discarded",
			slog.Any("response", res),
			slog.Any("key", key),
			slog.Any("source", src),
		)
		return nil
	}

	if err := tx.fire(ctx, resTrigger(res), res); err != nil {
		m.log.LogAttrs(ctx, slog.LevelDebug, "response ignored",
			slog.Any("transaction", tx),
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
	return nil
}

func (m *TransactionManager) handleRequest(ctx context.Context, req *Request, src netip.AddrPort) error {
	if err := req.Validate(); err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "invalid request discarded",
			slog.Any("request", req),
			slog.Any("source", src),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}

	key, err := ServerKey(req)
	if err != nil {
		return errtrace.Wrap(err)
	}

	if tx, ok := m.txs.Get(key); ok {
		trigger := txEvtRecvReq
		if req.Method.Equal(RequestMethodAck) {
			trigger = txEvtRecvAck
		}
		if err := tx.fire(ctx, trigger, req, src); err != nil {
			m.log.LogAttrs(ctx, slog.LevelDebug, "request ignored",
				slog.Any("transaction", tx),
				slog.Any("request", req),
				slog.Any("error", err),
			)
		}
		return nil
	}

	if req.Method.Equal(RequestMethodAck) {
		m.log.LogAttrs(ctx, slog.LevelDebug, "unmatched ACK", slog.Any("request", req), slog.Any("source", src))
		m.hub.publish(ctx, Event{Kind: EventUnmatchedAck, Request: req, Source: src})
		return nil
	}

	if m.closed.Load() {
		m.respondStateless(ctx, req, src, ResponseStatusServiceUnavailable)
		return nil
	}

	if req.Method.Equal(RequestMethodCancel) {
		return errtrace.Wrap(m.handleCancel(ctx, key, req, src))
	}

	if _, err := m.createServerTransaction(ctx, key, req, src); err != nil {
		if !errors.Is(err, ErrTransactionExists) {
			return errtrace.Wrap(err)
		}
		// lost the race to a retransmission, absorb it in the winner
		if tx, ok := m.txs.Get(key); ok {
			tx.fire(ctx, txEvtRecvReq, req, src) //nolint:errcheck
		}
	}
	return nil
}

func (m *TransactionManager) handleCancel(ctx context.Context, key TransactionKey, cancel *Request, src netip.AddrPort) error {
	tx := newNonInviteServerTransact(ctx, key, cancel, src, m.tp, m.env).baseTransact
	if err := m.register(tx); err != nil {
		return errtrace.Wrap(err)
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "cancel server transaction created", slog.Any("transaction", tx))

	sts := ResponseStatusCallTransactionDoesNotExist
	if targetKey, err := CancelTargetKey(cancel); err == nil {
		if target, ok := m.txs.Get(targetKey); ok {
			if err := target.fire(ctx, txEvtRecvCancel, cancel, key); err == nil {
				sts = ResponseStatusOK
			}
		}
	}

	res, err := cancel.NewResponse(sts, nil)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.fire(ctx, sendResTrigger(res), res))
}

// CreateServerTransaction creates a server transaction for the inbound
// request received from src and announces it with [EventNewRequest].
// It fails with [ErrTransactionExists] if the request matches an existing
// transaction. [TransactionManager.HandleMessage] calls it for new requests.
func (m *TransactionManager) CreateServerTransaction(
	ctx context.Context,
	req *Request,
	src netip.AddrPort,
) (TransactionKey, error) {
	if m.closed.Load() {
		return TransactionKey{}, errtrace.Wrap(ErrManagerClosed)
	}
	if req == nil {
		return TransactionKey{}, errtrace.Wrap(newInvalidRequestError("nil request"))
	}
	if req.Method.Equal(RequestMethodAck) {
		return TransactionKey{}, errtrace.Wrap(newInvalidRequestError("ACK does not create a transaction"))
	}
	if err := req.Validate(); err != nil {
		return TransactionKey{}, errtrace.Wrap(newInvalidRequestError(err))
	}
	key, err := ServerKey(req)
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(newInvalidRequestError(err))
	}
	return errtrace.Wrap2(m.createServerTransaction(ctx, key, req, src))
}

func (m *TransactionManager) createServerTransaction(
	ctx context.Context,
	key TransactionKey,
	req *Request,
	src netip.AddrPort,
) (TransactionKey, error) {
	var (
		tx    *baseTransact
		start func(ctx context.Context)
	)
	if req.Method.Equal(RequestMethodInvite) {
		invTx := newInviteServerTransact(ctx, key, req, src, m.tp, m.env)
		tx, start = invTx.baseTransact, invTx.start
	} else {
		tx = newNonInviteServerTransact(ctx, key, req, src, m.tp, m.env).baseTransact
	}
	if err := m.register(tx); err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "server transaction created", slog.Any("transaction", tx))

	// the 100 Trying goes out before the TU learns about the request
	if start != nil {
		start(ctx)
	}
	tx.emit(ctx, Event{Kind: EventNewRequest, Request: req, Source: src})
	return key, nil
}

func (m *TransactionManager) respondStateless(ctx context.Context, req *Request, dst netip.AddrPort, sts ResponseStatus) {
	res, err := req.NewResponse(sts, nil)
	if err == nil {
		err = m.tp.Send(ctx, res, dst)
	}
	if err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond statelessly",
			slog.Any("request", req),
			slog.Any("status", sts),
			slog.Any("error", err),
		)
		return
	}
	m.log.LogAttrs(ctx, slog.LevelDebug, "request rejected statelessly",
		slog.Any("request", req),
		slog.Any("response", res),
	)
}

// Subscribe returns the event stream of the live transaction.
// The subscription is closed when the transaction is removed.
func (m *TransactionManager) Subscribe(key TransactionKey) (*Subscription, error) {
	if _, err := m.lookup(key); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return m.hub.subscribe(key), nil
}

// SubscribeAll returns the stream of events of all transactions, including
// events without a transaction such as [EventUnmatchedAck].
func (m *TransactionManager) SubscribeAll() *Subscription {
	return m.hub.subscribeAll()
}

// TransactionState returns the current state of the transaction.
// Terminated transactions are reported until they are removed.
func (m *TransactionManager) TransactionState(key TransactionKey) (TransactionState, error) {
	tx, ok := m.txs.Get(key)
	if !ok {
		return "", errtrace.Wrap(notFoundErr(key))
	}
	return tx.State(), nil
}

// TransactionRequest returns the request of the transaction,
// with the headers filled in by [TransactionManager.CreateClientTransaction].
func (m *TransactionManager) TransactionRequest(key TransactionKey) (*Request, error) {
	tx, ok := m.txs.Get(key)
	if !ok {
		return nil, errtrace.Wrap(notFoundErr(key))
	}
	return tx.req.Clone().(*Request), nil //nolint:forcetypeassert
}

// TransactionExists reports whether a live transaction has the given key.
func (m *TransactionManager) TransactionExists(key TransactionKey) bool {
	tx, ok := m.txs.Get(key)
	return ok && tx.State() != TransactionStateTerminated
}

func (m *TransactionManager) snapshot() []*baseTransact {
	txs := make([]*baseTransact, 0, m.txs.Size())
	for _, tx := range m.txs.Items() {
		txs = append(txs, tx)
	}
	return txs
}

// ActiveTransactions returns the keys of all live transactions.
func (m *TransactionManager) ActiveTransactions() []TransactionKey {
	keys := lo.FilterMap(m.snapshot(), func(tx *baseTransact, _ int) (TransactionKey, bool) {
		return tx.key, tx.State() != TransactionStateTerminated
	})
	slices.SortFunc(keys, func(a, b TransactionKey) int { return strings.Compare(a.String(), b.String()) })
	return keys
}

// TransactionCount returns the number of registered transactions,
// including terminated ones that are not removed yet.
func (m *TransactionManager) TransactionCount() int {
	return m.txs.Size()
}

// CleanupTerminatedTransactions removes all terminated transactions right away
// and returns their number.
func (m *TransactionManager) CleanupTerminatedTransactions() int {
	terminated := lo.Filter(m.snapshot(), func(tx *baseTransact, _ int) bool {
		return tx.State() == TransactionStateTerminated
	})
	return lo.CountBy(terminated, m.reclaim)
}

// WaitForTransactionState blocks until the transaction reaches the state.
// It fails with [ErrInvalidState] if the transaction terminates first,
// and with [ErrTransactionNotFound] if it is unknown or was removed.
func (m *TransactionManager) WaitForTransactionState(ctx context.Context, key TransactionKey, state TransactionState) error {
	tx, ok := m.txs.Get(key)
	if !ok {
		return errtrace.Wrap(notFoundErr(key))
	}

	sub := m.hub.subscribe(key)
	defer sub.Close()

	for {
		st := tx.State()
		if st == state {
			return nil
		}
		if st == TransactionStateTerminated {
			return errtrace.Wrap(newInvalidStateError("transaction %v terminated while waiting for %v", key, state))
		}

		select {
		case <-ctx.Done():
			return errtrace.Wrap(ctx.Err())
		case _, ok := <-sub.Events():
			if ok {
				continue
			}
			if tx.State() == state {
				return nil
			}
			return errtrace.Wrap(notFoundErr(key))
		}
	}
}

// Close terminates all transactions, stops timers and closes subscriptions.
// Further calls fail with [ErrManagerClosed].
func (m *TransactionManager) Close(ctx context.Context) error {
	err := errtrace.Wrap(ErrManagerClosed)
	m.closeOnce.Do(func() {
		err = nil
		m.closed.Store(true)

		for _, tx := range m.snapshot() {
			if err := tx.fire(ctx, txEvtTerminate); err != nil {
				m.log.LogAttrs(ctx, slog.LevelDebug, "failed to terminate transaction",
					slog.Any("transaction", tx),
					slog.Any("error", err),
				)
			}
			m.reclaim(tx)
		}

		m.timers.Close()
		m.hub.close()

		m.log.LogAttrs(ctx, slog.LevelDebug, "transaction manager closed")
	})
	return err
}
