package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"time"
)

type inviteClientTransact struct {
	*clientTransact

	intervalA time.Duration
	ack       *Request
}

func newInviteClientTransact(
	ctx context.Context,
	key TransactionKey,
	req *Request,
	dst netip.AddrPort,
	tp Transport,
	env *txEnv,
) *inviteClientTransact {
	tx := &inviteClientTransact{
		clientTransact: &clientTransact{
			newBaseTransact(ctx, TransactionTypeClientInvite, key, req, dst, tp, env, TransactionStateInitial),
		},
	}
	tx.initFSM()
	return tx
}

func (tx *inviteClientTransact) initFSM() {
	tx.configInitial(TransactionStateCalling)

	tx.fsm.Configure(TransactionStateCalling).
		OnEntryFrom(txEvtSendReq, tx.actCalling).
		InternalTransition(txEvtTimerA, tx.actTimerA).
		InternalTransition(txEvtRetry, tx.actRetry).
		InternalTransition(txEvtCancel, tx.actCancel).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actProceeding).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtCancel, tx.actCancel).
		Ignore(txEvtTimerA).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actCompleted).
		InternalTransition(txEvtRecv300699, tx.actResendAck).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtTimerA).
		Ignore(txEvtTimerB).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.configTerminated()
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut)
}

func (tx *inviteClientTransact) actCalling(ctx context.Context, _ ...any) error {
	tx.sendReq(ctx, tx.req)

	if !tx.reliable {
		tx.intervalA = tx.env.timings.TimeA()
		tx.startTimer(TimerA, tx.intervalA)
	}
	tx.startTimer(TimerB, tx.env.timings.TimeB())
	return nil
}

func (tx *inviteClientTransact) actTimerA(ctx context.Context, _ ...any) error {
	tx.resendReq(ctx, "timer A")

	tx.intervalA = tx.env.timings.backoff(tx.intervalA)
	tx.startTimer(TimerA, tx.intervalA)
	return nil
}

func (tx *inviteClientTransact) actProceeding(ctx context.Context, args ...any) error {
	tx.stopTimer(TimerA)
	return tx.actPassRes(ctx, args...) //errtrace:skip
}

func (tx *inviteClientTransact) actCompleted(ctx context.Context, args ...any) error {
	tx.stopTimers(TimerA, TimerB)

	res, _ := args[0].(*Response)
	ack, err := NewAckRequest(tx.req, res)
	if err != nil {
		tx.log.LogAttrs(ctx, slog.LevelError, "failed to build ACK",
			slog.Any("transaction", tx.baseTransact),
			slog.Any("response", res),
			slog.Any("error", err),
		)
	} else {
		tx.ack = ack
		tx.sendReq(ctx, ack)
	}

	var d time.Duration
	if !tx.reliable {
		d = tx.env.timings.TimeD()
	}
	tx.startTimer(TimerD, d)

	return tx.actPassRes(ctx, args...) //errtrace:skip
}

func (tx *inviteClientTransact) actResendAck(ctx context.Context, args ...any) error {
	if tx.ack == nil {
		return nil
	}

	tx.retrans++
	tx.env.stats.retransmission()

	tx.log.LogAttrs(ctx, slog.LevelDebug, "final response retransmission absorbed, ACK re-sent",
		slog.Any("transaction", tx.baseTransact),
		slog.Any("response", args[0]),
	)
	tx.send(tx.ack)
	return nil
}

// actCancel runs the CANCEL starter while the transaction is still pending.
// A final response cannot slip in before the CANCEL is sent.
func (tx *inviteClientTransact) actCancel(ctx context.Context, args ...any) error {
	start := args[0].(func(context.Context)) //nolint:forcetypeassert
	start(ctx)
	return nil
}
