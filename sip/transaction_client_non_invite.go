package sip

import (
	"context"
	"net/netip"
	"time"
)

type nonInviteClientTransact struct {
	*clientTransact

	intervalE time.Duration
}

func newNonInviteClientTransact(
	ctx context.Context,
	key TransactionKey,
	req *Request,
	dst netip.AddrPort,
	tp Transport,
	env *txEnv,
) *nonInviteClientTransact {
	tx := &nonInviteClientTransact{
		clientTransact: &clientTransact{
			newBaseTransact(ctx, TransactionTypeClientNonInvite, key, req, dst, tp, env, TransactionStateInitial),
		},
	}
	tx.initFSM()
	return tx
}

func (tx *nonInviteClientTransact) initFSM() {
	tx.configInitial(TransactionStateTrying)

	tx.fsm.Configure(TransactionStateTrying).
		OnEntryFrom(txEvtSendReq, tx.actTrying).
		InternalTransition(txEvtTimerE, tx.actTimerE).
		InternalTransition(txEvtRetry, tx.actRetry).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actTimerE).
		InternalTransition(txEvtRetry, tx.actRetry).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actCompleted).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTimerE).
		Ignore(txEvtTimerF).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.configTerminated()
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut)
}

func (tx *nonInviteClientTransact) actTrying(ctx context.Context, _ ...any) error {
	tx.sendReq(ctx, tx.req)

	if !tx.reliable {
		tx.intervalE = tx.env.timings.TimeE()
		tx.startTimer(TimerE, tx.intervalE)
	}
	tx.startTimer(TimerF, tx.env.timings.TimeF())
	return nil
}

func (tx *nonInviteClientTransact) actTimerE(ctx context.Context, _ ...any) error {
	tx.resendReq(ctx, "timer E")

	if tx.State() == TransactionStateProceeding {
		tx.intervalE = tx.env.timings.T2()
	} else {
		tx.intervalE = tx.env.timings.backoff(tx.intervalE)
	}
	tx.startTimer(TimerE, tx.intervalE)
	return nil
}

func (tx *nonInviteClientTransact) actCompleted(ctx context.Context, args ...any) error {
	tx.stopTimers(TimerE, TimerF)

	var d time.Duration
	if !tx.reliable {
		d = tx.env.timings.TimeK()
	}
	tx.startTimer(TimerK, d)

	return tx.actPassRes(ctx, args...) //errtrace:skip
}
