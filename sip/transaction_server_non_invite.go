package sip

import (
	"context"
	"net/netip"
	"time"
)

type nonInviteServerTransact struct {
	*serverTransact
}

func newNonInviteServerTransact(
	ctx context.Context,
	key TransactionKey,
	req *Request,
	src netip.AddrPort,
	tp Transport,
	env *txEnv,
) *nonInviteServerTransact {
	tx := &nonInviteServerTransact{
		serverTransact: &serverTransact{
			newBaseTransact(ctx, TransactionTypeServerNonInvite, key, req, src, tp, env, TransactionStateTrying),
		},
	}
	tx.initFSM()
	return tx
}

func (tx *nonInviteServerTransact) initFSM() {
	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actCompleted).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.configTerminated()
}

func (tx *nonInviteServerTransact) actCompleted(ctx context.Context, args ...any) error {
	if err := tx.actSendRes(ctx, args...); err != nil {
		return err //errtrace:skip
	}

	var d time.Duration
	if !tx.reliable {
		d = tx.env.timings.TimeJ()
	}
	tx.startTimer(TimerJ, d)
	return nil
}
