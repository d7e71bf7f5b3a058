package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"time"
)

type inviteServerTransact struct {
	*serverTransact

	intervalG time.Duration
}

func newInviteServerTransact(
	ctx context.Context,
	key TransactionKey,
	req *Request,
	src netip.AddrPort,
	tp Transport,
	env *txEnv,
) *inviteServerTransact {
	tx := &inviteServerTransact{
		serverTransact: &serverTransact{
			newBaseTransact(ctx, TransactionTypeServerInvite, key, req, src, tp, env, TransactionStateProceeding),
		},
	}
	tx.initFSM()
	return tx
}

func (tx *inviteServerTransact) initFSM() {
	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtRecvCancel, tx.actCancelled).
		InternalTransition(txEvtTimer100, tx.actTimer100).
		InternalTransition(txEvtSend1xx, tx.actSendProvisional).
		Ignore(txEvtRecvAck).
		Permit(txEvtSend2xx, TransactionStateTerminated).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend300699, tx.actCompleted).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtRecvCancel, tx.actCancelled).
		InternalTransition(txEvtTimerG, tx.actTimerG).
		Ignore(txEvtTimer100).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntryFrom(txEvtRecvAck, tx.actConfirmed).
		InternalTransition(txEvtRecvCancel, tx.actCancelled).
		Ignore(txEvtRecvAck).
		Ignore(txEvtRecvReq).
		Ignore(txEvtTimerG).
		Ignore(txEvtTimerH).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.configTerminated()
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtSend2xx, tx.actAccepted).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut)
}

// start sends 100 Trying right away on unreliable transports,
// on reliable ones it is sent after Time100 unless the TU answers first.
func (tx *inviteServerTransact) start(ctx context.Context) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.State() != TransactionStateProceeding || tx.lastRes != nil {
		return
	}
	if !tx.reliable {
		tx.sendTrying(ctx)
		return
	}
	tx.startTimer(Timer100, tx.env.timings.Time100())
}

func (tx *inviteServerTransact) sendTrying(ctx context.Context) {
	res, err := tx.req.NewResponse(ResponseStatusTrying, nil)
	if err != nil {
		tx.log.LogAttrs(ctx, slog.LevelError, "failed to build 100 Trying",
			slog.Any("transaction", tx.baseTransact),
			slog.Any("error", err),
		)
		return
	}
	tx.sendRes(ctx, res)
}

func (tx *inviteServerTransact) actTimer100(ctx context.Context, _ ...any) error {
	if tx.lastRes == nil {
		tx.sendTrying(ctx)
	}
	return nil
}

func (tx *inviteServerTransact) actSendProvisional(ctx context.Context, args ...any) error {
	tx.stopTimer(Timer100)
	return tx.actSendRes(ctx, args...) //errtrace:skip
}

func (tx *inviteServerTransact) actAccepted(ctx context.Context, args ...any) error {
	tx.stopTimer(Timer100)
	return tx.actSendRes(ctx, args...) //errtrace:skip
}

func (tx *inviteServerTransact) actCompleted(ctx context.Context, args ...any) error {
	tx.stopTimer(Timer100)
	if err := tx.actSendRes(ctx, args...); err != nil {
		return err //errtrace:skip
	}

	if !tx.reliable {
		tx.intervalG = tx.env.timings.TimeG()
		tx.startTimer(TimerG, tx.intervalG)
	}
	tx.startTimer(TimerH, tx.env.timings.TimeH())
	return nil
}

func (tx *inviteServerTransact) actTimerG(ctx context.Context, _ ...any) error {
	tx.resendRes(ctx, "timer G")

	tx.intervalG = tx.env.timings.backoff(tx.intervalG)
	tx.startTimer(TimerG, tx.intervalG)
	return nil
}

func (tx *inviteServerTransact) actConfirmed(ctx context.Context, args ...any) error {
	tx.stopTimers(TimerG, TimerH)

	var d time.Duration
	if !tx.reliable {
		d = tx.env.timings.TimeI()
	}
	tx.startTimer(TimerI, d)

	ack, _ := args[0].(*Request)
	var src netip.AddrPort
	if len(args) > 1 {
		src, _ = args[1].(netip.AddrPort)
	}
	tx.emit(ctx, Event{Kind: EventAckReceived, Request: ack, Source: src})
	return nil
}
