package sip

import (
	"context"
	"log/slog"
)

// clientTransact is the part shared by INVITE and non-INVITE client transactions.
type clientTransact struct {
	*baseTransact
}

func (tx *clientTransact) configInitial(sent TransactionState) {
	tx.fsm.Configure(TransactionStateInitial).
		Permit(txEvtSendReq, sent).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)
}

// resTrigger maps an inbound response to its trigger.
func resTrigger(res *Response) string {
	switch {
	case res.Status.IsProvisional():
		return txEvtRecv1xx
	case res.Status.IsSuccessful():
		return txEvtRecv2xx
	default:
		return txEvtRecv300699
	}
}

func (tx *clientTransact) sendReq(ctx context.Context, req *Request) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request",
		slog.Any("transaction", tx.baseTransact),
		slog.Any("request", req),
	)
	tx.send(req)
}

func (tx *clientTransact) resendReq(ctx context.Context, reason string) {
	tx.retrans++
	tx.env.stats.retransmission()

	tx.log.LogAttrs(ctx, slog.LevelDebug, "request retransmitted",
		slog.Any("transaction", tx.baseTransact),
		slog.String("reason", reason),
		slog.Int("retransmissions", tx.retrans),
	)
	tx.send(tx.req)
}

func (tx *clientTransact) actRetry(ctx context.Context, _ ...any) error {
	tx.resendReq(ctx, "retry")
	return nil
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res, _ := args[0].(*Response)
	tx.lastRes = res

	var kind EventKind
	switch {
	case res.Status.IsProvisional():
		kind = EventProvisionalResponse
	case res.Status.IsSuccessful():
		kind = EventSuccessResponse
	default:
		kind = EventFailureResponse
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response",
		slog.Any("transaction", tx.baseTransact),
		slog.Any("response", res),
	)
	tx.emit(ctx, Event{Kind: kind, Response: res})
	return nil
}
