package sip

import (
	"context"
	"log/slog"
)

// serverTransact is the part shared by INVITE and non-INVITE server transactions.
type serverTransact struct {
	*baseTransact
}

// sendResTrigger maps a TU response to its trigger.
func sendResTrigger(res *Response) string {
	switch {
	case res.Status.IsProvisional():
		return txEvtSend1xx
	case res.Status.IsSuccessful():
		return txEvtSend2xx
	default:
		return txEvtSend300699
	}
}

func (tx *serverTransact) sendRes(ctx context.Context, res *Response) {
	tx.lastRes = res

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response",
		slog.Any("transaction", tx.baseTransact),
		slog.Any("response", res),
	)
	tx.send(res)
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res, _ := args[0].(*Response)
	tx.sendRes(ctx, res)
	return nil
}

// actResendRes re-sends the last response on a request retransmission.
func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	if tx.lastRes == nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "request retransmission absorbed",
			slog.Any("transaction", tx.baseTransact),
		)
		return nil
	}
	tx.resendRes(ctx, "request retransmission")
	return nil
}

func (tx *serverTransact) resendRes(ctx context.Context, reason string) {
	tx.retrans++
	tx.env.stats.retransmission()

	tx.log.LogAttrs(ctx, slog.LevelDebug, "response retransmitted",
		slog.Any("transaction", tx.baseTransact),
		slog.String("reason", reason),
		slog.Any("response", tx.lastRes),
		slog.Int("retransmissions", tx.retrans),
	)
	tx.send(tx.lastRes)
}

func (tx *serverTransact) actCancelled(ctx context.Context, args ...any) error {
	cancel, _ := args[0].(*Request)
	var cancelKey TransactionKey
	if len(args) > 1 {
		cancelKey, _ = args[1].(TransactionKey)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction cancelled",
		slog.Any("transaction", tx.baseTransact),
		slog.Any("cancel", cancelKey),
	)
	tx.emit(ctx, Event{Kind: EventCancelReceived, Request: cancel, CancelKey: cancelKey})
	return nil
}
