package sip_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"braces.dev/errtrace"
	"github.com/google/go-cmp/cmp"

	"github.com/voipkit/siptx/sip"
)

func TestInviteClientTransaction_RetransmitSchedule(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newManager(t, tp, nil)

	start := time.Now()
	startClientTx(t, m, tp, sip.RequestMethodInvite)

	// Timer A: 20, 40, 80, 160 (T2 cap), 160
	want := []time.Duration{20, 60, 140, 300, 460}
	for i, w := range want {
		s := tp.waitSent(t, time.Second)
		if got := s.req(t).Method; got != sip.RequestMethodInvite {
			t.Fatalf("retransmission %d method = %q, want %q", i, got, sip.RequestMethodInvite)
		}
		elapsed := time.Since(start)
		if earliest := w*time.Millisecond - 2*time.Millisecond; elapsed < earliest {
			t.Fatalf("retransmission %d at %v, want >= %v", i, elapsed, earliest)
		}
		if i == len(want)-1 && elapsed >= 620*time.Millisecond {
			t.Fatalf("retransmission %d at %v, want interval capped at T2", i, elapsed)
		}
	}
}

func TestInviteClientTransaction_Accepted(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newManager(t, tp, &sip.ManagerOptions{LingerTime: time.Minute})

	key, req := startClientTx(t, m, tp, sip.RequestMethodInvite)
	assertState(t, m, key, sip.TransactionStateCalling)
	sub := subscribe(t, m, key)

	recv(t, m, newRes(t, req, sip.ResponseStatusRinging))
	assertState(t, m, key, sip.TransactionStateProceeding)

	// timer A is canceled in Proceeding
	for len(tp.sent) > 0 {
		<-tp.sent
	}
	tp.ensureNoSend(t, 5*testT1)

	recv(t, m, newRes(t, req, sip.ResponseStatusOK))
	assertState(t, m, key, sip.TransactionStateTerminated)

	evts := collectEvents(sub, 50*time.Millisecond)
	var kinds []sip.EventKind
	for _, e := range evts {
		kinds = append(kinds, e.Kind)
	}
	wantKinds := []sip.EventKind{
		sip.EventProvisionalResponse,
		sip.EventStateChanged,
		sip.EventSuccessResponse,
		sip.EventStateChanged,
		sip.EventTransactionTerminated,
	}
	if diff := cmp.Diff(wantKinds, kinds); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if got := evts[2].Response.Status; got != sip.ResponseStatusOK {
		t.Fatalf("success event status = %d, want %d", got, sip.ResponseStatusOK)
	}
	if got, want := evts[3].PrevState, sip.TransactionStateProceeding; got != want {
		t.Fatalf("state changed prev state = %q, want %q", got, want)
	}

	// the ACK to 2xx is not sent by the transaction
	tp.ensureNoSend(t, 5*testT1)

	if m.TransactionExists(key) {
		t.Fatalf("m.TransactionExists(%v) = true, want false", key)
	}
}

func TestInviteClientTransaction_Rejected(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	m := newManager(t, tp, nil)

	key, req := startClientTx(t, m, tp, sip.RequestMethodInvite)
	sub := subscribe(t, m, key)

	res := newRes(t, req, sip.ResponseStatusBusyHere)
	recv(t, m, res)
	assertState(t, m, key, sip.TransactionStateCompleted)

	evt := waitEvent(t, sub, sip.EventFailureResponse, 100*time.Millisecond)
	if evt.Response.Status != sip.ResponseStatusBusyHere {
		t.Fatalf("failure event status = %d, want %d", evt.Response.Status, sip.ResponseStatusBusyHere)
	}

	var ack *sip.Request
	for ack == nil {
		if r := tp.waitSent(t, 100*time.Millisecond).req(t); r.Method == sip.RequestMethodAck {
			ack = r
		}
	}
	if ack.URI != req.URI {
		t.Fatalf("ACK URI = %q, want %q", ack.URI, req.URI)
	}
	hop, _ := ack.Headers.FirstVia()
	reqHop, _ := req.Headers.FirstVia()
	if hop.Branch() != reqHop.Branch() {
		t.Fatalf("ACK branch = %q, want %q", hop.Branch(), reqHop.Branch())
	}
	cseq, _ := ack.Headers.CSeq()
	if cseq.Method != sip.RequestMethodAck || cseq.Seq != 1 {
		t.Fatalf("ACK CSeq = %v, want 1 ACK", cseq)
	}
	to, _ := ack.Headers.To()
	if to.Tag() != "b1" {
		t.Fatalf("ACK To tag = %q, want %q", to.Tag(), "b1")
	}
	if mf, _ := ack.Headers.MaxForwards(); mf != 70 {
		t.Fatalf("ACK Max-Forwards = %d, want 70", mf)
	}

	// the state change to Completed follows the response event
	if evts := collectEvents(sub, 2*testT1); countKind(evts, sip.EventFailureResponse) != 0 {
		t.Fatalf("events after first final = %v, want no other failure response", evts)
	}

	// retransmitted finals: ACK again, no event
	for range 2 {
		recv(t, m, res)
		if r := tp.waitSent(t, 100*time.Millisecond).req(t); r.Method != sip.RequestMethodAck {
			t.Fatalf("sent %q, want ACK", r.Method)
		}
	}
	if evts := collectEvents(sub, 50*time.Millisecond); len(evts) != 0 {
		t.Fatalf("events on final retransmission = %v, want none", evts)
	}

	// timer D
	waitState(t, m, key, sip.TransactionStateTerminated, 3*time.Second)
}

func TestInviteClientTransaction_TimerB(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	m := newManager(t, tp, nil)

	key, _ := startClientTx(t, m, tp, sip.RequestMethodInvite)
	sub := subscribe(t, m, key)

	// reliable transport, no timer A
	tp.ensureNoSend(t, 5*testT1)

	evt := waitEvent(t, sub, sip.EventTransactionTimeout, 3*time.Second)
	if evt.Timer != sip.TimerB {
		t.Fatalf("timeout timer = %q, want %q", evt.Timer, sip.TimerB)
	}
	waitEvent(t, sub, sip.EventTransactionTerminated, 100*time.Millisecond)

	if got := m.Stats().Report().Timeouts; got != 1 {
		t.Fatalf("stats timeouts = %d, want 1", got)
	}
}

func TestInviteClientTransaction_TimerBInProceeding(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	m := newManager(t, tp, nil)

	key, req := startClientTx(t, m, tp, sip.RequestMethodInvite)
	sub := subscribe(t, m, key)

	recv(t, m, newRes(t, req, sip.ResponseStatusRinging))

	evt := waitEvent(t, sub, sip.EventTransactionTimeout, 3*time.Second)
	if evt.Timer != sip.TimerB {
		t.Fatalf("timeout timer = %q, want %q", evt.Timer, sip.TimerB)
	}
}

func TestInviteClientTransaction_ReliableTimerD(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	m := newManager(t, tp, &sip.ManagerOptions{LingerTime: time.Minute})

	key, req := startClientTx(t, m, tp, sip.RequestMethodInvite)

	recv(t, m, newRes(t, req, sip.ResponseStatusDecline))
	if r := tp.waitSent(t, 100*time.Millisecond).req(t); r.Method != sip.RequestMethodAck {
		t.Fatalf("sent %q, want ACK", r.Method)
	}
	// timer D is zero on reliable transports
	waitState(t, m, key, sip.TransactionStateTerminated, 200*time.Millisecond)
}

func TestInviteClientTransaction_TransportError(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(false)
	tp.failWith(errNetDown)
	m := newManager(t, tp, &sip.ManagerOptions{LingerTime: time.Minute})

	key, err := m.CreateClientTransaction(t.Context(), newOutReq(sip.RequestMethodInvite), remoteAddr)
	if err != nil {
		t.Fatalf("m.CreateClientTransaction() error = %v, want nil", err)
	}
	sub := subscribe(t, m, key)

	if err := m.SendRequest(t.Context(), key); err != nil {
		t.Fatalf("m.SendRequest() error = %v, want nil", err)
	}

	evt := waitEvent(t, sub, sip.EventTransportError, 200*time.Millisecond)
	if !errors.Is(evt.Err, errNetDown) {
		t.Fatalf("transport error = %v, want %v", evt.Err, errNetDown)
	}
	if want := "to " + remoteAddr.String(); !strings.Contains(evt.Err.Error(), want) {
		t.Fatalf("transport error = %q, want destination %q", evt.Err, want)
	}
	if trace := errtrace.FormatString(evt.Err); !strings.Contains(trace, "transportFailed") {
		t.Fatalf("transport error trace = %q, want transportFailed frame", trace)
	}
	waitEvent(t, sub, sip.EventTransactionTerminated, 100*time.Millisecond)
	assertState(t, m, key, sip.TransactionStateTerminated)

	if got := m.Stats().Report().TransportErrors; got != 1 {
		t.Fatalf("stats transport errors = %d, want 1", got)
	}
}

func TestInviteClientTransaction_RetryRequest(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(true)
	m := newManager(t, tp, nil)

	key, req := startClientTx(t, m, tp, sip.RequestMethodInvite)

	if err := m.RetryRequest(t.Context(), key); err != nil {
		t.Fatalf("m.RetryRequest() error = %v, want nil", err)
	}
	if r := tp.waitSent(t, 100*time.Millisecond).req(t); r.Method != sip.RequestMethodInvite {
		t.Fatalf("sent %q, want INVITE", r.Method)
	}

	recv(t, m, newRes(t, req, sip.ResponseStatusRinging))
	if err := m.RetryRequest(t.Context(), key); !errors.Is(err, sip.ErrInvalidState) {
		t.Fatalf("m.RetryRequest() in Proceeding error = %v, want %v", err, sip.ErrInvalidState)
	}
	assertState(t, m, key, sip.TransactionStateProceeding)
}
