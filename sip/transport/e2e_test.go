package transport_test

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/voipkit/siptx/internal/log"
	"github.com/voipkit/siptx/sip"
	"github.com/voipkit/siptx/sip/transport"
)

func testTimings() sip.TimingConfig {
	const t1 = 20 * time.Millisecond
	return sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, 5*t1)
}

type peer interface {
	sip.Transport
	server
}

// newPeer starts a transaction manager served by tp.
func newPeer(t *testing.T, tp peer) *sip.TransactionManager {
	t.Helper()

	m := sip.NewTransactionManager(tp, &sip.ManagerOptions{
		Timings:    testTimings(),
		Logger:     log.Noop,
		LingerTime: time.Minute,
	})
	serve(t, tp, m.HandleMessage)
	// registered after serve, so it runs before the transport is closed
	t.Cleanup(func() { m.Close(context.Background()) }) //nolint:errcheck
	return m
}

func waitEvent(t *testing.T, sub *sip.Subscription, kind sip.EventKind) sip.Event {
	t.Helper()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for %q", kind)
			}
			if evt.Kind == kind {
				return evt
			}
		case <-timeout:
			t.Fatalf("no %q event in 3s", kind)
			return sip.Event{}
		}
	}
}

// waitResponse skips events until a response event with the status.
func waitResponse(t *testing.T, sub *sip.Subscription, kind sip.EventKind, sts sip.ResponseStatus) sip.Event {
	t.Helper()

	for {
		evt := waitEvent(t, sub, kind)
		if evt.Response != nil && evt.Response.Status == sts {
			return evt
		}
	}
}

// eventsUntil collects events up to and including the first one of kind.
func eventsUntil(t *testing.T, sub *sip.Subscription, kind sip.EventKind) []sip.Event {
	t.Helper()

	var evts []sip.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for %q, got %v", kind, evts)
			}
			evts = append(evts, evt)
			if evt.Kind == kind {
				return evts
			}
		case <-timeout:
			t.Fatalf("no %q event in 3s, got %v", kind, evts)
			return nil
		}
	}
}

// visited returns the states entered according to the StateChanged events.
func visited(evts []sip.Event) []sip.TransactionState {
	var states []sip.TransactionState
	for _, evt := range evts {
		if evt.Kind == sip.EventStateChanged {
			states = append(states, evt.State)
		}
	}
	return states
}

func hasKind(evts []sip.Event, kind sip.EventKind) bool {
	for _, evt := range evts {
		if evt.Kind == kind {
			return true
		}
	}
	return false
}

func newOutRequest(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, "sip:bob@example.com")
	req.Headers.Set(&sip.From{NameAddr: sip.NameAddr{URI: "sip:alice@example.com"}})
	req.Headers.Set(&sip.To{NameAddr: sip.NameAddr{URI: "sip:bob@example.com"}})
	return req
}

func startClient(t *testing.T, m *sip.TransactionManager, req *sip.Request, dst netip.AddrPort) (sip.TransactionKey, *sip.Subscription) {
	t.Helper()

	ctx := t.Context()
	key, err := m.CreateClientTransaction(ctx, req, dst)
	if err != nil {
		t.Fatalf("m.CreateClientTransaction() error = %v, want nil", err)
	}
	sub, err := m.Subscribe(key)
	if err != nil {
		t.Fatalf("m.Subscribe() error = %v, want nil", err)
	}
	t.Cleanup(sub.Close)
	if err := m.SendRequest(ctx, key); err != nil {
		t.Fatalf("m.SendRequest() error = %v, want nil", err)
	}
	return key, sub
}

func respond(t *testing.T, m *sip.TransactionManager, evt sip.Event, sts sip.ResponseStatus) {
	t.Helper()

	res, err := evt.Request.NewResponse(sts, &sip.ResponseOptions{LocalTag: "b1"})
	if err != nil {
		t.Fatalf("req.NewResponse(%d) error = %v, want nil", sts, err)
	}
	if err := m.SendResponse(t.Context(), evt.Key, res); err != nil {
		t.Fatalf("m.SendResponse(%d) error = %v, want nil", sts, err)
	}
}

func TestEndToEnd_NonInvite(t *testing.T) {
	t.Parallel()

	_, aliceEp, bobEp := newNetwork(t, false)
	alice, bob := newPeer(t, aliceEp), newPeer(t, bobEp)

	uas := bob.SubscribeAll()
	defer uas.Close()

	key, sub := startClient(t, alice, newOutRequest(sip.RequestMethodOptions), bobAddr)

	evt := waitEvent(t, uas, sip.EventNewRequest)
	if evt.Source != aliceAddr {
		t.Fatalf("NewRequest source = %v, want %v", evt.Source, aliceAddr)
	}
	if got := evt.Key.Branch; got != key.Branch {
		t.Fatalf("server branch = %q, want %q", got, key.Branch)
	}
	respond(t, bob, evt, sip.ResponseStatusOK)

	res := waitEvent(t, sub, sip.EventSuccessResponse).Response
	if res.Status != sip.ResponseStatusOK {
		t.Fatalf("response status = %d, want %d", res.Status, sip.ResponseStatusOK)
	}
	waitEvent(t, sub, sip.EventTransactionTerminated)
}

func TestEndToEnd_InviteAccepted(t *testing.T) {
	t.Parallel()

	_, aliceEp, bobEp := newNetwork(t, false)
	alice, bob := newPeer(t, aliceEp), newPeer(t, bobEp)

	uas := bob.SubscribeAll()
	defer uas.Close()

	_, sub := startClient(t, alice, newOutRequest(sip.RequestMethodInvite), bobAddr)

	evt := waitEvent(t, uas, sip.EventNewRequest)
	srvSub, err := bob.Subscribe(evt.Key)
	if err != nil {
		t.Fatalf("bob.Subscribe() error = %v, want nil", err)
	}
	defer srvSub.Close()

	// unreliable link: the server transaction answers 100 Trying itself
	waitResponse(t, sub, sip.EventProvisionalResponse, sip.ResponseStatusTrying)

	respond(t, bob, evt, sip.ResponseStatusRinging)
	waitResponse(t, sub, sip.EventProvisionalResponse, sip.ResponseStatusRinging)

	respond(t, bob, evt, sip.ResponseStatusOK)
	evts := eventsUntil(t, sub, sip.EventTransactionTerminated)
	if !hasKind(evts, sip.EventSuccessResponse) {
		t.Fatalf("client events = %v, want %q", evts, sip.EventSuccessResponse)
	}
	if got := visited(evts); len(got) != 1 || got[0] != sip.TransactionStateTerminated {
		t.Fatalf("client states after 200 = %v, want [%v]", got, sip.TransactionStateTerminated)
	}

	// 2xx ends the server transaction without Completed
	if got := visited(eventsUntil(t, srvSub, sip.EventTransactionTerminated)); len(got) != 1 || got[0] != sip.TransactionStateTerminated {
		t.Fatalf("server states after 200 = %v, want [%v]", got, sip.TransactionStateTerminated)
	}
}

func TestEndToEnd_InviteRejected(t *testing.T) {
	t.Parallel()

	_, aliceEp, bobEp := newNetwork(t, false)
	alice, bob := newPeer(t, aliceEp), newPeer(t, bobEp)

	uas := bob.SubscribeAll()
	defer uas.Close()

	_, sub := startClient(t, alice, newOutRequest(sip.RequestMethodInvite), bobAddr)

	evt := waitEvent(t, uas, sip.EventNewRequest)
	srvSub, err := bob.Subscribe(evt.Key)
	if err != nil {
		t.Fatalf("bob.Subscribe() error = %v, want nil", err)
	}
	defer srvSub.Close()

	respond(t, bob, evt, sip.ResponseStatusRinging)
	waitResponse(t, sub, sip.EventProvisionalResponse, sip.ResponseStatusRinging)

	respond(t, bob, evt, sip.ResponseStatusBusyHere)
	if got := waitEvent(t, sub, sip.EventFailureResponse).Response.Status; got != sip.ResponseStatusBusyHere {
		t.Fatalf("final status = %d, want %d", got, sip.ResponseStatusBusyHere)
	}

	// the client transaction generates the ACK itself
	ack := waitEvent(t, srvSub, sip.EventAckReceived)
	if ack.Request.Method != sip.RequestMethodAck {
		t.Fatalf("ACK event request = %q, want ACK", ack.Request.Method)
	}
	waitEvent(t, srvSub, sip.EventTransactionTerminated)
	waitEvent(t, sub, sip.EventTransactionTerminated)
}

func TestEndToEnd_Cancel(t *testing.T) {
	t.Parallel()

	_, aliceEp, bobEp := newNetwork(t, false)
	alice, bob := newPeer(t, aliceEp), newPeer(t, bobEp)

	uas := bob.SubscribeAll()
	defer uas.Close()

	key, sub := startClient(t, alice, newOutRequest(sip.RequestMethodInvite), bobAddr)

	evt := waitEvent(t, uas, sip.EventNewRequest)
	srvSub, err := bob.Subscribe(evt.Key)
	if err != nil {
		t.Fatalf("bob.Subscribe() error = %v, want nil", err)
	}
	defer srvSub.Close()

	respond(t, bob, evt, sip.ResponseStatusRinging)
	waitResponse(t, sub, sip.EventProvisionalResponse, sip.ResponseStatusRinging)

	uac := alice.SubscribeAll()
	defer uac.Close()

	cancelKey, err := alice.CancelInviteTransaction(t.Context(), key)
	if err != nil {
		t.Fatalf("alice.CancelInviteTransaction() error = %v, want nil", err)
	}

	cancelEvt := waitEvent(t, uas, sip.EventCancelReceived)
	if cancelEvt.Key != evt.Key {
		t.Fatalf("CancelReceived key = %v, want %v", cancelEvt.Key, evt.Key)
	}
	// the CANCEL is answered by the manager
	cancelRes := waitEvent(t, uac, sip.EventSuccessResponse)
	if cancelRes.Key != cancelKey || cancelRes.Response.Status != sip.ResponseStatusOK {
		t.Fatalf("CANCEL response = %v %d, want %v %d",
			cancelRes.Key, cancelRes.Response.Status, cancelKey, sip.ResponseStatusOK)
	}

	respond(t, bob, evt, sip.ResponseStatusRequestTerminated)
	if got := waitEvent(t, sub, sip.EventFailureResponse).Response.Status; got != sip.ResponseStatusRequestTerminated {
		t.Fatalf("INVITE final status = %d, want %d", got, sip.ResponseStatusRequestTerminated)
	}

	// the 487 is acknowledged by the client transaction
	srvEvts := eventsUntil(t, srvSub, sip.EventTransactionTerminated)
	if !hasKind(srvEvts, sip.EventAckReceived) {
		t.Fatalf("server events = %v, want %q", srvEvts, sip.EventAckReceived)
	}
	wantStates := []sip.TransactionState{
		sip.TransactionStateCompleted,
		sip.TransactionStateConfirmed,
		sip.TransactionStateTerminated,
	}
	if diff := cmp.Diff(wantStates, visited(srvEvts)); diff != "" {
		t.Fatalf("server states mismatch (-want +got):\n%s", diff)
	}
	waitEvent(t, sub, sip.EventTransactionTerminated)
}

func TestEndToEnd_LossyLink(t *testing.T) {
	t.Parallel()

	_, aliceEp, bobEp := newNetwork(t, false)
	alice, bob := newPeer(t, aliceEp), newPeer(t, bobEp)

	// the first two copies of every request are lost
	var sent atomic.Int32
	aliceEp.DropIf(func(msg sip.Message, _ netip.AddrPort) bool {
		_, isReq := msg.(*sip.Request)
		return isReq && sent.Add(1) <= 2
	})

	uas := bob.SubscribeAll()
	defer uas.Close()

	_, sub := startClient(t, alice, newOutRequest(sip.RequestMethodMessage), bobAddr)

	evt := waitEvent(t, uas, sip.EventNewRequest)
	respond(t, bob, evt, sip.ResponseStatusOK)
	waitEvent(t, sub, sip.EventSuccessResponse)

	if got := alice.Stats().Report().Retransmissions; got < 2 {
		t.Fatalf("retransmissions = %d, want at least 2", got)
	}
}

func TestEndToEnd_Reliable(t *testing.T) {
	t.Parallel()

	_, aliceEp, bobEp := newNetwork(t, true)
	alice, bob := newPeer(t, aliceEp), newPeer(t, bobEp)

	uas := bob.SubscribeAll()
	defer uas.Close()

	key, sub := startClient(t, alice, newOutRequest(sip.RequestMethodBye), bobAddr)

	req, err := alice.TransactionRequest(key)
	if err != nil {
		t.Fatalf("alice.TransactionRequest() error = %v, want nil", err)
	}
	if hop, _ := req.Headers.FirstVia(); hop.Transport != "TCP" || hop.SentBy() != aliceAddr.String() {
		t.Fatalf("Via = %s, want TCP sent-by %v", hop, aliceAddr)
	}

	respond(t, bob, waitEvent(t, uas, sip.EventNewRequest), sip.ResponseStatusOK)
	waitEvent(t, sub, sip.EventSuccessResponse)
	// Timer K is zero on reliable transports
	waitEvent(t, sub, sip.EventTransactionTerminated)
}

func TestEndToEnd_UDP(t *testing.T) {
	t.Parallel()

	aliceTp, bobTp := listenUDP(t), listenUDP(t)
	alice, bob := newPeer(t, aliceTp), newPeer(t, bobTp)

	uas := bob.SubscribeAll()
	defer uas.Close()

	_, sub := startClient(t, alice, newOutRequest(sip.RequestMethodOptions), bobTp.LocalAddr())

	respond(t, bob, waitEvent(t, uas, sip.EventNewRequest), sip.ResponseStatusOK)
	if got := waitEvent(t, sub, sip.EventSuccessResponse).Response.Status; got != sip.ResponseStatusOK {
		t.Fatalf("response status = %d, want %d", got, sip.ResponseStatusOK)
	}
}

var _ peer = (*transport.UDP)(nil)

var _ peer = (*transport.Endpoint)(nil)
