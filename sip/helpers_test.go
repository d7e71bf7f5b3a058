package sip_test

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/voipkit/siptx/sip"
)

var (
	localAddr  = netip.MustParseAddrPort("11.11.11.11:5070")
	remoteAddr = netip.MustParseAddrPort("55.55.55.55:5060")
)

const testT1 = 20 * time.Millisecond

// testTimings keeps every timer short: T1=20ms, T2=160ms, T4=200ms, D=1.28s.
func testTimings() sip.TimingConfig {
	return sip.NewTimings(testT1, 8*testT1, 10*testT1, 64*testT1, 5*testT1)
}

type sentMsg struct {
	msg sip.Message
	dst netip.AddrPort
}

func (s sentMsg) req(t *testing.T) *sip.Request {
	t.Helper()
	req, ok := s.msg.(*sip.Request)
	if !ok {
		t.Fatalf("sent message = %T, want *sip.Request", s.msg)
	}
	return req
}

func (s sentMsg) res(t *testing.T) *sip.Response {
	t.Helper()
	res, ok := s.msg.(*sip.Response)
	if !ok {
		t.Fatalf("sent message = %T, want *sip.Response", s.msg)
	}
	return res
}

// stubTransport records every sent message.
type stubTransport struct {
	rel   bool
	laddr netip.AddrPort
	sent  chan sentMsg

	mu  sync.Mutex
	err error
}

func newStubTransport(rel bool) *stubTransport {
	return &stubTransport{
		rel:   rel,
		laddr: localAddr,
		sent:  make(chan sentMsg, 256),
	}
}

func (tp *stubTransport) Send(_ context.Context, msg sip.Message, dst netip.AddrPort) error {
	tp.mu.Lock()
	err := tp.err
	tp.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case tp.sent <- sentMsg{msg.Clone(), dst}:
	default:
	}
	return nil
}

func (tp *stubTransport) Reliable() bool { return tp.rel }

func (tp *stubTransport) Proto() string {
	if tp.rel {
		return "TCP"
	}
	return "UDP"
}

func (tp *stubTransport) LocalAddr() netip.AddrPort { return tp.laddr }

func (tp *stubTransport) failWith(err error) {
	tp.mu.Lock()
	tp.err = err
	tp.mu.Unlock()
}

func (tp *stubTransport) waitSent(t *testing.T, timeout time.Duration) sentMsg {
	t.Helper()

	select {
	case s := <-tp.sent:
		return s
	case <-time.After(timeout):
		t.Fatalf("no message sent in %v", timeout)
		return sentMsg{}
	}
}

func (tp *stubTransport) ensureNoSend(t *testing.T, timeout time.Duration) {
	t.Helper()

	select {
	case s := <-tp.sent:
		t.Fatalf("unexpected message sent: %q", s.msg.StartLine())
	case <-time.After(timeout):
	}
}

// countSent counts messages sent for the given duration.
func (tp *stubTransport) countSent(d time.Duration) int {
	var n int
	deadline := time.After(d)
	for {
		select {
		case <-tp.sent:
			n++
		case <-deadline:
			return n
		}
	}
}

var errNetDown = errors.New("network is down")

func newManager(t *testing.T, tp sip.Transport, opts *sip.ManagerOptions) *sip.TransactionManager {
	t.Helper()

	if opts == nil {
		opts = &sip.ManagerOptions{}
	}
	if opts.Timings.IsZero() {
		opts.Timings = testTimings()
	}
	m := sip.NewTransactionManager(tp, opts)
	t.Cleanup(func() { m.Close(context.Background()) }) //nolint:errcheck
	return m
}

func newOutReq(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, "sip:bob@example.com")
	req.Headers.Set(&sip.From{NameAddr: sip.NameAddr{
		URI:    "sip:alice@example.com",
		Params: sip.Values{{Name: "tag", Value: "a1"}},
	}})
	req.Headers.Set(&sip.To{NameAddr: sip.NameAddr{URI: "sip:bob@example.com"}})
	return req
}

func newInReq(method sip.RequestMethod, branch string) *sip.Request {
	req := newOutReq(method)
	req.Headers.Set(sip.Via{{
		Transport: "UDP",
		Host:      remoteAddr.Addr().String(),
		Port:      remoteAddr.Port(),
		Params:    sip.Values{{Name: "branch", Value: branch}},
	}})
	req.Headers.Set(sip.CallID("call-" + branch))
	req.Headers.Set(&sip.CSeq{Seq: 1, Method: method})
	req.Headers.Set(sip.MaxForwards(70))
	return req
}

func newRes(t *testing.T, req *sip.Request, sts sip.ResponseStatus) *sip.Response {
	t.Helper()

	res, err := req.NewResponse(sts, &sip.ResponseOptions{LocalTag: "b1"})
	if err != nil {
		t.Fatalf("req.NewResponse(%d) error = %v, want nil", sts, err)
	}
	return res
}

// startClientTx creates and sends a client transaction, returning its key
// and the request as it was put on the wire.
func startClientTx(
	t *testing.T,
	m *sip.TransactionManager,
	tp *stubTransport,
	method sip.RequestMethod,
) (sip.TransactionKey, *sip.Request) {
	t.Helper()

	ctx := t.Context()
	key, err := m.CreateClientTransaction(ctx, newOutReq(method), remoteAddr)
	if err != nil {
		t.Fatalf("m.CreateClientTransaction() error = %v, want nil", err)
	}
	if err := m.SendRequest(ctx, key); err != nil {
		t.Fatalf("m.SendRequest() error = %v, want nil", err)
	}
	req := tp.waitSent(t, 100*time.Millisecond).req(t)
	if req.Method != method {
		t.Fatalf("sent method = %q, want %q", req.Method, method)
	}
	return key, req
}

func subscribe(t *testing.T, m *sip.TransactionManager, key sip.TransactionKey) *sip.Subscription {
	t.Helper()

	sub, err := m.Subscribe(key)
	if err != nil {
		t.Fatalf("m.Subscribe(%v) error = %v, want nil", key, err)
	}
	t.Cleanup(sub.Close)
	return sub
}

// waitEvent returns the next event of the given kind, skipping others.
func waitEvent(t *testing.T, sub *sip.Subscription, kind sip.EventKind, timeout time.Duration) sip.Event {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for %q", kind)
			}
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %q event in %v", kind, timeout)
			return sip.Event{}
		}
	}
}

// collectEvents reads events until the subscription is closed or timeout passes.
func collectEvents(sub *sip.Subscription, timeout time.Duration) []sip.Event {
	var evts []sip.Event
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return evts
			}
			evts = append(evts, evt)
		case <-deadline:
			return evts
		}
	}
}

func countKind(evts []sip.Event, kind sip.EventKind) int {
	var n int
	for _, e := range evts {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func assertState(t *testing.T, m *sip.TransactionManager, key sip.TransactionKey, want sip.TransactionState) {
	t.Helper()

	got, err := m.TransactionState(key)
	if err != nil {
		t.Fatalf("m.TransactionState(%v) error = %v, want nil", key, err)
	}
	if got != want {
		t.Fatalf("m.TransactionState(%v) = %q, want %q", key, got, want)
	}
}

func waitState(t *testing.T, m *sip.TransactionManager, key sip.TransactionKey, want sip.TransactionState, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), timeout)
	defer cancel()
	if err := m.WaitForTransactionState(ctx, key, want); err != nil {
		t.Fatalf("m.WaitForTransactionState(%v, %q) error = %v, want nil", key, want, err)
	}
}

func recv(t *testing.T, m *sip.TransactionManager, msg sip.Message) {
	t.Helper()

	if err := m.HandleMessage(t.Context(), msg, remoteAddr); err != nil {
		t.Fatalf("m.HandleMessage(%q) error = %v, want nil", msg.StartLine(), err)
	}
}
