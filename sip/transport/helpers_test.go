package transport_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/voipkit/siptx/sip"
)

type inMsg struct {
	msg sip.Message
	src netip.AddrPort
}

// collector is a message handler queueing everything it receives.
type collector chan inMsg

func newCollector() collector { return make(collector, 64) }

func (c collector) handle(_ context.Context, msg sip.Message, src netip.AddrPort) error {
	c <- inMsg{msg, src}
	return nil
}

func (c collector) wait(t *testing.T) inMsg {
	t.Helper()

	select {
	case m := <-c:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message received in 1s")
		return inMsg{}
	}
}

func (c collector) ensureEmpty(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case m := <-c:
		t.Fatalf("unexpected message received: %q", m.msg.StartLine())
	case <-time.After(d):
	}
}

type server interface {
	Serve(ctx context.Context, h sip.MessageHandler) error
	Close() error
}

// serve runs srv.Serve in background and stops it on test cleanup.
func serve(t *testing.T, srv server, h sip.MessageHandler) {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), h) }()
	t.Cleanup(func() {
		srv.Close() //nolint:errcheck
		select {
		case err := <-done:
			if !errors.Is(err, sip.ErrTransportClosed) {
				t.Errorf("Serve() error = %v, want %v", err, sip.ErrTransportClosed)
			}
		case <-time.After(time.Second):
			t.Error("Serve() did not return after Close()")
		}
	})
}

func newRequest(method sip.RequestMethod, via netip.AddrPort, branch string) *sip.Request {
	req := sip.NewRequest(method, "sip:bob@example.com")
	req.Headers.Set(sip.Via{{
		Transport: "UDP",
		Host:      via.Addr().String(),
		Port:      via.Port(),
		Params:    sip.Values{{Name: "branch", Value: branch}},
	}})
	req.Headers.Set(sip.MaxForwards(70))
	req.Headers.Set(&sip.From{NameAddr: sip.NameAddr{
		URI:    "sip:alice@example.com",
		Params: sip.Values{{Name: "tag", Value: "a1"}},
	}})
	req.Headers.Set(&sip.To{NameAddr: sip.NameAddr{URI: "sip:bob@example.com"}})
	req.Headers.Set(sip.CallID("call-" + branch))
	req.Headers.Set(&sip.CSeq{Seq: 1, Method: method})
	return req
}

func branchOf(t *testing.T, msg sip.Message) string {
	t.Helper()

	hop, ok := sip.MessageHeaders(msg).FirstVia()
	if !ok {
		t.Fatalf("message %q has no Via", msg.StartLine())
	}
	return hop.Branch()
}
