package transport_test

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/voipkit/siptx/internal/log"
	"github.com/voipkit/siptx/sip"
	"github.com/voipkit/siptx/sip/transport"
)

var (
	aliceAddr = netip.MustParseAddrPort("10.0.0.1:5060")
	bobAddr   = netip.MustParseAddrPort("10.0.0.2:5060")
)

func newNetwork(t *testing.T, reliable bool) (*transport.Network, *transport.Endpoint, *transport.Endpoint) {
	t.Helper()

	n := transport.NewNetwork(&transport.MemoryOptions{Reliable: reliable, Logger: log.Noop})
	t.Cleanup(func() { n.Close() }) //nolint:errcheck

	alice, err := n.Listen(aliceAddr)
	if err != nil {
		t.Fatalf("n.Listen(%v) error = %v, want nil", aliceAddr, err)
	}
	bob, err := n.Listen(bobAddr)
	if err != nil {
		t.Fatalf("n.Listen(%v) error = %v, want nil", bobAddr, err)
	}
	return n, alice, bob
}

func TestMemory_OrderedDelivery(t *testing.T) {
	t.Parallel()

	_, alice, bob := newNetwork(t, false)
	if alice.Reliable() || alice.Proto() != "UDP" || alice.LocalAddr() != aliceAddr {
		t.Fatalf("alice = %v/%q/%v, want unreliable UDP endpoint on %v",
			alice.Reliable(), alice.Proto(), alice.LocalAddr(), aliceAddr)
	}

	inb := newCollector()
	serve(t, bob, inb.handle)

	var want []string
	for i := range 10 {
		branch := fmt.Sprintf("z9hG4bK.mem%d", i)
		want = append(want, branch)
		if err := alice.Send(t.Context(), newRequest(sip.RequestMethodMessage, aliceAddr, branch), bobAddr); err != nil {
			t.Fatalf("alice.Send() error = %v, want nil", err)
		}
	}

	got := make([]string, 0, len(want))
	for range want {
		m := inb.wait(t)
		if m.src != aliceAddr {
			t.Fatalf("source = %v, want %v", m.src, aliceAddr)
		}
		got = append(got, branchOf(t, m.msg))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("delivery order mismatch (-want +got):\n%s", diff)
	}
}

func TestMemory_Unreachable(t *testing.T) {
	t.Parallel()

	nowhere := netip.MustParseAddrPort("10.0.0.9:5060")

	_, udp, _ := newNetwork(t, false)
	req := newRequest(sip.RequestMethodOptions, aliceAddr, "z9hG4bK.lost")
	if err := udp.Send(t.Context(), req, nowhere); err != nil {
		t.Fatalf("unreliable Send(nowhere) error = %v, want nil", err)
	}

	_, tcp, _ := newNetwork(t, true)
	if !tcp.Reliable() || tcp.Proto() != "TCP" {
		t.Fatalf("tcp.Reliable(), tcp.Proto() = %v, %q, want true, %q", tcp.Reliable(), tcp.Proto(), "TCP")
	}
	if err := tcp.Send(t.Context(), req, nowhere); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("reliable Send(nowhere) error = %v, want %v", err, transport.ErrUnreachable)
	}
}

func TestMemory_FailSends(t *testing.T) {
	t.Parallel()

	_, alice, bob := newNetwork(t, false)
	inb := newCollector()
	serve(t, bob, inb.handle)

	errDown := errors.New("link down")
	alice.FailSends(errDown)
	req := newRequest(sip.RequestMethodOptions, aliceAddr, "z9hG4bK.fail")
	if err := alice.Send(t.Context(), req, bobAddr); !errors.Is(err, errDown) {
		t.Fatalf("alice.Send() error = %v, want %v", err, errDown)
	}
	inb.ensureEmpty(t, 20*time.Millisecond)

	alice.FailSends(nil)
	if err := alice.Send(t.Context(), req, bobAddr); err != nil {
		t.Fatalf("alice.Send() error = %v, want nil", err)
	}
	inb.wait(t)
}

func TestMemory_DropIf(t *testing.T) {
	t.Parallel()

	_, alice, bob := newNetwork(t, false)
	inb := newCollector()
	serve(t, bob, inb.handle)

	alice.DropIf(func(msg sip.Message, _ netip.AddrPort) bool {
		req, ok := msg.(*sip.Request)
		return ok && req.Method == sip.RequestMethodInvite
	})

	if err := alice.Send(t.Context(), newRequest(sip.RequestMethodInvite, aliceAddr, "z9hG4bK.d1"), bobAddr); err != nil {
		t.Fatalf("alice.Send(INVITE) error = %v, want nil", err)
	}
	if err := alice.Send(t.Context(), newRequest(sip.RequestMethodBye, aliceAddr, "z9hG4bK.d2"), bobAddr); err != nil {
		t.Fatalf("alice.Send(BYE) error = %v, want nil", err)
	}
	if got := branchOf(t, inb.wait(t).msg); got != "z9hG4bK.d2" {
		t.Fatalf("received branch = %q, want %q", got, "z9hG4bK.d2")
	}
	inb.ensureEmpty(t, 20*time.Millisecond)
}

func TestMemory_Close(t *testing.T) {
	t.Parallel()

	n, alice, bob := newNetwork(t, true)
	if _, err := n.Listen(aliceAddr); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("n.Listen(in use) error = %v, want %v", err, sip.ErrInvalidArgument)
	}

	if err := bob.Close(); err != nil {
		t.Fatalf("bob.Close() error = %v, want nil", err)
	}
	req := newRequest(sip.RequestMethodOptions, aliceAddr, "z9hG4bK.closed")
	if err := alice.Send(t.Context(), req, bobAddr); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("alice.Send(closed peer) error = %v, want %v", err, transport.ErrUnreachable)
	}
	if err := bob.Send(t.Context(), req, aliceAddr); !errors.Is(err, sip.ErrTransportClosed) {
		t.Fatalf("bob.Send() after close error = %v, want %v", err, sip.ErrTransportClosed)
	}
	if err := bob.Serve(t.Context(), newCollector().handle); !errors.Is(err, sip.ErrTransportClosed) {
		t.Fatalf("bob.Serve() after close error = %v, want %v", err, sip.ErrTransportClosed)
	}

	// the address is free again
	if _, err := n.Listen(bobAddr); err != nil {
		t.Fatalf("n.Listen(%v) error = %v, want nil", bobAddr, err)
	}

	n.Close() //nolint:errcheck
	if _, err := n.Listen(netip.MustParseAddrPort("10.0.0.3:5060")); !errors.Is(err, sip.ErrTransportClosed) {
		t.Fatalf("n.Listen() after close error = %v, want %v", err, sip.ErrTransportClosed)
	}
}
