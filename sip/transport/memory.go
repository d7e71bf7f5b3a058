package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"braces.dev/errtrace"
	"github.com/gammazero/deque"

	"github.com/voipkit/siptx/internal/errorutil"
	"github.com/voipkit/siptx/internal/log"
	"github.com/voipkit/siptx/sip"
)

// ErrUnreachable is returned by a reliable [Endpoint] when no endpoint
// listens on the destination address.
const ErrUnreachable errorutil.Error = "destination unreachable"

// MemoryOptions are options of the in-memory [Network].
type MemoryOptions struct {
	// Reliable makes all endpoints of the network reliable, like TCP.
	// Unreliable endpoints silently drop messages to unknown addresses.
	Reliable bool
	// Logger is the logger used by the network and its endpoints.
	// If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *MemoryOptions) reliable() bool { return o != nil && o.Reliable }

func (o *MemoryOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// Network connects in-process [Endpoint]s addressed by [netip.AddrPort].
// Messages are rendered on send and parsed on delivery, so they pass through
// the same codec as on a real wire.
type Network struct {
	reliable bool
	log      *slog.Logger

	mu     sync.RWMutex
	eps    map[netip.AddrPort]*Endpoint
	closed bool
}

// NewNetwork creates a new empty in-memory network.
func NewNetwork(opts *MemoryOptions) *Network {
	n := &Network{
		reliable: opts.reliable(),
		eps:      make(map[netip.AddrPort]*Endpoint),
	}
	n.log = opts.log().With("network", n)
	return n
}

// Listen attaches a new endpoint with the local address addr.
func (n *Network) Listen(addr netip.AddrPort) (*Endpoint, error) {
	if !addr.IsValid() {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid address %q", addr))
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, errtrace.Wrap(sip.ErrTransportClosed)
	}
	if _, ok := n.eps[addr]; ok {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("address %s already in use", addr))
	}

	ep := &Endpoint{
		net:    n,
		laddr:  addr,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	ep.log = n.log.With("endpoint", ep)
	n.eps[addr] = ep
	return ep, nil
}

func (n *Network) endpoint(addr netip.AddrPort) (*Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.eps[addr]
	return ep, ok
}

func (n *Network) detach(ep *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.eps[ep.laddr]; ok && cur == ep {
		delete(n.eps, ep.laddr)
	}
}

// Close closes every attached endpoint.
func (n *Network) Close() error {
	n.mu.Lock()
	n.closed = true
	eps := make([]*Endpoint, 0, len(n.eps))
	for _, ep := range n.eps {
		eps = append(eps, ep)
	}
	n.mu.Unlock()

	for _, ep := range eps {
		ep.Close() //nolint:errcheck
	}
	return nil
}

// LogValue implements [slog.LogValuer].
func (n *Network) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", fmt.Sprintf("%T", n)),
		slog.String("ptr", fmt.Sprintf("%p", n)),
		slog.Bool("reliable", n.reliable),
	)
}

type packet struct {
	data []byte
	src  netip.AddrPort
}

// Endpoint is a [sip.Transport] attached to a [Network].
// Inbound messages are queued and delivered one by one in arrival order
// by [Endpoint.Serve].
type Endpoint struct {
	net   *Network
	laddr netip.AddrPort
	log   *slog.Logger

	mu      sync.Mutex
	inbox   deque.Deque[packet]
	failErr error
	dropFn  func(msg sip.Message, dst netip.AddrPort) bool
	closed  bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Proto returns "TCP" on reliable networks and "UDP" otherwise.
func (ep *Endpoint) Proto() string {
	if ep.net.reliable {
		return "TCP"
	}
	return udpProto
}

// Reliable reports whether the network is reliable.
func (ep *Endpoint) Reliable() bool { return ep.net.reliable }

// LocalAddr returns the address the endpoint listens on.
func (ep *Endpoint) LocalAddr() netip.AddrPort { return ep.laddr }

// FailSends makes every following [Endpoint.Send] return err.
// A nil err restores normal operation.
func (ep *Endpoint) FailSends(err error) {
	ep.mu.Lock()
	ep.failErr = err
	ep.mu.Unlock()
}

// DropIf installs a filter consulted on every send. Messages for which fn
// returns true are silently lost, as if the network dropped them.
// A nil fn removes the filter.
func (ep *Endpoint) DropIf(fn func(msg sip.Message, dst netip.AddrPort) bool) {
	ep.mu.Lock()
	ep.dropFn = fn
	ep.mu.Unlock()
}

// Send delivers msg to the endpoint listening on dst.
func (ep *Endpoint) Send(ctx context.Context, msg sip.Message, dst netip.AddrPort) error {
	ep.mu.Lock()
	closed, failErr, dropFn := ep.closed, ep.failErr, ep.dropFn
	ep.mu.Unlock()

	if closed {
		return errtrace.Wrap(sip.ErrTransportClosed)
	}
	if failErr != nil {
		return errtrace.Wrap(failErr)
	}
	if err := ctx.Err(); err != nil {
		return errtrace.Wrap(err)
	}

	if dropFn != nil && dropFn(msg, dst) {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "message dropped",
			slog.Any("message", msg),
			slog.Any("remote_addr", dst),
		)
		return nil
	}

	peer, ok := ep.net.endpoint(dst)
	if !ok {
		if ep.net.reliable {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrUnreachable, dst.String()))
		}
		return nil
	}

	if !peer.enqueue(packet{data: []byte(msg.Render()), src: ep.laddr}) && ep.net.reliable {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrUnreachable, dst.String()))
	}

	ep.log.LogAttrs(ctx, slog.LevelDebug, "message sent",
		slog.Any("message", msg),
		slog.Any("remote_addr", dst),
	)
	return nil
}

func (ep *Endpoint) enqueue(p packet) bool {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return false
	}
	ep.inbox.PushBack(p)
	ep.mu.Unlock()

	select {
	case ep.notify <- struct{}{}:
	default:
	}
	return true
}

func (ep *Endpoint) dequeue() (packet, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.inbox.Len() == 0 {
		return packet{}, false
	}
	return ep.inbox.PopFront(), true
}

// Serve delivers queued messages to h until the endpoint is closed or ctx is done.
// It returns [sip.ErrTransportClosed] after [Endpoint.Close].
func (ep *Endpoint) Serve(ctx context.Context, h sip.MessageHandler) error {
	if h == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil handler"))
	}

	for {
		for {
			p, ok := ep.dequeue()
			if !ok {
				break
			}
			ep.deliver(ctx, h, p)
		}

		select {
		case <-ep.notify:
		case <-ep.done:
			return errtrace.Wrap(sip.ErrTransportClosed)
		case <-ctx.Done():
			return errtrace.Wrap(ctx.Err())
		}
	}
}

func (ep *Endpoint) deliver(ctx context.Context, h sip.MessageHandler, p packet) {
	select {
	case <-ep.done:
		return
	default:
	}

	msg, err := sip.ParseMessage(p.data)
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelWarn, "discarding malformed message",
			slog.Any("remote_addr", p.src),
			slog.Any("error", err),
		)
		return
	}
	if err := h(ctx, msg, p.src); err != nil {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "message handler failed",
			slog.Any("message", msg),
			slog.Any("remote_addr", p.src),
			slog.Any("error", err),
		)
	}
}

// Close detaches the endpoint from the network and stops [Endpoint.Serve].
// Queued messages are discarded.
func (ep *Endpoint) Close() error {
	ep.closeOnce.Do(func() {
		ep.mu.Lock()
		ep.closed = true
		ep.inbox.Clear()
		ep.mu.Unlock()

		ep.net.detach(ep)
		close(ep.done)
	})
	return nil
}

// LogValue implements [slog.LogValuer].
func (ep *Endpoint) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", fmt.Sprintf("%T", ep)),
		slog.String("ptr", fmt.Sprintf("%p", ep)),
		slog.String("proto", ep.Proto()),
		slog.Any("local_addr", ep.laddr),
	)
}
