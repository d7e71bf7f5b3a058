package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/voipkit/siptx/internal/errorutil"
	"github.com/voipkit/siptx/internal/log"
	"github.com/voipkit/siptx/sip"
)

const (
	// UDPDefaultPort is the default SIP port for UDP.
	UDPDefaultPort uint16 = 5060

	udpProto   = "UDP"
	udpNetwork = "udp"
)

// UDPOptions are options of the [UDP] transport.
type UDPOptions struct {
	// Logger is the logger used by the transport.
	// If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *UDPOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// UDP is the unreliable SIP transport over a single packet connection.
// Requests and responses are sent from the same socket they are read on,
// so the local address works as the sent-by address of outbound requests.
type UDP struct {
	conn  net.PacketConn
	laddr netip.AddrPort
	log   *slog.Logger

	serving atomic.Bool
	closing atomic.Bool
}

// ListenUDP opens a UDP socket on addr and returns the transport bound to it.
// The zero port binds an ephemeral port, see [UDP.LocalAddr].
func ListenUDP(ctx context.Context, addr netip.AddrPort, opts *UDPOptions) (*UDP, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, udpNetwork, addr.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return NewUDP(conn, opts), nil
}

// NewUDP wraps an already opened packet connection.
// The transport takes the ownership of conn and closes it in [UDP.Close].
func NewUDP(conn net.PacketConn, opts *UDPOptions) *UDP {
	tp := &UDP{
		laddr: addrPortOf(conn.LocalAddr()),
	}
	tp.log = opts.log().With("transport", tp)
	tp.conn = newLogPacketConn(newCloseOncePacketConn(conn), tp.log)
	return tp
}

// Proto returns "UDP".
func (*UDP) Proto() string { return udpProto }

// Reliable returns false.
func (*UDP) Reliable() bool { return false }

// LocalAddr returns the address the socket is bound to.
func (tp *UDP) LocalAddr() netip.AddrPort { return tp.laddr }

// Send renders msg and writes it to dst in a single datagram.
// The context deadline, if any, is applied as the write deadline.
func (tp *UDP) Send(ctx context.Context, msg sip.Message, dst netip.AddrPort) (err error) {
	if tp.closing.Load() {
		return errtrace.Wrap(sip.ErrTransportClosed)
	}
	if !dst.IsValid() {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid destination %q", dst))
	}
	if dst.Port() == 0 {
		dst = netip.AddrPortFrom(dst.Addr(), UDPDefaultPort)
	}

	bb := newBytesBuf()
	defer freeBytesBuf(bb)

	if _, err = msg.RenderTo(bb); err != nil {
		return errtrace.Wrap(err)
	}
	if bb.Len() > sip.MaxMessageSize {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("message too large: %d bytes", bb.Len()))
	}

	if d, ok := ctx.Deadline(); ok {
		if err = tp.conn.SetWriteDeadline(d); err != nil {
			return errtrace.Wrap(err)
		}
		defer tp.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}

	if _, err = tp.conn.WriteTo(bb.Bytes(), net.UDPAddrFromAddrPort(dst)); err != nil {
		if tp.closing.Load() || errorutil.IsClosedErr(err) {
			return errtrace.Wrap(sip.ErrTransportClosed)
		}
		return errtrace.Wrap(err)
	}

	tp.log.LogAttrs(ctx, slog.LevelDebug, "message sent",
		slog.Any("message", msg),
		slog.Any("remote_addr", dst),
	)
	return nil
}

// Serve reads datagrams until the transport is closed or ctx is done,
// parses them and passes every message to h in the order they arrive.
// Datagrams that fail to parse are logged and dropped.
// Serve always returns a non-nil error, [sip.ErrTransportClosed] after [UDP.Close].
func (tp *UDP) Serve(ctx context.Context, h sip.MessageHandler) error {
	if h == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil handler"))
	}
	if tp.closing.Load() {
		return errtrace.Wrap(sip.ErrTransportClosed)
	}
	if !tp.serving.CompareAndSwap(false, true) {
		return errtrace.Wrap(errorutil.Errorf("transport is already served"))
	}
	defer tp.serving.Store(false)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// unblocks the pending read
			tp.conn.SetReadDeadline(time.Now()) //nolint:errcheck
		case <-stop:
		}
	}()

	buf := make([]byte, sip.MaxMessageSize+1)
	for {
		n, addr, err := tp.conn.ReadFrom(buf)
		if err != nil {
			switch {
			case tp.closing.Load() || errorutil.IsClosedErr(err):
				return errtrace.Wrap(sip.ErrTransportClosed)
			case ctx.Err() != nil:
				tp.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
				return errtrace.Wrap(ctx.Err())
			case errorutil.IsTimeoutErr(err):
				continue
			default:
				return errtrace.Wrap(err)
			}
		}

		data := buf[:n]
		// keep-alive
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		src := addrPortOf(addr)
		msg, err := sip.ParseMessage(bytes.Clone(data))
		if err != nil {
			tp.log.LogAttrs(ctx, slog.LevelWarn, "discarding malformed datagram",
				slog.Any("remote_addr", src),
				slog.Int("size", n),
				slog.Any("error", err),
			)
			continue
		}

		tp.log.LogAttrs(ctx, slog.LevelDebug, "message received",
			slog.Any("message", msg),
			slog.Any("remote_addr", src),
		)
		if err := h(ctx, msg, src); err != nil {
			tp.log.LogAttrs(ctx, slog.LevelDebug, "message handler failed",
				slog.Any("message", msg),
				slog.Any("remote_addr", src),
				slog.Any("error", err),
			)
		}
	}
}

// Close closes the socket and stops [UDP.Serve].
// Further sends return [sip.ErrTransportClosed].
func (tp *UDP) Close() error {
	tp.closing.Store(true)
	return errtrace.Wrap(tp.conn.Close())
}

// LogValue implements [slog.LogValuer].
func (tp *UDP) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", fmt.Sprintf("%T", tp)),
		slog.String("ptr", fmt.Sprintf("%p", tp)),
		slog.String("proto", udpProto),
		slog.Any("local_addr", tp.laddr),
	)
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	if ua, ok := addr.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	if addr == nil {
		return netip.AddrPort{}
	}
	ap, _ := netip.ParseAddrPort(addr.String())
	return ap
}
