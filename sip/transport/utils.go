package transport

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/voipkit/siptx/sip"
)

var bytesBufPool = &sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, 1024)) },
}

func newBytesBuf() *bytes.Buffer {
	return bytesBufPool.Get().(*bytes.Buffer) //nolint:forcetypeassert
}

func freeBytesBuf(b *bytes.Buffer) {
	b.Reset()
	if b.Cap() > sip.MaxMessageSize {
		return
	}
	bytesBufPool.Put(b)
}

type closeOncePacketConn struct {
	net.PacketConn
	closeOnce sync.Once
	closeErr  error
}

func newCloseOncePacketConn(c net.PacketConn) net.PacketConn {
	if _, ok := c.(*closeOncePacketConn); ok {
		return c
	}
	return &closeOncePacketConn{PacketConn: c}
}

func (c *closeOncePacketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.PacketConn.Close()
	})
	return c.closeErr
}

// logPacketConn dumps every datagram at debug level.
type logPacketConn struct {
	net.PacketConn
	log *slog.Logger
}

func newLogPacketConn(c net.PacketConn, l *slog.Logger) net.PacketConn {
	if _, ok := c.(*logPacketConn); ok {
		return c
	}
	return &logPacketConn{c, l}
}

func (c *logPacketConn) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	n, err = c.PacketConn.WriteTo(b, addr)
	if err != nil || !c.log.Enabled(context.Background(), slog.LevelDebug) {
		return n, err
	}
	c.log.Debug("wrote buffer",
		slog.Any("remote_addr", addr),
		slog.Group("buffer",
			slog.Int("size", n),
			slog.String("data", string(b[:n])),
		),
	)
	return n, nil
}

func (c *logPacketConn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	n, addr, err = c.PacketConn.ReadFrom(b)
	if err != nil || !c.log.Enabled(context.Background(), slog.LevelDebug) {
		return n, addr, err
	}
	c.log.Debug("read buffer",
		slog.Any("remote_addr", addr),
		slog.Group("buffer",
			slog.Int("size", n),
			slog.String("data", string(b[:n])),
		),
	)
	return n, addr, nil
}
