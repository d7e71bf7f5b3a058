package sip

//go:generate go tool mockgen -source=transport.go -destination=../internal/mocks/transport.go -package=mocks

import (
	"context"
	"net/netip"
)

// Transport sends SIP messages to the network.
//
// The transaction layer only needs to send a message to an address and to
// know whether the transport is reliable. On reliable transports (TCP, TLS)
// the retransmission timers A, E and G are not used and the wait timers
// D, I, J and K are zero.
type Transport interface {
	// Send sends the message to dst.
	// A returned error means the transport is broken for this destination.
	Send(ctx context.Context, msg Message, dst netip.AddrPort) error
	// Reliable reports whether the transport is reliable.
	Reliable() bool
}

// TransportInfo is implemented by transports that can describe themselves
// for building Via headers of outbound requests.
type TransportInfo interface {
	// Proto returns the Via transport name, e.g. "UDP".
	Proto() string
	// LocalAddr returns the local address of the transport.
	LocalAddr() netip.AddrPort
}

// MessageHandler receives inbound messages parsed by a transport.
// [TransactionManager.HandleMessage] is the usual handler.
// A returned error is logged by the transport, the message is dropped.
type MessageHandler func(ctx context.Context, msg Message, src netip.AddrPort) error
