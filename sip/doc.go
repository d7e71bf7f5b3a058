// Package sip implements the SIP transaction layer as defined in RFC 3261 section 17.
//
// A [TransactionManager] owns the four kinds of transactions (INVITE and
// non-INVITE, client and server), matches inbound messages to them by
// [TransactionKey], drives the retransmission and timeout timers A-K and
// reports everything that happens through [Event] subscriptions.
// Messages are sent through a [Transport], which only has to send a message to
// an address and tell whether it is reliable.
//
// The package also provides the minimal message model the layer needs:
// [Request], [Response], typed headers and a text codec ([ParseMessage]).
package sip

//go:generate errtrace -w .
