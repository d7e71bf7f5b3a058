package sip

import (
	"fmt"
	"log/slog"

	"braces.dev/errtrace"
)

// TransactionRole tells client transactions from server ones.
type TransactionRole uint8

const (
	RoleClient TransactionRole = iota + 1
	RoleServer
)

func (r TransactionRole) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return fmt.Sprintf("TransactionRole(%d)", uint8(r))
	}
}

// TransactionKey identifies a transaction.
//
// Branch is the branch parameter of the topmost Via, Method is the upper-case
// method of the request that created the transaction. ACK is folded onto
// INVITE for server matching, so an ACK to a non-2xx final response lands
// on the INVITE server transaction. The sent-by part of Via is not part of
// the key, RFC 3261 branches are globally unique.
type TransactionKey struct {
	Branch string
	Method RequestMethod
	Role   TransactionRole
}

// IsValid reports whether all key fields are set.
func (k TransactionKey) IsValid() bool {
	return k.Branch != "" && k.Method.IsValid() && (k.Role == RoleClient || k.Role == RoleServer)
}

func (k TransactionKey) IsZero() bool { return k == TransactionKey{} }

func (k TransactionKey) String() string {
	return k.Role.String() + ":" + string(k.Method) + ":" + k.Branch
}

// LogValue implements [slog.LogValuer].
func (k TransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("role", k.Role.String()),
		slog.String("method", string(k.Method)),
		slog.String("branch", k.Branch),
	)
}

// KeyFor computes the transaction key of the message for the given role.
//
// For requests the method is the request method, with ACK folded onto INVITE.
// For responses the method is taken from CSeq. A message without a branch in
// its topmost Via has no key and [ErrMissingBranch] is returned.
func KeyFor(msg Message, role TransactionRole) (TransactionKey, error) {
	if msg == nil {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("nil message"))
	}
	if role != RoleClient && role != RoleServer {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("invalid role %v", role))
	}

	hs := msg.headers()
	hop, ok := hs.FirstVia()
	if !ok || hop.Branch() == "" {
		return TransactionKey{}, errtrace.Wrap(newInvalidMessageError(ErrMissingBranch))
	}

	var method RequestMethod
	switch m := msg.(type) {
	case *Request:
		method = m.Method
	case *Response:
		cseq, ok := hs.CSeq()
		if !ok {
			return TransactionKey{}, errtrace.Wrap(newInvalidMessageError(newMissHdrErr(HeaderCSeq)))
		}
		method = cseq.Method
	}
	method = method.ToUpper()
	if method == RequestMethodAck {
		method = RequestMethodInvite
	}

	return TransactionKey{
		Branch: hop.Branch(),
		Method: method,
		Role:   role,
	}, nil
}

// ClientKey computes the client transaction key of an outbound request.
func ClientKey(req *Request) (TransactionKey, error) {
	return errtrace.Wrap2(KeyFor(req, RoleClient))
}

// ServerKey computes the server transaction key of an inbound request.
func ServerKey(req *Request) (TransactionKey, error) {
	return errtrace.Wrap2(KeyFor(req, RoleServer))
}

// CancelTargetKey returns the key of the INVITE server transaction the CANCEL
// request targets. The CANCEL itself runs in its own transaction keyed by
// [ServerKey].
func CancelTargetKey(cancel *Request) (TransactionKey, error) {
	if cancel == nil || !cancel.Method.Equal(RequestMethodCancel) {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("not a CANCEL request"))
	}
	key, err := KeyFor(cancel, RoleServer)
	if err != nil {
		return TransactionKey{}, errtrace.Wrap(err)
	}
	key.Method = RequestMethodInvite
	return key, nil
}
