package sip

import "github.com/voipkit/siptx/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
)

// Transaction errors.
const (
	// ErrTransactionNotFound is returned when an operation references an unknown
	// or already terminated transaction.
	ErrTransactionNotFound Error = "transaction not found"
	// ErrTransactionExists is returned on an attempt to register a second
	// transaction with the same key.
	ErrTransactionExists Error = "transaction already exists"
	// ErrInvalidState is returned when an operation is not allowed in the
	// current transaction state. The transaction is left unchanged.
	ErrInvalidState Error = "invalid transaction state"
	// ErrInvalidRequest is returned when a request fails validation before a
	// transaction is created for it.
	ErrInvalidRequest Error = "invalid request"
	// ErrInvalidResponse is returned when a response fails validation.
	ErrInvalidResponse Error = "invalid response"
	// ErrManagerClosed is returned by a closed [TransactionManager].
	ErrManagerClosed Error = "transaction manager closed"
)

// Transport errors.
const (
	// ErrTransportClosed is returned when attempting to use a closed transport.
	ErrTransportClosed Error = "transport closed"
)

// Message errors.
const (
	ErrInvalidMessage Error = "invalid message"
	// ErrMissingBranch is returned when the topmost Via has no branch parameter.
	ErrMissingBranch Error = "missing Via branch"
)

// Error is a string constant error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

func newInvalidMessageError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidMessage, args...) //errtrace:skip
}

func newInvalidRequestError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidRequest, args...) //errtrace:skip
}

func newInvalidResponseError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidResponse, args...) //errtrace:skip
}

func newInvalidStateError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidState, args...) //errtrace:skip
}

func newMissHdrErr(name HeaderName) error {
	return errorutil.Errorf("missing %q header", name) //errtrace:skip
}
