package errorutil

import (
	"errors"
	"net"
	"os"
	"syscall"
)

// IsTimeoutErr returns true if the error is a timeout error.
func IsTimeoutErr(err error) bool {
	var e interface{ Timeout() bool }
	return errors.As(err, &e) && e.Timeout()
}

// IsClosedErr returns true if the error reports use of a closed network connection
// or file.
func IsClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed)
}

// IsNetError returns true if the error comes from the network stack.
func IsNetError(err error) bool {
	var opErr *net.OpError
	return errors.Is(err, syscall.EINVAL) || errors.As(err, &opErr)
}
