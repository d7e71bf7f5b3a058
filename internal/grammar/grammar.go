// Package grammar holds the RFC 3261 rules of the headers read by the
// transaction layer, built with github.com/ghettovoice/abnf.
//
// Header values are matched after line folding is undone, so linear
// whitespace is plain SP / HTAB here.
package grammar

//go:generate errtrace -w .

import (
	"strconv"

	"braces.dev/errtrace"
	"github.com/ghettovoice/abnf"

	"github.com/voipkit/siptx/internal/errorutil"
)

func init() {
	abnf.EnableNodeCache(1024)
}

type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrEmptyInput     Error = "empty input"
	ErrMalformedInput Error = "malformed input"
)

func newMalformedInputErr(args ...any) error {
	return errorutil.NewWrapperError(ErrMalformedInput, args...) //errtrace:skip
}

// Parse matches the whole input against rule and passes the best node to fn.
// The node is only valid during the call.
func Parse[T ~string | ~[]byte](rule abnf.Operator, s T, fn func(n *abnf.Node) error) error {
	if len(s) == 0 {
		return errtrace.Wrap(ErrEmptyInput)
	}

	ns := abnf.NewNodes()
	defer ns.Free()

	if err := rule([]byte(s), 0, ns); err != nil {
		return errtrace.Wrap(newMalformedInputErr(err))
	}

	n := ns.Best()
	if nl, il := n.Len(), len(s); nl < il {
		return errtrace.Wrap(newMalformedInputErr("node length %d < input length %d", nl, il))
	}
	return errtrace.Wrap(fn(n))
}

// Find returns the first node with key k in depth-first order, or nil.
func Find(n *abnf.Node, k string) *abnf.Node {
	if n == nil {
		return nil
	}
	if n.Key == k {
		return n
	}
	for _, c := range n.Children {
		if sn := Find(c, k); sn != nil {
			return sn
		}
	}
	return nil
}

// FindAll returns all outermost nodes with key k.
func FindAll(n *abnf.Node, k string) []*abnf.Node {
	if n == nil {
		return nil
	}
	if n.Key == k {
		return []*abnf.Node{n}
	}
	var out []*abnf.Node
	for _, c := range n.Children {
		out = append(out, FindAll(c, k)...)
	}
	return out
}

// Text returns the matched input of the node with key k, or an empty string.
func Text(n *abnf.Node, k string) string {
	if sn := Find(n, k); sn != nil {
		return sn.String()
	}
	return ""
}

func IsToken[T ~string | ~[]byte](s T) bool {
	return Parse(token, s, func(*abnf.Node) error { return nil }) == nil
}

func Unquote(s string) string {
	qs, err := strconv.Unquote(s)
	if err != nil {
		qs = s
	}
	return qs
}
