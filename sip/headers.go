package sip

import (
	"io"
	"maps"
	"slices"
	"strconv"
)

// Headers maps canonical header names to header values in arrival order.
type Headers map[HeaderName][]Header

// Append adds the header after headers with the same name.
func (hs Headers) Append(h Header) Headers {
	if hs == nil {
		hs = make(Headers)
	}
	n := h.CanonicName()
	hs[n] = append(hs[n], h)
	return hs
}

// Set replaces all headers with the same name by h.
func (hs Headers) Set(h Header) Headers {
	if hs == nil {
		hs = make(Headers)
	}
	hs[h.CanonicName()] = []Header{h}
	return hs
}

// Get returns all headers with the given name.
func (hs Headers) Get(name HeaderName) []Header { return hs[CanonicHeaderName(name)] }

func (hs Headers) Has(name HeaderName) bool { return len(hs.Get(name)) > 0 }

func (hs Headers) Del(name HeaderName) { delete(hs, CanonicHeaderName(name)) }

// Clone returns a deep copy of the headers.
func (hs Headers) Clone() Headers {
	if hs == nil {
		return nil
	}
	hs2 := make(Headers, len(hs))
	for n, list := range hs {
		list2 := make([]Header, len(list))
		for i, h := range list {
			list2[i] = h.Clone()
		}
		hs2[n] = list2
	}
	return hs2
}

// FirstVia returns the topmost Via hop.
// The returned pointer refers to the stored hop.
func (hs Headers) FirstVia() (*ViaHop, bool) {
	for _, h := range hs[HeaderVia] {
		if via, ok := h.(Via); ok && len(via) > 0 {
			return &via[0], true
		}
	}
	return nil, false
}

// Via returns all Via hops in order.
func (hs Headers) Via() Via {
	var hops Via
	for _, h := range hs[HeaderVia] {
		if via, ok := h.(Via); ok {
			hops = append(hops, via...)
		}
	}
	return hops
}

// From returns the From header.
func (hs Headers) From() (*From, bool) { return firstHdr[*From](hs, HeaderFrom) }

// To returns the To header.
func (hs Headers) To() (*To, bool) { return firstHdr[*To](hs, HeaderTo) }

// CallID returns the Call-ID header.
func (hs Headers) CallID() (CallID, bool) { return firstHdr[CallID](hs, HeaderCallID) }

// CSeq returns the CSeq header.
func (hs Headers) CSeq() (*CSeq, bool) { return firstHdr[*CSeq](hs, HeaderCSeq) }

// MaxForwards returns the Max-Forwards header.
func (hs Headers) MaxForwards() (MaxForwards, bool) {
	return firstHdr[MaxForwards](hs, HeaderMaxForwards)
}

func firstHdr[T Header](hs Headers, name HeaderName) (T, bool) {
	var zero T
	for _, h := range hs[name] {
		if v, ok := h.(T); ok {
			return v, true
		}
	}
	return zero, false
}

var hdrsOrder = []HeaderName{
	HeaderVia,
	HeaderMaxForwards,
	HeaderFrom,
	HeaderTo,
	HeaderCallID,
	HeaderCSeq,
}

// renderHdrs renders headers in a stable order: the transaction related
// headers first, then the rest sorted by name. Content-Length is always
// rendered last from the body length.
func renderHdrs(w io.Writer, hs Headers, bodyLen int) (int, error) {
	var num int
	write := func(h Header) error {
		n, err := renderHeader(w, h)
		num += n
		return err //errtrace:skip
	}

	for _, n := range hdrsOrder {
		for _, h := range hs[n] {
			if err := write(h); err != nil {
				return num, err //errtrace:skip
			}
		}
	}

	rest := slices.Sorted(maps.Keys(hs))
	for _, n := range rest {
		if slices.Contains(hdrsOrder, n) || n == HeaderContentLength {
			continue
		}
		for _, h := range hs[n] {
			if err := write(h); err != nil {
				return num, err //errtrace:skip
			}
		}
	}

	err := write(&GenericHeader{Name: string(HeaderContentLength), Value: strconv.Itoa(bodyLen)})
	return num, err //errtrace:skip
}
