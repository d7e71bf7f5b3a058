package sip

import (
	"io"
	"strconv"
	"strings"

	"github.com/voipkit/siptx/internal/util"
)

// HeaderName is a canonical SIP header name.
type HeaderName string

// Header names known to the transaction layer.
const (
	HeaderVia           HeaderName = "Via"
	HeaderFrom          HeaderName = "From"
	HeaderTo            HeaderName = "To"
	HeaderCallID        HeaderName = "Call-ID"
	HeaderCSeq          HeaderName = "CSeq"
	HeaderMaxForwards   HeaderName = "Max-Forwards"
	HeaderContentLength HeaderName = "Content-Length"
	HeaderContentType   HeaderName = "Content-Type"
	HeaderContact       HeaderName = "Contact"
	HeaderRoute         HeaderName = "Route"
)

var knownHdrNames = map[string]HeaderName{
	"via":            HeaderVia,
	"v":              HeaderVia,
	"from":           HeaderFrom,
	"f":              HeaderFrom,
	"to":             HeaderTo,
	"t":              HeaderTo,
	"call-id":        HeaderCallID,
	"i":              HeaderCallID,
	"cseq":           HeaderCSeq,
	"max-forwards":   HeaderMaxForwards,
	"content-length": HeaderContentLength,
	"l":              HeaderContentLength,
	"content-type":   HeaderContentType,
	"c":              HeaderContentType,
	"contact":        HeaderContact,
	"m":              HeaderContact,
	"route":          HeaderRoute,
}

// CanonicHeaderName returns the canonical form of a header name.
// Compact forms are expanded ("v" is "Via").
func CanonicHeaderName[T ~string](name T) HeaderName {
	n := strings.TrimSpace(string(name))
	if hn, ok := knownHdrNames[strings.ToLower(n)]; ok {
		return hn
	}
	parts := strings.Split(strings.ToLower(n), "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return HeaderName(strings.Join(parts, "-"))
}

// Header is a single SIP header field.
type Header interface {
	// CanonicName returns the canonical header name.
	CanonicName() HeaderName
	// String returns the rendered header value.
	String() string
	// Clone returns a deep copy of the header.
	Clone() Header
}

func renderHeader(w io.Writer, h Header) (int, error) {
	return io.WriteString(w, string(h.CanonicName())+": "+h.String()+"\r\n") //errtrace:skip
}

// Param is a single header parameter.
// Flag parameters have an empty value.
type Param struct {
	Name  string
	Value string
}

// Values is an ordered list of header parameters.
type Values []Param

// Get returns the value of the named parameter.
func (vs Values) Get(name string) (string, bool) {
	for _, p := range vs {
		if util.EqFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

func (vs Values) Has(name string) bool {
	_, ok := vs.Get(name)
	return ok
}

// Set replaces the named parameter or appends it.
func (vs Values) Set(name, value string) Values {
	for i, p := range vs {
		if util.EqFold(p.Name, name) {
			vs[i].Value = value
			return vs
		}
	}
	return append(vs, Param{name, value})
}

func (vs Values) Del(name string) Values {
	out := vs[:0]
	for _, p := range vs {
		if !util.EqFold(p.Name, name) {
			out = append(out, p)
		}
	}
	return out
}

func (vs Values) Clone() Values {
	if vs == nil {
		return nil
	}
	return append(Values(nil), vs...)
}

func (vs Values) writeTo(sb *strings.Builder) {
	for _, p := range vs {
		sb.WriteByte(';')
		sb.WriteString(p.Name)
		if p.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
}

// ViaHop is a single entry of the Via header.
type ViaHop struct {
	// Proto is the protocol name and version, "SIP/2.0".
	Proto string
	// Transport is the transport name, e.g. "UDP".
	Transport string
	Host      string
	Port      uint16
	Params    Values
}

// Branch returns the branch parameter.
func (hop ViaHop) Branch() string {
	b, _ := hop.Params.Get("branch")
	return b
}

// SentBy returns the "host[:port]" part of the hop.
func (hop ViaHop) SentBy() string {
	host := hop.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	if hop.Port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(int(hop.Port))
}

func (hop ViaHop) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	proto := hop.Proto
	if proto == "" {
		proto = ProtoVersion
	}
	sb.WriteString(proto)
	sb.WriteByte('/')
	sb.WriteString(util.UCase(hop.Transport))
	sb.WriteByte(' ')
	sb.WriteString(hop.SentBy())
	hop.Params.writeTo(sb)
	return sb.String()
}

func (hop ViaHop) Clone() ViaHop {
	hop.Params = hop.Params.Clone()
	return hop
}

// Via is the Via header, a list of hops with the topmost first.
type Via []ViaHop

func (Via) CanonicName() HeaderName { return HeaderVia }

func (hdr Via) String() string {
	hops := make([]string, len(hdr))
	for i, hop := range hdr {
		hops[i] = hop.String()
	}
	return strings.Join(hops, ", ")
}

func (hdr Via) Clone() Header {
	if hdr == nil {
		return Via(nil)
	}
	hdr2 := make(Via, len(hdr))
	for i, hop := range hdr {
		hdr2[i] = hop.Clone()
	}
	return hdr2
}

// NameAddr is a display name with a URI, as used by From and To headers.
type NameAddr struct {
	Display string
	URI     string
	Params  Values
}

// Tag returns the tag parameter.
func (na NameAddr) Tag() string {
	t, _ := na.Params.Get("tag")
	return t
}

func (na NameAddr) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	if na.Display != "" {
		sb.WriteString(strconv.Quote(na.Display))
		sb.WriteByte(' ')
	}
	sb.WriteByte('<')
	sb.WriteString(na.URI)
	sb.WriteByte('>')
	na.Params.writeTo(sb)
	return sb.String()
}

func (na NameAddr) clone() NameAddr {
	na.Params = na.Params.Clone()
	return na
}

// From is the From header.
type From struct{ NameAddr }

func (*From) CanonicName() HeaderName { return HeaderFrom }

func (hdr *From) Clone() Header {
	if hdr == nil {
		return (*From)(nil)
	}
	return &From{hdr.clone()}
}

// To is the To header.
type To struct{ NameAddr }

func (*To) CanonicName() HeaderName { return HeaderTo }

func (hdr *To) Clone() Header {
	if hdr == nil {
		return (*To)(nil)
	}
	return &To{hdr.clone()}
}

// CallID is the Call-ID header.
type CallID string

func (CallID) CanonicName() HeaderName { return HeaderCallID }

func (hdr CallID) String() string { return string(hdr) }

func (hdr CallID) Clone() Header { return hdr }

// CSeq is the CSeq header.
type CSeq struct {
	Seq    uint32
	Method RequestMethod
}

func (*CSeq) CanonicName() HeaderName { return HeaderCSeq }

func (hdr *CSeq) String() string {
	return strconv.FormatUint(uint64(hdr.Seq), 10) + " " + string(hdr.Method)
}

func (hdr *CSeq) Clone() Header {
	if hdr == nil {
		return (*CSeq)(nil)
	}
	hdr2 := *hdr
	return &hdr2
}

// MaxForwards is the Max-Forwards header.
type MaxForwards uint8

func (MaxForwards) CanonicName() HeaderName { return HeaderMaxForwards }

func (hdr MaxForwards) String() string { return strconv.Itoa(int(hdr)) }

func (hdr MaxForwards) Clone() Header { return hdr }

// GenericHeader is any header the transaction layer does not interpret.
type GenericHeader struct {
	Name  string
	Value string
}

func (hdr *GenericHeader) CanonicName() HeaderName { return CanonicHeaderName(hdr.Name) }

func (hdr *GenericHeader) String() string { return hdr.Value }

func (hdr *GenericHeader) Clone() Header {
	if hdr == nil {
		return (*GenericHeader)(nil)
	}
	hdr2 := *hdr
	return &hdr2
}
