package sip

import (
	"io"
	"log/slog"
	"slices"

	"braces.dev/errtrace"

	"github.com/voipkit/siptx/internal/errorutil"
)

// Request represents a SIP request message.
type Request struct {
	Method  RequestMethod
	URI     string
	Proto   string
	Headers Headers
	Body    []byte
}

// NewRequest creates a request with empty headers.
func NewRequest(method RequestMethod, uri string) *Request {
	return &Request{
		Method:  method,
		URI:     uri,
		Proto:   ProtoVersion,
		Headers: make(Headers),
	}
}

func (req *Request) headers() Headers { return req.Headers }

// StartLine returns the request line.
func (req *Request) StartLine() string {
	if req == nil {
		return ""
	}
	proto := req.Proto
	if proto == "" {
		proto = ProtoVersion
	}
	return string(req.Method) + " " + req.URI + " " + proto
}

// RenderTo renders the request to the given writer.
func (req *Request) RenderTo(w io.Writer) (int, error) {
	if req == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderMsg(w, req.StartLine(), req.Headers, req.Body))
}

// Render renders the request to a string.
func (req *Request) Render() string {
	if req == nil {
		return ""
	}
	return renderMsgString(req)
}

// String returns the request line.
func (req *Request) String() string {
	if req == nil {
		return "<nil>"
	}
	return req.StartLine()
}

// LogValue implements [slog.LogValuer].
func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	attrs := make([]slog.Attr, 0, 7)
	attrs = append(attrs, slog.String("method", string(req.Method)), slog.String("uri", req.URI))
	return slog.GroupValue(msgLogAttrs(req.Headers, attrs)...)
}

// Clone returns a deep copy of the request.
func (req *Request) Clone() Message {
	if req == nil {
		return (*Request)(nil)
	}
	req2 := *req
	req2.Headers = req.Headers.Clone()
	req2.Body = slices.Clone(req.Body)
	return &req2
}

// Validate validates the request.
// Errors match [ErrInvalidMessage].
func (req *Request) Validate() error {
	if req == nil {
		return errtrace.Wrap(newInvalidMessageError("nil request"))
	}

	var errs []error
	if !req.Method.IsValid() {
		errs = append(errs, errorutil.Errorf("invalid method %q", req.Method))
	}
	if req.URI == "" {
		errs = append(errs, errorutil.Errorf("empty request URI"))
	}
	errs = append(errs, validateHdrs(req.Headers)...)
	if cseq, ok := req.Headers.CSeq(); ok && cseq != nil && !cseq.Method.Equal(req.Method) {
		errs = append(errs, errorutil.Errorf("CSeq method %q does not match %q", cseq.Method, req.Method))
	}
	if len(errs) > 0 {
		return errtrace.Wrap(newInvalidMessageError(errorutil.JoinPrefix("request", errs...)))
	}
	return nil
}

// ResponseOptions are optional parameters of [Request.NewResponse].
type ResponseOptions struct {
	// Reason overrides the default reason phrase.
	Reason string
	// Headers are appended to the copied request headers.
	Headers []Header
	Body    []byte
	// LocalTag is the To tag added to non-100 responses.
	// If empty, a random tag is generated.
	LocalTag string
}

func (o *ResponseOptions) reason(sts ResponseStatus) string {
	if o == nil || o.Reason == "" {
		return sts.Reason()
	}
	return o.Reason
}

func (o *ResponseOptions) headers() []Header {
	if o == nil {
		return nil
	}
	return o.Headers
}

func (o *ResponseOptions) body() []byte {
	if o == nil {
		return nil
	}
	return o.Body
}

func (o *ResponseOptions) locTag() string {
	if o == nil || o.LocalTag == "" {
		return GenerateTag()
	}
	return o.LocalTag
}

var resCopyHdrs = []HeaderName{HeaderVia, HeaderFrom, HeaderTo, HeaderCallID, HeaderCSeq}

// NewResponse builds a response to the request as described in RFC 3261 section 8.2.6.
// Via, From, To, Call-ID and CSeq are copied from the request; a To tag is added
// to every response except 100 Trying.
func (req *Request) NewResponse(sts ResponseStatus, opts *ResponseOptions) (*Response, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	if req.Method.Equal(RequestMethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("ACK requests are not answered"))
	}
	if !sts.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid status %d", sts))
	}

	res := &Response{
		Status:  sts,
		Reason:  opts.reason(sts),
		Proto:   req.Proto,
		Headers: make(Headers, len(resCopyHdrs)+len(opts.headers())),
		Body:    slices.Clone(opts.body()),
	}
	for _, n := range resCopyHdrs {
		for _, h := range req.Headers[n] {
			res.Headers.Append(h.Clone())
		}
	}
	if to, ok := res.Headers.To(); ok && sts != ResponseStatusTrying && to.Tag() == "" {
		to.Params = to.Params.Set("tag", opts.locTag())
	}
	for _, h := range opts.headers() {
		res.Headers.Append(h.Clone())
	}
	return res, nil
}

// NewAckRequest builds the ACK for a non-2xx final response to an INVITE
// as described in RFC 3261 section 17.1.1.3.
func NewAckRequest(invite *Request, res *Response) (*Request, error) {
	if invite == nil || res == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil message"))
	}
	if !invite.Method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("ACK for %q request", invite.Method))
	}

	ack, err := newInviteBound(invite, RequestMethodAck)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if to, ok := res.Headers.To(); ok {
		ack.Headers.Set(to.Clone())
	}
	return ack, nil
}

// NewCancelRequest builds a CANCEL for the INVITE as described in RFC 3261 section 9.1.
// The CANCEL shares the INVITE's topmost Via, so its branch is the same.
func NewCancelRequest(invite *Request) (*Request, error) {
	if invite == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	if !invite.Method.Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("CANCEL for %q request", invite.Method))
	}
	return errtrace.Wrap2(newInviteBound(invite, RequestMethodCancel))
}

func newInviteBound(invite *Request, method RequestMethod) (*Request, error) {
	hop, ok := invite.Headers.FirstVia()
	if !ok {
		return nil, errtrace.Wrap(newInvalidRequestError(newMissHdrErr(HeaderVia)))
	}
	cseq, ok := invite.Headers.CSeq()
	if !ok {
		return nil, errtrace.Wrap(newInvalidRequestError(newMissHdrErr(HeaderCSeq)))
	}

	req := NewRequest(method, invite.URI)
	req.Proto = invite.Proto
	req.Headers.Set(Via{hop.Clone()})
	req.Headers.Set(MaxForwards(70))
	for _, n := range []HeaderName{HeaderFrom, HeaderTo, HeaderCallID, HeaderRoute} {
		for _, h := range invite.Headers[n] {
			req.Headers.Append(h.Clone())
		}
	}
	req.Headers.Set(&CSeq{Seq: cseq.Seq, Method: method})
	return req, nil
}
