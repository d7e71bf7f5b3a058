package sip

import (
	"io"
	"log/slog"
	"slices"
	"strconv"

	"braces.dev/errtrace"

	"github.com/voipkit/siptx/internal/errorutil"
)

// Response represents a SIP response message.
type Response struct {
	Status  ResponseStatus
	Reason  string
	Proto   string
	Headers Headers
	Body    []byte
}

func (res *Response) headers() Headers { return res.Headers }

// StartLine returns the status line.
func (res *Response) StartLine() string {
	if res == nil {
		return ""
	}
	proto := res.Proto
	if proto == "" {
		proto = ProtoVersion
	}
	return proto + " " + strconv.FormatUint(uint64(res.Status), 10) + " " + res.Reason
}

// RenderTo renders the response to the given writer.
func (res *Response) RenderTo(w io.Writer) (int, error) {
	if res == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderMsg(w, res.StartLine(), res.Headers, res.Body))
}

// Render renders the response to a string.
func (res *Response) Render() string {
	if res == nil {
		return ""
	}
	return renderMsgString(res)
}

// String returns the status line.
func (res *Response) String() string {
	if res == nil {
		return "<nil>"
	}
	return res.StartLine()
}

// LogValue implements [slog.LogValuer].
func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	attrs := make([]slog.Attr, 0, 7)
	attrs = append(attrs, slog.Uint64("status", uint64(res.Status)), slog.String("reason", res.Reason))
	return slog.GroupValue(msgLogAttrs(res.Headers, attrs)...)
}

// Clone returns a deep copy of the response.
func (res *Response) Clone() Message {
	if res == nil {
		return (*Response)(nil)
	}
	res2 := *res
	res2.Headers = res.Headers.Clone()
	res2.Body = slices.Clone(res.Body)
	return &res2
}

// Validate validates the response.
// Errors match [ErrInvalidMessage].
func (res *Response) Validate() error {
	if res == nil {
		return errtrace.Wrap(newInvalidMessageError("nil response"))
	}

	var errs []error
	if !res.Status.IsValid() {
		errs = append(errs, errorutil.Errorf("invalid status %d", res.Status))
	}
	errs = append(errs, validateHdrs(res.Headers)...)
	if len(errs) > 0 {
		return errtrace.Wrap(newInvalidMessageError(errorutil.JoinPrefix("response", errs...)))
	}
	return nil
}
