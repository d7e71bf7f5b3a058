package sip

import (
	"io"
	"log/slog"
	"strings"

	"braces.dev/errtrace"

	"github.com/voipkit/siptx/internal/util"
)

// ProtoVersion is the only supported SIP protocol name and version.
const ProtoVersion = "SIP/2.0"

// Message is a SIP request or response.
// It is implemented by [*Request] and [*Response].
type Message interface {
	slog.LogValuer
	// StartLine returns the request or status line.
	StartLine() string
	// RenderTo writes the message in wire format.
	RenderTo(w io.Writer) (int, error)
	// Render returns the message in wire format.
	Render() string
	// Clone returns a deep copy of the message.
	Clone() Message
	// Validate checks that the message carries everything the
	// transaction layer relies on.
	Validate() error

	headers() Headers
}

// MessageHeaders returns the headers of the message.
func MessageHeaders(msg Message) Headers {
	if msg == nil {
		return nil
	}
	return msg.headers()
}

func renderMsg(w io.Writer, startLine string, hs Headers, body []byte) (int, error) {
	num, err := io.WriteString(w, startLine+"\r\n")
	if err != nil {
		return num, errtrace.Wrap(err)
	}
	n, err := renderHdrs(w, hs, len(body))
	num += n
	if err != nil {
		return num, errtrace.Wrap(err)
	}
	n, err = io.WriteString(w, "\r\n")
	num += n
	if err != nil {
		return num, errtrace.Wrap(err)
	}
	n, err = w.Write(body)
	num += n
	return num, errtrace.Wrap(err)
}

func renderMsgString(msg Message) string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	msg.RenderTo(sb) //nolint:errcheck
	return sb.String()
}

func msgLogAttrs(hs Headers, attrs []slog.Attr) []slog.Attr {
	if hop, ok := hs.FirstVia(); ok {
		attrs = append(attrs, slog.String("Via", hop.String()))
	}
	if from, ok := hs.From(); ok {
		attrs = append(attrs, slog.String("From", from.String()))
	}
	if to, ok := hs.To(); ok {
		attrs = append(attrs, slog.String("To", to.String()))
	}
	if callID, ok := hs.CallID(); ok {
		attrs = append(attrs, slog.String("Call-ID", string(callID)))
	}
	if cseq, ok := hs.CSeq(); ok {
		attrs = append(attrs, slog.String("CSeq", cseq.String()))
	}
	return attrs
}

func validateHdrs(hs Headers) []error {
	var errs []error
	if hop, ok := hs.FirstVia(); !ok {
		errs = append(errs, newMissHdrErr(HeaderVia))
	} else if hop.Host == "" || hop.Transport == "" {
		errs = append(errs, newInvalidMessageError("invalid Via %q", hop))
	}
	if from, ok := hs.From(); !ok || from == nil {
		errs = append(errs, newMissHdrErr(HeaderFrom))
	}
	if to, ok := hs.To(); !ok || to == nil {
		errs = append(errs, newMissHdrErr(HeaderTo))
	}
	if callID, ok := hs.CallID(); !ok || strings.TrimSpace(string(callID)) == "" {
		errs = append(errs, newMissHdrErr(HeaderCallID))
	}
	if cseq, ok := hs.CSeq(); !ok || cseq == nil {
		errs = append(errs, newMissHdrErr(HeaderCSeq))
	} else if !cseq.Method.IsValid() {
		errs = append(errs, newInvalidMessageError("invalid CSeq method %q", cseq.Method))
	}
	return errs
}
