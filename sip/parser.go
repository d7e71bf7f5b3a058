package sip

import (
	"bytes"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/ghettovoice/abnf"

	"github.com/voipkit/siptx/internal/errorutil"
	"github.com/voipkit/siptx/internal/grammar"
	"github.com/voipkit/siptx/internal/util"
)

// MaxMessageSize is the largest datagram [ParseMessage] accepts.
const MaxMessageSize = 65535

// ParseMessage parses a single SIP message in wire format.
// Only the headers used by the transaction layer are parsed into typed values,
// the rest is kept as [GenericHeader].
// Errors match [ErrInvalidMessage].
func ParseMessage(data []byte) (Message, error) {
	if len(data) > MaxMessageSize {
		return nil, errtrace.Wrap(newInvalidMessageError("message too large: %d bytes", len(data)))
	}

	// leading CRLFs are keep-alives
	data = bytes.TrimLeft(data, "\r\n")

	head, body, ok := cutHead(data)
	if !ok {
		return nil, errtrace.Wrap(newInvalidMessageError("missing header terminator"))
	}

	lines := unfoldLines(string(head))
	if len(lines) == 0 || lines[0] == "" {
		return nil, errtrace.Wrap(newInvalidMessageError("missing start line"))
	}

	hs := make(Headers)
	clen := -1
	var errs []error
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			errs = append(errs, errorutil.Errorf("malformed header line %q", line))
			continue
		}
		hn := CanonicHeaderName(name)
		value = strings.TrimSpace(value)
		if hn == HeaderContentLength {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				errs = append(errs, errorutil.Errorf("invalid Content-Length %q", value))
				continue
			}
			clen = n
			continue
		}
		h, err := parseHeader(hn, name, value)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		hs.Append(h)
	}
	if len(errs) > 0 {
		return nil, errtrace.Wrap(newInvalidMessageError(errorutil.JoinPrefix("parse headers", errs...)))
	}

	if clen >= 0 {
		if clen > len(body) {
			return nil, errtrace.Wrap(newInvalidMessageError("body is shorter than Content-Length %d", clen))
		}
		body = body[:clen]
	}
	if len(body) == 0 {
		body = nil
	} else {
		body = bytes.Clone(body)
	}

	return errtrace.Wrap2(parseStartLine(lines[0], hs, body))
}

func cutHead(data []byte) (head, body []byte, ok bool) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i], data[i+4:], true
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i], data[i+2:], true
	}
	return nil, nil, false
}

func unfoldLines(head string) []string {
	raw := strings.Split(strings.ReplaceAll(head, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if len(lines) > 1 && l != "" && (l[0] == ' ' || l[0] == '\t') {
			lines[len(lines)-1] += " " + strings.TrimSpace(l)
			continue
		}
		lines = append(lines, strings.TrimRight(l, " \t"))
	}
	return lines
}

func parseHeader(hn HeaderName, rawName, value string) (Header, error) {
	var (
		h   Header
		err error
	)
	switch hn {
	case HeaderVia:
		err = grammar.Parse(grammar.Via, value, func(n *abnf.Node) error {
			via, err := buildVia(n)
			h = via
			return errtrace.Wrap(err)
		})
	case HeaderFrom:
		err = grammar.Parse(grammar.FromSpec, value, func(n *abnf.Node) error {
			h = &From{buildNameAddr(n)}
			return nil
		})
	case HeaderTo:
		err = grammar.Parse(grammar.FromSpec, value, func(n *abnf.Node) error {
			h = &To{buildNameAddr(n)}
			return nil
		})
	case HeaderCallID:
		err = grammar.Parse(grammar.CallID, value, func(*abnf.Node) error {
			h = CallID(value)
			return nil
		})
	case HeaderCSeq:
		err = grammar.Parse(grammar.CSeq, value, func(n *abnf.Node) error {
			seq, err := strconv.ParseUint(grammar.Text(n, grammar.KeySeq), 10, 32)
			if err != nil {
				return errtrace.Wrap(err)
			}
			h = &CSeq{Seq: uint32(seq), Method: RequestMethod(grammar.Text(n, grammar.KeyMethod))}
			return nil
		})
	case HeaderMaxForwards:
		err = grammar.Parse(grammar.MaxForwards, value, func(*abnf.Node) error {
			mf, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return errtrace.Wrap(err)
			}
			h = MaxForwards(mf)
			return nil
		})
	default:
		return &GenericHeader{Name: string(CanonicHeaderName(rawName)), Value: value}, nil
	}
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(err, "%s %q", hn, value))
	}
	return h, nil
}

func buildVia(n *abnf.Node) (Via, error) {
	hopNodes := grammar.FindAll(n, grammar.KeyViaParm)
	via := make(Via, len(hopNodes))
	for i, hn := range hopNodes {
		hop := ViaHop{
			Proto:     grammar.Text(hn, grammar.KeyProtoName) + "/" + grammar.Text(hn, grammar.KeyProtoVersion),
			Transport: util.UCase(grammar.Text(hn, grammar.KeyTransport)),
			Host:      strings.Trim(grammar.Text(hn, grammar.KeyHost), "[]"),
			Params:    buildParams(grammar.Find(hn, grammar.KeyParams)),
		}
		if p := grammar.Text(hn, grammar.KeyPort); p != "" {
			port, err := strconv.ParseUint(p, 10, 16)
			if err != nil {
				return nil, errtrace.Wrap(errorutil.Errorf("invalid port %q", p))
			}
			hop.Port = uint16(port)
		}
		via[i] = hop
	}
	return via, nil
}

func buildNameAddr(n *abnf.Node) NameAddr {
	return NameAddr{
		Display: grammar.Unquote(strings.TrimSpace(grammar.Text(n, grammar.KeyDisplayName))),
		URI:     grammar.Text(n, grammar.KeyAddrSpec),
		Params:  buildParams(grammar.Find(n, grammar.KeyParams)),
	}
}

func buildParams(n *abnf.Node) Values {
	var vs Values
	for _, p := range grammar.FindAll(n, grammar.KeyGenericParam) {
		vs = append(vs, Param{
			Name:  grammar.Text(p, grammar.KeyParamName),
			Value: strings.TrimSpace(grammar.Text(p, grammar.KeyGenValue)),
		})
	}
	return vs
}

func parseStartLine(line string, hs Headers, body []byte) (Message, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return nil, errtrace.Wrap(newInvalidMessageError("malformed start line %q", line))
	}

	if strings.HasPrefix(parts[0], "SIP/") {
		code, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil || !ResponseStatus(code).IsValid() {
			return nil, errtrace.Wrap(newInvalidMessageError("invalid status code %q", parts[1]))
		}
		return &Response{
			Status:  ResponseStatus(code),
			Reason:  strings.TrimSpace(parts[2]),
			Proto:   parts[0],
			Headers: hs,
			Body:    body,
		}, nil
	}

	if !strings.HasPrefix(parts[2], "SIP/") {
		return nil, errtrace.Wrap(newInvalidMessageError("malformed request line %q", line))
	}
	method := RequestMethod(parts[0])
	if !method.IsValid() {
		return nil, errtrace.Wrap(newInvalidMessageError("invalid method %q", parts[0]))
	}
	return &Request{
		Method:  method,
		URI:     parts[1],
		Proto:   strings.TrimSpace(parts[2]),
		Headers: hs,
		Body:    body,
	}, nil
}
