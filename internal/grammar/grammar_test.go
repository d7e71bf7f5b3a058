package grammar_test

import (
	"errors"
	"testing"

	"github.com/ghettovoice/abnf"
	"github.com/google/go-cmp/cmp"

	"github.com/voipkit/siptx/internal/grammar"
)

func TestParse_Via(t *testing.T) {
	t.Parallel()

	type hop struct {
		Proto, Version, Transport, Host, Port string
		Params                                []string
	}

	cases := []struct {
		name  string
		input string
		want  []hop
		err   error
	}{
		{"empty", "", nil, grammar.ErrEmptyInput},
		{"no sent-by", "SIP/2.0/UDP", nil, grammar.ErrMalformedInput},
		{"no transport", "SIP/2.0 host", nil, grammar.ErrMalformedInput},
		{"trailing junk", "SIP/2.0/UDP host;branch=x >", nil, grammar.ErrMalformedInput},
		{
			"single",
			"SIP/2.0/UDP 55.55.55.55:5060;branch=z9hG4bK.abc;rport",
			[]hop{{"SIP", "2.0", "UDP", "55.55.55.55", "5060", []string{"branch=z9hG4bK.abc", "rport"}}},
			nil,
		},
		{
			"spaces and ipv6",
			"SIP / 2.0 / tcp [2001:db8::1] : 5061 ; received=\"10.0.0.1\"",
			[]hop{{"SIP", "2.0", "tcp", "[2001:db8::1]", "5061", []string{"received=\"10.0.0.1\""}}},
			nil,
		},
		{
			"list",
			"SIP/2.0/UDP a.example.com;branch=z9hG4bK.1, SIP/2.0/TLS b.example.com:5061",
			[]hop{
				{"SIP", "2.0", "UDP", "a.example.com", "", []string{"branch=z9hG4bK.1"}},
				{"SIP", "2.0", "TLS", "b.example.com", "5061", nil},
			},
			nil,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			var got []hop
			err := grammar.Parse(grammar.Via, c.input, func(n *abnf.Node) error {
				for _, hn := range grammar.FindAll(n, grammar.KeyViaParm) {
					h := hop{
						Proto:     grammar.Text(hn, grammar.KeyProtoName),
						Version:   grammar.Text(hn, grammar.KeyProtoVersion),
						Transport: grammar.Text(hn, grammar.KeyTransport),
						Host:      grammar.Text(hn, grammar.KeyHost),
						Port:      grammar.Text(hn, grammar.KeyPort),
					}
					for _, p := range grammar.FindAll(hn, grammar.KeyGenericParam) {
						h.Params = append(h.Params, p.String())
					}
					got = append(got, h)
				}
				return nil
			})
			if c.err != nil {
				if !errors.Is(err, c.err) {
					t.Fatalf("grammar.Parse(Via, %q) error = %v, want %v", c.input, err, c.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("grammar.Parse(Via, %q) error = %v, want nil", c.input, err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Fatalf("grammar.Parse(Via, %q) mismatch (-want +got):\n%s", c.input, diff)
			}
		})
	}
}

func TestParse_FromSpec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input       string
		wantDisplay string
		wantURI     string
		wantParams  []string
		wantErr     bool
	}{
		{`"Alice" <sip:alice@example.com>;tag=a1`, `"Alice"`, "sip:alice@example.com", []string{"tag=a1"}, false},
		{`Bob Smith <sip:bob@example.com;transport=tcp>`, "Bob Smith", "sip:bob@example.com;transport=tcp", nil, false},
		{`<sip:carol@example.com> ; tag = c1 ; x`, "", "sip:carol@example.com", []string{"tag = c1", "x"}, false},
		{`sip:dave@example.com;tag=d1`, "", "sip:dave@example.com", []string{"tag=d1"}, false},
		{`"Esc \"q\"" <sip:e@example.com>`, `"Esc \"q\""`, "sip:e@example.com", nil, false},
		{`<sip:broken@example.com`, "", "", nil, true},
		{`"unterminated <sip:x@example.com>`, "", "", nil, true},
	}

	for _, c := range cases {
		var display, uri string
		var params []string
		err := grammar.Parse(grammar.FromSpec, c.input, func(n *abnf.Node) error {
			display = grammar.Text(n, grammar.KeyDisplayName)
			uri = grammar.Text(n, grammar.KeyAddrSpec)
			for _, p := range grammar.FindAll(grammar.Find(n, grammar.KeyParams), grammar.KeyGenericParam) {
				params = append(params, p.String())
			}
			return nil
		})
		if c.wantErr {
			if !errors.Is(err, grammar.ErrMalformedInput) {
				t.Errorf("grammar.Parse(FromSpec, %q) error = %v, want %v", c.input, err, grammar.ErrMalformedInput)
			}
			continue
		}
		if err != nil {
			t.Errorf("grammar.Parse(FromSpec, %q) error = %v, want nil", c.input, err)
			continue
		}
		if display != c.wantDisplay || uri != c.wantURI {
			t.Errorf("grammar.Parse(FromSpec, %q) = (%q, %q), want (%q, %q)", c.input, display, uri, c.wantDisplay, c.wantURI)
		}
		if diff := cmp.Diff(c.wantParams, params); diff != "" {
			t.Errorf("grammar.Parse(FromSpec, %q) params mismatch (-want +got):\n%s", c.input, diff)
		}
	}
}

func TestParse_Simple(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		rule  abnf.Operator
		input string
		ok    bool
	}{
		{"call-id", grammar.CallID, "a84b4c76e66710@pc33.example.com", true},
		{"call-id word only", grammar.CallID, "call-1", true},
		{"call-id two ats", grammar.CallID, "a@b@c", false},
		{"call-id space", grammar.CallID, "a b", false},
		{"cseq", grammar.CSeq, "7 INVITE", true},
		{"cseq spaces", grammar.CSeq, "7 \t INVITE", true},
		{"cseq no method", grammar.CSeq, "7", false},
		{"cseq bad number", grammar.CSeq, "x INVITE", false},
		{"max-forwards", grammar.MaxForwards, "70", true},
		{"max-forwards sign", grammar.MaxForwards, "-1", false},
	}

	for _, c := range cases {
		err := grammar.Parse(c.rule, c.input, func(*abnf.Node) error { return nil })
		if (err == nil) != c.ok {
			t.Errorf("grammar.Parse(%s, %q) error = %v, want ok %v", c.name, c.input, err, c.ok)
		}
	}
}

func TestParse_CallbackError(t *testing.T) {
	t.Parallel()

	errStop := errors.New("stop")
	err := grammar.Parse(grammar.MaxForwards, "70", func(*abnf.Node) error { return errStop })
	if !errors.Is(err, errStop) {
		t.Fatalf("grammar.Parse() error = %v, want %v", err, errStop)
	}
}

func TestIsToken(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"":            false,
		"INVITE":      true,
		"z9hG4bK.a-b": true,
		"a b":         false,
		"a/b":         false,
	}
	for in, want := range cases {
		if got := grammar.IsToken(in); got != want {
			t.Errorf("grammar.IsToken(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestUnquote(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		`"Alice"`:   "Alice",
		`"a \"b\""`: `a "b"`,
		"Bob Smith": "Bob Smith",
		`"broken`:   `"broken`,
	}
	for in, want := range cases {
		if got := grammar.Unquote(in); got != want {
			t.Errorf("grammar.Unquote(%q) = %q, want %q", in, got, want)
		}
	}
}
