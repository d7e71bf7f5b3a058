package grammar

import (
	"strconv"

	"github.com/ghettovoice/abnf"
)

// Node keys used by the header builders.
const (
	KeyViaParm      = "via-parm"
	KeyProtoName    = "protocol-name"
	KeyProtoVersion = "protocol-version"
	KeyTransport    = "transport"
	KeyHost         = "host"
	KeyPort         = "port"
	KeyParams       = "params"
	KeyGenericParam = "generic-param"
	KeyParamName    = "pname"
	KeyGenValue     = "gen-value"
	KeyDisplayName  = "display-name"
	KeyAddrSpec     = "addr-spec"
	KeySeq          = "seq"
	KeyMethod       = "Method"
)

func lit(s string) abnf.Operator { return abnf.Literal(strconv.Quote(s), []byte(s)) }

func rng(lo, hi byte) abnf.Operator {
	return abnf.Range("%x"+strconv.FormatUint(uint64(lo), 16)+"-"+strconv.FormatUint(uint64(hi), 16), []byte{lo}, []byte{hi})
}

// oneOf matches a single byte of set.
func oneOf(key, set string) abnf.Operator {
	ops := make([]abnf.Operator, len(set))
	for i := range len(set) {
		ops[i] = lit(set[i : i+1])
	}
	return abnf.Alt(key, ops[0], ops[1:]...)
}

// core rules, RFC 5234 appendix B
var (
	alpha    = abnf.Alt("ALPHA", rng(0x41, 0x5A), rng(0x61, 0x7A))
	digit    = rng(0x30, 0x39)
	hexdig   = abnf.Alt("HEXDIG", digit, rng(0x41, 0x46), rng(0x61, 0x66))
	dquote   = lit(`"`)
	wsp      = abnf.Alt("WSP", lit(" "), lit("\t"))
	alphanum = abnf.Alt("alphanum", alpha, digit)
)

// RFC 3261 section 25.1 basic rules
var (
	lws   = abnf.Repeat1Inf("LWS", wsp)
	sws   = abnf.Repeat0Inf("SWS", wsp)
	semi  = abnf.Concat("SEMI", sws, lit(";"), sws)
	comma = abnf.Concat("COMMA", sws, lit(","), sws)
	slash = abnf.Concat("SLASH", sws, lit("/"), sws)
	equal = abnf.Concat("EQUAL", sws, lit("="), sws)
	colon = abnf.Concat("COLON", sws, lit(":"), sws)

	tokenChar = abnf.Alt("token-char", alphanum, oneOf("mark", "-.!%*_+`'~"))
	token     = tokenAs("token")

	word = abnf.Repeat1Inf("word", abnf.Alt("word-char", alphanum, oneOf("mark", "-.!%*_+`'~()<>:\\\"/[]?{}")))

	quotedPair   = abnf.Concat("quoted-pair", lit(`\`), abnf.Alt("", rng(0x00, 0x09), rng(0x0B, 0x0C), rng(0x0E, 0x7F)))
	qdtext       = abnf.Alt("qdtext", wsp, lit("!"), rng(0x23, 0x5B), rng(0x5D, 0x7E), rng(0x80, 0xFF))
	quotedString = abnf.Concat("quoted-string", sws, dquote, abnf.Repeat0Inf("", abnf.Alt("", qdtext, quotedPair)), dquote)

	ipv6Reference = abnf.Concat("IPv6reference", lit("["), abnf.Repeat1Inf("", abnf.Alt("", hexdig, lit(":"), lit("."))), lit("]"))
	// hostname also covers IPv4address
	hostname = abnf.Repeat1Inf("hostname", abnf.Alt("", alphanum, lit("-"), lit(".")))
	host     = abnf.AltFirst(KeyHost, ipv6Reference, hostname)
	port     = abnf.Repeat1Inf(KeyPort, digit)
	sentBy   = abnf.Concat("sent-by", host, abnf.Optional("", abnf.Concat("", colon, port)))

	genValue     = abnf.AltFirst(KeyGenValue, quotedString, ipv6Reference, token)
	genericParam = abnf.Concat(KeyGenericParam, tokenAs(KeyParamName), abnf.Optional("", abnf.Concat("", equal, genValue)))
	params       = abnf.Repeat0Inf(KeyParams, abnf.Concat("", semi, genericParam))
)

func tokenAs(key string) abnf.Operator { return abnf.Repeat1Inf(key, tokenChar) }

// Header values.
var (
	sentProtocol = abnf.Concat("sent-protocol",
		tokenAs(KeyProtoName), slash,
		tokenAs(KeyProtoVersion), slash,
		tokenAs(KeyTransport),
	)
	viaParm = abnf.Concat(KeyViaParm, sentProtocol, lws, sentBy, params)

	// Via matches: via-parm *(COMMA via-parm)
	Via = abnf.Concat("Via", viaParm, abnf.Repeat0Inf("", abnf.Concat("", comma, viaParm)))

	displayName = abnf.AltFirst(KeyDisplayName,
		quotedString,
		abnf.Concat("", token, abnf.Repeat0Inf("", abnf.Concat("", lws, token))),
	)
	// any visible char but ">" inside the brackets
	uriInBrackets = abnf.Repeat1Inf(KeyAddrSpec, abnf.Alt("", rng(0x21, 0x3D), rng(0x3F, 0x7E), rng(0x80, 0xFF)))
	// a bare URI ends at the first header parameter
	bareURI  = abnf.Repeat1Inf(KeyAddrSpec, abnf.Alt("", lit("!"), rng(0x23, 0x2B), rng(0x2D, 0x3A), lit("="), rng(0x3F, 0x7E), rng(0x80, 0xFF)))
	nameAddr = abnf.Concat("name-addr",
		abnf.Optional("", displayName),
		abnf.Concat("LAQUOT", sws, lit("<")),
		uriInBrackets,
		abnf.Concat("RAQUOT", lit(">"), sws),
	)

	// FromSpec matches the From and To values: (name-addr / addr-spec) *(SEMI param)
	FromSpec = abnf.Concat("from-spec", abnf.AltFirst("", nameAddr, bareURI), params)

	// CallID matches: word ["@" word]
	CallID = abnf.Concat("callid", word, abnf.Optional("", abnf.Concat("", lit("@"), word)))

	// CSeq matches: 1*DIGIT LWS Method
	CSeq = abnf.Concat("CSeq", abnf.Repeat1Inf(KeySeq, digit), lws, tokenAs(KeyMethod))

	// MaxForwards matches: 1*DIGIT
	MaxForwards = abnf.Repeat1Inf("Max-Forwards", digit)
)
