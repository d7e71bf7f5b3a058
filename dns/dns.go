// Package dns resolves SIP targets to transport addresses.
//
// Targets are resolved following RFC 3263 in a reduced form: a numeric
// address or an explicit port is used as is, otherwise SRV records of the
// _sip._udp service are tried before plain A/AAAA records.
package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// Resolver wraps net.Resolver with additional DNS lookup capabilities.
type Resolver struct {
	net.Resolver

	// NameServer specifies the DNS server address (e.g., "8.8.8.8:53").
	// If empty, the system's default resolver configuration is used.
	// If set, all queries are sent to it directly.
	NameServer string
	// Timeout specifies the timeout for DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
}

// LookupIP returns the addresses of the host, IPv4 first.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if r.NameServer == "" {
		addrs, err := r.Resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		for i, a := range addrs {
			addrs[i] = a.Unmap()
		}
		sortAddrs(addrs)
		return addrs, nil
	}

	var addrs []netip.Addr
	for _, qt := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.exchange(ctx, host, qt)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, errtrace.Wrap(err)
		}
		for _, ans := range resp.Answer {
			var ip net.IP
			switch rr := ans.(type) {
			case *dns.A:
				ip = rr.A
			case *dns.AAAA:
				ip = rr.AAAA
			default:
				continue
			}
			if a, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, a.Unmap())
			}
		}
	}
	if len(addrs) == 0 {
		return nil, errtrace.Wrap(&net.DNSError{Err: "no such host", Name: host, IsNotFound: true})
	}
	sortAddrs(addrs)
	return addrs, nil
}

func sortAddrs(addrs []netip.Addr) {
	slices.SortStableFunc(addrs, func(a, b netip.Addr) int {
		return cmp.Compare(a.BitLen(), b.BitLen())
	})
}

type SRV = net.SRV

// LookupSRV returns SRV records of the service sorted by priority and weight.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	if r.NameServer == "" {
		_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return srvs, nil
	}

	resp, err := r.exchange(ctx, "_"+service+"._"+proto+"."+host, dns.TypeSRV)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	srvs := make([]*SRV, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok {
			srvs = append(srvs, &SRV{
				Target:   rr.Target,
				Port:     rr.Port,
				Priority: rr.Priority,
				Weight:   rr.Weight,
			})
		}
	}
	// lower priority first, heavier weight first within a priority
	slices.SortStableFunc(srvs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return srvs, nil
}

// NAPTR represents a NAPTR DNS record as defined in RFC 3403.
// NAPTR records are used for URI resolution, particularly in SIP (RFC 3263)
// for discovering transport protocols and services.
type NAPTR struct {
	// Order specifies the order in which NAPTR records must be processed.
	// Lower values are processed first.
	Order uint16
	// Preference specifies the preference for records with equal Order values.
	// Lower values are preferred.
	Preference uint16
	// Flags control aspects of the rewriting and interpretation of fields.
	// Common flags: "s" (SRV lookup), "a" (A/AAAA lookup), "u" (terminal URI).
	Flags string
	// Service specifies the service and protocol available.
	// For SIP: "SIP+D2U" (UDP), "SIP+D2T" (TCP), "SIP+D2S" (SCTP), "SIPS+D2T" (TLS).
	Service string
	// Regexp is a substitution expression applied to the original string.
	// Usually empty when Replacement is used.
	Regexp string
	// Replacement is the next domain name to query.
	// Usually points to an SRV record when Flags is "s".
	Replacement string
}

// LookupNAPTR queries NAPTR records for the given host.
// Returns records sorted by Order (ascending), then by Preference (ascending).
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	resp, err := r.exchange(ctx, host, dns.TypeNAPTR)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	recs := make([]*NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}

	// Sort by Order, then by Preference (RFC 3403)
	slices.SortFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})

	return recs, nil
}

// LookupAddrPort resolves a SIP target ("host", "host:port", "ip" or "ip:port")
// to a single UDP destination.
// A target without port is looked up in _sip._udp SRV records first,
// the first address of the host with defPort is used if there are none.
func (r *Resolver) LookupAddrPort(ctx context.Context, target string, defPort uint16) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(target); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	if a, err := netip.ParseAddr(target); err == nil {
		return netip.AddrPortFrom(a.Unmap(), defPort), nil
	}

	host, port := target, uint16(0)
	if h, p, err := net.SplitHostPort(target); err == nil {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return netip.AddrPort{}, errtrace.Wrap(&net.AddrError{Err: "invalid port", Addr: target})
		}
		host, port = h, uint16(n)
	}

	if port == 0 {
		srvs, err := r.LookupSRV(ctx, "sip", "udp", host)
		if err != nil && !isNotFound(err) {
			return netip.AddrPort{}, errtrace.Wrap(err)
		}
		for _, srv := range srvs {
			addrs, err := r.LookupIP(ctx, srv.Target)
			if err != nil || len(addrs) == 0 {
				continue
			}
			return netip.AddrPortFrom(addrs[0], srv.Port), nil
		}
		port = defPort
	}

	addrs, err := r.LookupIP(ctx, host)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}
	return netip.AddrPortFrom(addrs[0], port), nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}
	return resp, nil
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return false
	}
	return dnsErr.IsNotFound
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}

	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var defResolver = &Resolver{}

func DefaultResolver() *Resolver { return defResolver }

func LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	return errtrace.Wrap2(defResolver.LookupIP(ctx, host))
}

func LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	return errtrace.Wrap2(defResolver.LookupSRV(ctx, service, proto, host))
}

func LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	return errtrace.Wrap2(defResolver.LookupNAPTR(ctx, host))
}

func LookupAddrPort(ctx context.Context, target string, defPort uint16) (netip.AddrPort, error) {
	return errtrace.Wrap2(defResolver.LookupAddrPort(ctx, target, defPort))
}
