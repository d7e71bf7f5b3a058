package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/voipkit/siptx/dns"
	"github.com/voipkit/siptx/internal/errorutil"
	"github.com/voipkit/siptx/sip"
	"github.com/voipkit/siptx/sip/transport"
)

const (
	// errRequestFailed is returned when the request gets a non-2xx final response.
	errRequestFailed errorutil.Error = "request failed"
	// errRequestTimeout is returned when Timer B or F fires.
	errRequestTimeout errorutil.Error = "request timed out"
)

func newSendCmd(a *app) *cobra.Command {
	var (
		method  string
		local   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send TARGET",
		Short: "Send a request and print the responses",
		Long: `Send a request over UDP and print every response received by the client
transaction. TARGET is a SIP URI or a host with optional port, e.g.
sip:bob@example.com or 192.0.2.10:5070. Hosts without a port are resolved
with SRV records first. A 2xx response to INVITE is acknowledged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return a.send(ctx, sip.RequestMethod(strings.ToUpper(method)), args[0], local, cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&method, "method", "X", string(sip.RequestMethodOptions), "Request method")
	fs.StringVar(&local, "local", "", "Local address to send from (default outbound address, random port)")
	fs.DurationVar(&timeout, "timeout", 0, "Overall timeout, transaction timers apply if zero")
	return cmd
}

func (a *app) send(ctx context.Context, method sip.RequestMethod, target, local string, w io.Writer) error {
	uri, host := parseTarget(target)

	r := &dns.Resolver{NameServer: a.cfg.DNS.NameServer, Timeout: a.cfg.DNS.Timeout}
	dst, err := r.LookupAddrPort(ctx, host, transport.UDPDefaultPort)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}

	laddr, err := localAddr(local, dst)
	if err != nil {
		return err
	}
	tp, err := transport.ListenUDP(ctx, laddr, &transport.UDPOptions{Logger: a.log})
	if err != nil {
		return err
	}
	defer tp.Close()

	opts := a.cfg.ManagerOptions()
	opts.Logger = a.log
	mgr := sip.NewTransactionManager(tp, opts)
	defer mgr.Close(context.Background()) //nolint:errcheck

	go tp.Serve(ctx, mgr.HandleMessage) //nolint:errcheck

	req := sip.NewRequest(method, uri)
	req.Headers.Set(&sip.From{NameAddr: sip.NameAddr{URI: "sip:siptx@" + tp.LocalAddr().String()}})
	req.Headers.Set(&sip.To{NameAddr: sip.NameAddr{URI: uri}})

	a.log.Debug("sending request", "method", method, "uri", uri, "destination", dst)
	return runRequest(ctx, mgr, tp, req, dst, w)
}

// runRequest runs a client transaction for req and prints its responses to w.
// A 2xx response to INVITE is acknowledged through tp.
func runRequest(
	ctx context.Context,
	mgr *sip.TransactionManager,
	tp sip.Transport,
	req *sip.Request,
	dst netip.AddrPort,
	w io.Writer,
) error {
	key, err := mgr.CreateClientTransaction(ctx, req, dst)
	if err != nil {
		return err
	}
	// the prepared copy, needed for the ACK after the transaction is gone
	sent, err := mgr.TransactionRequest(key)
	if err != nil {
		return err
	}
	sub, err := mgr.Subscribe(key)
	if err != nil {
		return err
	}
	defer sub.Close()

	fmt.Fprintf(w, "> %s\n", sent.StartLine())
	if err := mgr.SendRequest(ctx, key); err != nil {
		return err
	}

	var result error
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				return result
			}
			switch evt.Kind {
			case sip.EventProvisionalResponse, sip.EventSuccessResponse, sip.EventFailureResponse:
				fmt.Fprintf(w, "< %s\n", evt.Response.StartLine())
			}

			switch evt.Kind {
			case sip.EventSuccessResponse:
				if sent.Method.Equal(sip.RequestMethodInvite) {
					if err := sendAck(ctx, tp, sent, evt.Response, dst); err != nil {
						result = fmt.Errorf("send ACK: %w", err)
					} else {
						fmt.Fprintf(w, "> ACK %s\n", sent.URI)
					}
				}
			case sip.EventFailureResponse:
				result = fmt.Errorf("%w: %d %s", errRequestFailed, evt.Response.Status, evt.Response.Reason)
			case sip.EventTransactionTimeout:
				result = fmt.Errorf("%w: %s", errRequestTimeout, evt.Timer)
			case sip.EventTransportError:
				result = evt.Err
			case sip.EventTransactionTerminated:
				return result
			}
		}
	}
}

// sendAck sends the ACK for a 2xx response. It is a separate transaction,
// so it gets its own branch.
func sendAck(ctx context.Context, tp sip.Transport, invite *sip.Request, res *sip.Response, dst netip.AddrPort) error {
	ack, err := sip.NewAckRequest(invite, res)
	if err != nil {
		return err
	}
	if hop, ok := ack.Headers.FirstVia(); ok {
		hop.Params = hop.Params.Set("branch", sip.GenerateBranch())
	}
	return tp.Send(ctx, ack, dst)
}

// parseTarget returns the request URI and the host[:port] part of target.
func parseTarget(target string) (uri, host string) {
	uri = target
	if !strings.HasPrefix(strings.ToLower(uri), "sip:") {
		uri = "sip:" + uri
	}

	host = uri[len("sip:"):]
	if i := strings.LastIndexByte(host, '@'); i >= 0 {
		host = host[i+1:]
	}
	if i := strings.IndexAny(host, ";?"); i >= 0 {
		host = host[:i]
	}
	return uri, host
}

// localAddr parses local, or picks the outbound address towards dst.
func localAddr(local string, dst netip.AddrPort) (netip.AddrPort, error) {
	if local != "" {
		if ap, err := netip.ParseAddrPort(local); err == nil {
			return ap, nil
		}
		ip, err := netip.ParseAddr(local)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("invalid local address %q", local)
		}
		return netip.AddrPortFrom(ip, 0), nil
	}

	// no packets are sent by connecting a UDP socket
	conn, err := net.Dial("udp", dst.String())
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer conn.Close()
	ap := conn.LocalAddr().(*net.UDPAddr).AddrPort() //nolint:forcetypeassert
	return netip.AddrPortFrom(ap.Addr().Unmap(), 0), nil
}
