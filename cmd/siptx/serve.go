package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/voipkit/siptx/sip"
	"github.com/voipkit/siptx/sip/transport"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		status int
		ring   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a UDP user agent server answering every request",
		Long: `Run a UDP user agent server. Every request gets the final response given by
--status. INVITE requests are answered with 180 Ringing first, the final
response follows after --ring. A CANCEL of a pending INVITE gets 487.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sts := sip.ResponseStatus(status)
			if sts < 200 || !sts.IsValid() {
				return fmt.Errorf("invalid final status %d", status)
			}
			return a.serve(cmd.Context(), sts, ring)
		},
	}

	fs := cmd.Flags()
	fs.String("listen", "", "Listen address (default 0.0.0.0:5060)")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.IntVar(&status, "status", int(sip.ResponseStatusOK), "Final response status code")
	fs.DurationVar(&ring, "ring", time.Second, "Delay between 180 Ringing and the final INVITE response")
	bindFlag(a.v, fs, "listen", "listen")
	bindFlag(a.v, fs, "metrics-addr", "metrics.addr")
	return cmd
}

func (a *app) serve(ctx context.Context, final sip.ResponseStatus, ring time.Duration) error {
	tp, err := transport.ListenUDP(ctx, a.cfg.ListenAddr(), &transport.UDPOptions{Logger: a.log})
	if err != nil {
		return err
	}
	defer tp.Close()

	stats := new(sip.StatsRecorder)
	opts := a.cfg.ManagerOptions()
	opts.Logger = a.log
	opts.Stats = stats
	mgr := sip.NewTransactionManager(tp, opts)
	defer mgr.Close(context.Background()) //nolint:errcheck

	if addr := a.cfg.Metrics.Addr; addr != "" {
		stop, err := serveMetrics(addr, stats, a.log)
		if err != nil {
			return err
		}
		defer stop()
	}

	srv := &uas{mgr: mgr, final: final, ring: ring, log: a.log}
	sub := mgr.SubscribeAll()
	defer sub.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- tp.Serve(ctx, mgr.HandleMessage) }()

	a.log.Info("user agent server started", "local_addr", tp.LocalAddr(), "final_status", final)

	err = srv.run(ctx, sub)
	tp.Close()
	if serr := <-serveErr; err == nil && !errors.Is(serr, sip.ErrTransportClosed) && !errors.Is(serr, context.Canceled) {
		err = serr
	}
	a.log.Info("user agent server stopped", "stats", stats.Report())
	return err
}

func serveMetrics(addr string, stats *sip.StatsRecorder, logger *slog.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(stats); err != nil {
		return nil, err
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics server started", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck
	}, nil
}

// uas answers every new server transaction.
type uas struct {
	mgr   *sip.TransactionManager
	final sip.ResponseStatus
	ring  time.Duration
	log   *slog.Logger

	// To tags of pending transactions
	tags sync.Map
	wg   sync.WaitGroup
}

// run handles events until ctx is done or the subscription is closed.
func (s *uas) run(ctx context.Context, sub *sip.Subscription) error {
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			s.handle(ctx, evt)
		}
	}
}

func (s *uas) handle(ctx context.Context, evt sip.Event) {
	switch evt.Kind {
	case sip.EventNewRequest:
		s.log.Info("request received", "key", evt.Key, "request", evt.Request, "source", evt.Source)
		if evt.Request.Method.Equal(sip.RequestMethodInvite) {
			s.wg.Go(func() { s.answerInvite(ctx, evt.Key, evt.Request) })
			return
		}
		s.respond(ctx, evt.Key, evt.Request, s.final)
	case sip.EventCancelReceived:
		req, err := s.mgr.TransactionRequest(evt.Key)
		if err != nil {
			s.log.Debug("canceled transaction is gone", "key", evt.Key, "error", err)
			return
		}
		s.respond(ctx, evt.Key, req, sip.ResponseStatusRequestTerminated)
	case sip.EventTransactionTerminated:
		s.tags.Delete(evt.Key)
	case sip.EventUnmatchedAck:
		s.log.Info("ACK received", "request", evt.Request, "source", evt.Source)
	case sip.EventTransactionTimeout, sip.EventTransportError:
		s.log.Warn("transaction failed", "event", evt)
	default:
		s.log.Debug("transaction event", "event", evt)
	}
}

func (s *uas) answerInvite(ctx context.Context, key sip.TransactionKey, req *sip.Request) {
	if !s.respond(ctx, key, req, sip.ResponseStatusRinging) {
		return
	}

	t := time.NewTimer(s.ring)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	if st, err := s.mgr.TransactionState(key); err != nil || st != sip.TransactionStateProceeding {
		// canceled meanwhile
		return
	}
	s.respond(ctx, key, req, s.final)
}

func (s *uas) respond(ctx context.Context, key sip.TransactionKey, req *sip.Request, sts sip.ResponseStatus) bool {
	tag, _ := s.tags.LoadOrStore(key, sip.GenerateTag())
	res, err := req.NewResponse(sts, &sip.ResponseOptions{LocalTag: tag.(string)}) //nolint:forcetypeassert
	if err != nil {
		s.log.Error("failed to build response", "key", key, "status", sts, "error", err)
		return false
	}
	if err := s.mgr.SendResponse(ctx, key, res); err != nil {
		s.log.Debug("failed to send response", "key", key, "status", sts, "error", err)
		return false
	}
	return true
}
