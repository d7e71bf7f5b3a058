package sip

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type StatsReport struct {
	Time         time.Time        `json:"time"`
	Transactions TransactionStats `json:"transactions"`
	// Timeouts is a number of transactions terminated by Timer B, F or H.
	Timeouts uint64 `json:"timeouts"`
	// TransportErrors is a number of failed sends.
	TransportErrors uint64 `json:"transport_errors"`
	// Retransmissions is a number of retransmitted requests and responses.
	Retransmissions uint64 `json:"retransmissions"`
	// DroppedEvents is a number of events dropped because of slow subscribers.
	DroppedEvents uint64 `json:"dropped_events"`
}

type TransactionStats struct {
	// InviteClientTransactions is a number of active invite client transactions.
	InviteClientTransactions uint64 `json:"invite_client_transactions"`
	// NonInviteClientTransactions is a number of active non-invite client transactions.
	NonInviteClientTransactions uint64 `json:"non_invite_client_transactions"`
	// InviteServerTransactions is a number of active invite server transactions.
	InviteServerTransactions uint64 `json:"invite_server_transactions"`
	// NonInviteServerTransactions is a number of active non-invite server transactions.
	NonInviteServerTransactions uint64 `json:"non_invite_server_transactions"`
	// InviteClientTransactionsTotal is a total number of created invite client transactions.
	InviteClientTransactionsTotal uint64 `json:"invite_client_transactions_total"`
	// NonInviteClientTransactionsTotal is a total number of created non-invite client transactions.
	NonInviteClientTransactionsTotal uint64 `json:"non_invite_client_transactions_total"`
	// InviteServerTransactionsTotal is a total number of created invite server transactions.
	InviteServerTransactionsTotal uint64 `json:"invite_server_transactions_total"`
	// NonInviteServerTransactionsTotal is a total number of created non-invite server transactions.
	NonInviteServerTransactionsTotal uint64 `json:"non_invite_server_transactions_total"`
}

// StatsRecorder records transaction layer statistics.
// The zero value is ready to use. It implements [prometheus.Collector].
type StatsRecorder struct {
	invClnTxs,
	invSrvTxs,
	ninvClnTxs,
	ninvSrvTxs atomic.Int64

	invClnTxsTotal,
	invSrvTxsTotal,
	ninvClnTxsTotal,
	ninvSrvTxsTotal atomic.Uint64

	timeouts,
	transpErrs,
	retrans,
	dropped atomic.Uint64
}

// Report returns statistics report.
// Call this function periodically to get updated values.
func (rcdr *StatsRecorder) Report() StatsReport {
	if rcdr == nil {
		return StatsReport{Time: time.Now()}
	}
	return StatsReport{
		Time: time.Now(),
		Transactions: TransactionStats{
			InviteClientTransactions:         uint64(max(rcdr.invClnTxs.Load(), 0)),
			NonInviteClientTransactions:      uint64(max(rcdr.ninvClnTxs.Load(), 0)),
			InviteServerTransactions:         uint64(max(rcdr.invSrvTxs.Load(), 0)),
			NonInviteServerTransactions:      uint64(max(rcdr.ninvSrvTxs.Load(), 0)),
			InviteClientTransactionsTotal:    rcdr.invClnTxsTotal.Load(),
			NonInviteClientTransactionsTotal: rcdr.ninvClnTxsTotal.Load(),
			InviteServerTransactionsTotal:    rcdr.invSrvTxsTotal.Load(),
			NonInviteServerTransactionsTotal: rcdr.ninvSrvTxsTotal.Load(),
		},
		Timeouts:        rcdr.timeouts.Load(),
		TransportErrors: rcdr.transpErrs.Load(),
		Retransmissions: rcdr.retrans.Load(),
		DroppedEvents:   rcdr.dropped.Load(),
	}
}

func (rcdr *StatsRecorder) counters(typ TransactionType) (*atomic.Int64, *atomic.Uint64) {
	switch typ {
	case TransactionTypeClientInvite:
		return &rcdr.invClnTxs, &rcdr.invClnTxsTotal
	case TransactionTypeClientNonInvite:
		return &rcdr.ninvClnTxs, &rcdr.ninvClnTxsTotal
	case TransactionTypeServerInvite:
		return &rcdr.invSrvTxs, &rcdr.invSrvTxsTotal
	case TransactionTypeServerNonInvite:
		return &rcdr.ninvSrvTxs, &rcdr.ninvSrvTxsTotal
	default:
		return nil, nil
	}
}

func (rcdr *StatsRecorder) transactionCreated(typ TransactionType) {
	if rcdr == nil {
		return
	}
	if active, total := rcdr.counters(typ); active != nil {
		active.Add(1)
		total.Add(1)
	}
}

func (rcdr *StatsRecorder) transactionTerminated(typ TransactionType) {
	if rcdr == nil {
		return
	}
	if active, _ := rcdr.counters(typ); active != nil {
		active.Add(-1)
	}
}

func (rcdr *StatsRecorder) transactionTimedOut() {
	if rcdr != nil {
		rcdr.timeouts.Add(1)
	}
}

func (rcdr *StatsRecorder) transportError() {
	if rcdr != nil {
		rcdr.transpErrs.Add(1)
	}
}

func (rcdr *StatsRecorder) retransmission() {
	if rcdr != nil {
		rcdr.retrans.Add(1)
	}
}

func (rcdr *StatsRecorder) eventDropped() {
	if rcdr != nil {
		rcdr.dropped.Add(1)
	}
}

var (
	statsActiveDesc = prometheus.NewDesc(
		"siptx_transactions_active",
		"Number of active transactions.",
		[]string{"type"}, nil,
	)
	statsTotalDesc = prometheus.NewDesc(
		"siptx_transactions_total",
		"Number of created transactions.",
		[]string{"type"}, nil,
	)
	statsTimeoutsDesc = prometheus.NewDesc(
		"siptx_transaction_timeouts_total",
		"Number of transactions terminated by timeout.",
		nil, nil,
	)
	statsTranspErrsDesc = prometheus.NewDesc(
		"siptx_transport_errors_total",
		"Number of failed message sends.",
		nil, nil,
	)
	statsRetransDesc = prometheus.NewDesc(
		"siptx_retransmissions_total",
		"Number of retransmitted messages.",
		nil, nil,
	)
	statsDroppedDesc = prometheus.NewDesc(
		"siptx_dropped_events_total",
		"Number of events dropped for slow subscribers.",
		nil, nil,
	)
)

// Describe implements [prometheus.Collector].
func (rcdr *StatsRecorder) Describe(ch chan<- *prometheus.Desc) {
	ch <- statsActiveDesc
	ch <- statsTotalDesc
	ch <- statsTimeoutsDesc
	ch <- statsTranspErrsDesc
	ch <- statsRetransDesc
	ch <- statsDroppedDesc
}

// Collect implements [prometheus.Collector].
func (rcdr *StatsRecorder) Collect(ch chan<- prometheus.Metric) {
	r := rcdr.Report()
	txs := r.Transactions

	for _, m := range []struct {
		typ           TransactionType
		active, total uint64
	}{
		{TransactionTypeClientInvite, txs.InviteClientTransactions, txs.InviteClientTransactionsTotal},
		{TransactionTypeClientNonInvite, txs.NonInviteClientTransactions, txs.NonInviteClientTransactionsTotal},
		{TransactionTypeServerInvite, txs.InviteServerTransactions, txs.InviteServerTransactionsTotal},
		{TransactionTypeServerNonInvite, txs.NonInviteServerTransactions, txs.NonInviteServerTransactionsTotal},
	} {
		ch <- prometheus.MustNewConstMetric(statsActiveDesc, prometheus.GaugeValue, float64(m.active), string(m.typ))
		ch <- prometheus.MustNewConstMetric(statsTotalDesc, prometheus.CounterValue, float64(m.total), string(m.typ))
	}
	ch <- prometheus.MustNewConstMetric(statsTimeoutsDesc, prometheus.CounterValue, float64(r.Timeouts))
	ch <- prometheus.MustNewConstMetric(statsTranspErrsDesc, prometheus.CounterValue, float64(r.TransportErrors))
	ch <- prometheus.MustNewConstMetric(statsRetransDesc, prometheus.CounterValue, float64(r.Retransmissions))
	ch <- prometheus.MustNewConstMetric(statsDroppedDesc, prometheus.CounterValue, float64(r.DroppedEvents))
}
