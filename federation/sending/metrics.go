package sending

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "homeserver",
			Subsystem: "sending",
			Name:      "transactions_total",
			Help:      "Number of outbound transactions attempted with labels for destination kind and outcome",
		},
		[]string{"kind", "outcome"}, // kind: "normal"/"appservice"/"push"; outcome: "success"/"failure"
	)
	transactionDuration = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: "homeserver",
			Subsystem: "sending",
			Name:      "transaction_duration_seconds",
			Help:      "How long one outbound transaction takes per destination kind",
		},
		[]string{"kind"},
	)
	backoffDestinations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "homeserver",
			Subsystem: "sending",
			Name:      "backing_off_destinations",
			Help:      "Number of destinations currently in a backoff window",
		},
	)
)

func init() {
	prometheus.MustRegister(transactionsTotal, transactionDuration, backoffDestinations)
}

func destKindLabel(k DestinationKind) string {
	switch k {
	case Appservice:
		return "appservice"
	case Push:
		return "push"
	default:
		return "normal"
	}
}

func observeTransaction(kind DestinationKind, start time.Time, err error) {
	label := destKindLabel(kind)
	transactionDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		transactionsTotal.WithLabelValues(label, "failure").Inc()
		return
	}
	transactionsTotal.WithLabelValues(label, "success").Inc()
}
