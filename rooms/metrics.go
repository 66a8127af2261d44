package rooms

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	appendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "homeserver",
			Subsystem: "rooms",
			Name:      "append_pdus_total",
			Help:      "Number of build_and_append_pdu calls with labels for outcome",
		},
		[]string{"outcome"}, // "appended", "forbidden", "error"
	)
	appendDuration = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: "homeserver",
			Subsystem: "rooms",
			Name:      "append_pdu_duration_seconds",
			Help:      "How long build_and_append_pdu takes per outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(appendTotal, appendDuration)
}

func observeAppend(start time.Time, outcome string) {
	appendTotal.WithLabelValues(outcome).Inc()
	appendDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
