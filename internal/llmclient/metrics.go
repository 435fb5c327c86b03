package llmclient

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "essayd",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Chat completions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	requestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "essayd",
			Subsystem: "llm",
			Name:      "request_seconds",
			Help:      "Blocking chat completion latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	fanoutInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "essayd",
			Subsystem: "llm",
			Name:      "fanout_inflight",
			Help:      "Fan-out requests currently in flight",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestSeconds, fanoutInflight)
}
