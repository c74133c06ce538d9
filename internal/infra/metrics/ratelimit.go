package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(rateLimitChecksTotal, tokensRecordedTotal)
}

var rateLimitChecksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limit_checks_total",
		Help: "Admission checks, labeled by outcome.",
	},
	[]string{"outcome"}, // 'allowed', 'warned', 'blocked'
)

var tokensRecordedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tokens_recorded_total",
		Help: "Sum of tokens appended to the usage ledger.",
	},
)

func IncRateLimitCheck(outcome string) {
	rateLimitChecksTotal.WithLabelValues(norm(outcome)).Inc()
}

func AddTokensRecorded(n int64) {
	if n > 0 {
		tokensRecordedTotal.Add(float64(n))
	}
}
