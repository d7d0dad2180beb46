package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		aiTokensIn,
		aiTokensOut,
		aiCallsLatencyMs,
		aiCallsInFlight,
	)
}

var (
	aiTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_in",
			Help: "Sum of prompt (input) tokens per provider/model, as reported by the provider.",
		},
		[]string{"provider", "model"},
	)

	aiTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_out",
			Help: "Sum of completion (output) tokens per provider/model, as reported by the provider.",
		},
		[]string{"provider", "model"},
	)

	aiCallsLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_calls_latency_ms",
			Help:    "Completion call latency distribution in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3000, 5000, 10000, 30000},
		},
		[]string{"provider", "model", "success"},
	)

	aiCallsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ai_calls_in_flight",
			Help: "Completion calls currently holding a concurrency slot.",
		},
	)
)

func ObserveCompletion(provider, model string, tokensIn, tokensOut int, latencyMs int64, success bool) {
	lbl := []string{norm(provider), norm(model)}
	if tokensIn > 0 {
		aiTokensIn.WithLabelValues(lbl...).Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		aiTokensOut.WithLabelValues(lbl...).Add(float64(tokensOut))
	}
	aiCallsLatencyMs.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}

func IncAIInFlight() { aiCallsInFlight.Inc() }
func DecAIInFlight() { aiCallsInFlight.Dec() }
