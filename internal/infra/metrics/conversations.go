package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(conversationOpsTotal, tokensMeteredTotal, queriesRateLimitedTotal)
}

var (
	conversationOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_operations_total",
			Help: "Conversation engine operations by name and outcome kind.",
		},
		[]string{"op", "result"}, // result: ok | invalid | not_found | unprocessable | internal
	)

	tokensMeteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_tokens_metered_total",
			Help: "Tokens added to conversation totals by successful queries.",
		},
	)

	queriesRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_queries_rate_limited_total",
			Help: "Queries rejected by the per-conversation rate limiter.",
		},
	)
)

func IncConversationOp(op, result string) {
	conversationOpsTotal.WithLabelValues(norm(op), norm(result)).Inc()
}

func AddTokensMetered(n int64) {
	if n > 0 {
		tokensMeteredTotal.Add(float64(n))
	}
}

func IncQueryRateLimited() { queriesRateLimitedTotal.Inc() }
