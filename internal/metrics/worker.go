package metrics

// JanitorCompleted records a successful sweep and the receipts it removed
func JanitorCompleted(pruned int64) {
	JanitorRunsTotal.WithLabelValues("completed").Inc()
	BillingEventsPruned.Add(float64(pruned))
}

// JanitorFailed records a failed sweep
func JanitorFailed() {
	JanitorRunsTotal.WithLabelValues("failed").Inc()
}

// AIUsage records token usage and cost for one generation call
func AIUsage(inputTokens, outputTokens, costCents int) {
	AITokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	AITokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	AICostCentsTotal.Add(float64(costCents))
}
