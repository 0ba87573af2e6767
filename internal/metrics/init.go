package metrics

// InitializeMetrics pre-populates the expected label combinations so every
// metric is exported from the first scrape. Call once at startup.
func InitializeMetrics() {
	for _, r := range []string{"primary", "secondary", "single"} {
		for _, s := range []string{"success", "error", "timeout", "rate_limited"} {
			FetchAttemptsTotal.WithLabelValues(r, s)
		}
	}
	for _, reason := range []string{"generic", "rate_limited"} {
		FetchBackoffSeconds.WithLabelValues(reason)
	}
	for _, src := range []string{"reported", "heuristic", "unknown", "cache"} {
		SizeEstimatesTotal.WithLabelValues(src)
	}
	for _, r := range []string{"hit", "miss"} {
		ProbeCacheLookups.WithLabelValues(r)
	}
	for _, strategy := range []string{"single_pass", "two_pass"} {
		CompressionsTotal.WithLabelValues(strategy, "success")
		CompressionsTotal.WithLabelValues(strategy, "error")
	}
	for _, kind := range []string{"convert", "compress", "fetch_dual", "fetch_single"} {
		for _, s := range []string{"completed", "failed", "cancelled"} {
			JobsTotal.WithLabelValues(kind, s)
		}
		JobDuration.WithLabelValues(kind)
	}
}
