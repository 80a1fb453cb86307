package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submission outcomes
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
	outcomeAbandoned = "abandoned"
	outcomeLate      = "late_ignored"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dermin_analysis_submissions_total",
			Help: "Analysis submissions by outcome.",
		},
		[]string{"outcome"},
	)
	uploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dermin_analysis_upload_duration_seconds",
			Help:    "Time from upload start to a backend answer.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)
	resultCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dermin_analysis_result_cache_total",
			Help: "Analysis result lookups by cache outcome.",
		},
		[]string{"outcome"},
	)
)
