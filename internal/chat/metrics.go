package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dermin_chat_messages_total",
			Help: "Chat sends by context kind and outcome.",
		},
		[]string{"context", "outcome"},
	)
	replyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dermin_chat_reply_duration_seconds",
			Help:    "Time from send to reply or fallback.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"context"},
	)
	historyFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dermin_chat_history_failures_total",
		Help: "Transcript loads that failed and opened an empty thread.",
	})
)
