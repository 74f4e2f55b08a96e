package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "decisions_total",
		Help:      "Total attendance decisions by final status",
	}, []string{"status"})

	VetoesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "vetoes_total",
		Help:      "Total face-verification vetoes by reason",
	}, []string{"reason"})

	CheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attendance",
		Name:      "check_duration_seconds",
		Help:      "Duration of individual verification checks",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"check"})

	SpoofScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendance",
		Name:      "spoof_score",
		Help:      "Distribution of spoofing risk scores",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	EnrollmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "enrollments_total",
		Help:      "Total face enrollment jobs by result",
	}, []string{"result"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attendance",
		Name:      "queue_depth",
		Help:      "Number of pending jobs in the work queue",
	})
)

// TimeCheck times one verification check; defer the returned func.
func TimeCheck(check string) func() {
	start := time.Now()
	return func() {
		CheckDuration.WithLabelValues(check).Observe(time.Since(start).Seconds())
	}
}
