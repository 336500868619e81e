package validation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blockadesystems/acmeforge/internal/model"
)

type engineMetrics struct {
	validations *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	return &engineMetrics{
		validations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "acmeforge_challenge_validations_total",
			Help: "Challenge validation attempts by type and outcome.",
		}, []string{"type", "outcome", "problem"}),
		latency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acmeforge_challenge_validation_seconds",
			Help:    "Challenge validation latency by type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

func (m *engineMetrics) observe(typ model.ChallengeType, result Result, elapsed time.Duration) {
	problem := ""
	if result.Problem != nil {
		problem = string(result.Problem.Type)
	}
	m.validations.WithLabelValues(string(typ), string(result.Outcome), problem).Inc()
	m.latency.WithLabelValues(string(typ)).Observe(elapsed.Seconds())
}
