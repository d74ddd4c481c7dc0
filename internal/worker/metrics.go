package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/leo-guinan/loveops-world-model/internal/model"
	"github.com/leo-guinan/loveops-world-model/internal/queue"
)

const namespace = "vibequeue"

type Metrics struct {
	Claimed         *prometheus.CounterVec
	Completed       *prometheus.CounterVec
	Failed          *prometheus.CounterVec // queue, outcome (retry|dead)
	Promoted        *prometheus.CounterVec
	Reaped          *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	Jobs            *prometheus.GaugeVec // queue, state
}

// NewMetrics builds the processor's collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs moved from ready to in_progress.",
		}, []string{"queue"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs whose handler succeeded.",
		}, []string{"queue"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Failed attempts by outcome.",
		}, []string{"queue", "outcome"}),
		Promoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_promoted_total",
			Help:      "Scheduled jobs promoted to ready.",
		}, []string{"queue"}),
		Reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reaped_total",
			Help:      "Expired in_progress jobs returned to ready.",
		}, []string{"queue"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler run time per job.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		Jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Records per queue and state, sampled by the scheduler.",
		}, []string{"queue", "state"}),
	}
	if reg != nil {
		reg.MustRegister(m.Claimed, m.Completed, m.Failed, m.Promoted, m.Reaped, m.HandlerDuration, m.Jobs)
	}
	return m
}

func (m *Metrics) observeDepth(s *queue.Store) error {
	stats, err := s.Stats()
	if err != nil {
		return err
	}
	for _, st := range model.States() {
		m.Jobs.WithLabelValues(s.Name(), string(st)).Set(float64(stats[st]))
	}
	return nil
}
