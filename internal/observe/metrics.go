package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink turns events into Prometheus metrics.
type MetricsSink struct {
	minimizations *prometheus.CounterVec
	evaluations   prometheus.Counter
	duration      prometheus.Histogram
	skipped       prometheus.Counter
	refinements   prometheus.Counter
	checkpoints   *prometheus.CounterVec
	queue         *prometheus.GaugeVec
	nodes         prometheus.Gauge
}

// NewMetricsSink creates the search metrics and registers them with reg.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	const namespace = "nodefinder"

	s := &MetricsSink{
		minimizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "minimizations_total",
			Help:      "Finished minimizations by outcome.",
		}, []string{"outcome"}),
		evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Objective evaluations spent by finished minimizations.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "minimization_duration_seconds",
			Help:      "Wall time of a single minimization.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simplices_skipped_total",
			Help:      "Simplices dropped without minimization because known nodes cover them.",
		}),
		refinements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refinements_total",
			Help:      "Nodes used as refinement centers.",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint writes by result.",
		}, []string{"result"}),
		queue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Pending work items by queue.",
		}, []string{"queue"}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Accepted nodes.",
		}),
	}

	for _, c := range []prometheus.Collector{
		s.minimizations, s.evaluations, s.duration, s.skipped,
		s.refinements, s.checkpoints, s.queue, s.nodes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Emit implements Sink.
func (s *MetricsSink) Emit(e Event) {
	switch e.Kind {
	case KindMinimizationFinished:
		outcome := "rejected"
		if e.Accepted {
			outcome = "accepted"
		}
		s.minimizations.WithLabelValues(outcome).Inc()
		s.evaluations.Add(float64(e.NumFev))
		s.duration.Observe(e.Duration.Seconds())
	case KindSimplexSkipped:
		s.skipped.Inc()
	case KindRefinementQueued:
		s.refinements.Inc()
	case KindCheckpointSaved:
		s.checkpoints.WithLabelValues("ok").Inc()
	case KindCheckpointFailed:
		s.checkpoints.WithLabelValues("error").Inc()
	}

	s.queue.WithLabelValues("simplices").Set(float64(e.Progress.SimplicesQueued))
	s.queue.WithLabelValues("running").Set(float64(e.Progress.SimplicesRunning))
	s.queue.WithLabelValues("positions").Set(float64(e.Progress.PositionsQueued))
	s.nodes.Set(float64(e.Progress.Nodes))
}
