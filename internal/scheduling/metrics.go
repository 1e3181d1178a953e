package scheduling

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// Metrics counts scheduling outcomes and times deliveries.
type Metrics struct {
	scheduled       *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	deliverDuration *prometheus.HistogramVec
	errors          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_scheduler_schedule_total",
			Help: "Schedule calls by aggregate type and result",
		}, []string{"aggregate_type", "result"}),

		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_scheduler_deliver_total",
			Help: "Delivery attempts by aggregate type and result",
		}, []string{"aggregate_type", "result"}),

		deliverDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chronicle_scheduler_deliver_duration_seconds",
			Help:    "Delivery latency in seconds",
			Buckets: latencyBuckets,
		}, []string{"aggregate_type"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_scheduler_infrastructure_errors_total",
			Help: "Schedule or deliver calls that failed outside the domain",
		}, []string{"aggregate_type", "operation"}),
	}

	reg.MustRegister(m.scheduled, m.delivered, m.deliverDuration, m.errors)
	return m
}

// Interceptors returns the pipeline that feeds the collectors.
func (m *Metrics) Interceptors() Pipeline {
	return Pipeline{
		Schedule: []Interceptor{m.onSchedule},
		Deliver:  []Interceptor{m.onDeliver},
	}
}

func (m *Metrics) onSchedule(ctx context.Context, env *Envelope, next Handler) (Result, error) {
	res, err := next(ctx, env)
	m.observe(m.scheduled, env, "schedule", res, err)
	return res, err
}

func (m *Metrics) onDeliver(ctx context.Context, env *Envelope, next Handler) (Result, error) {
	start := time.Now()
	res, err := next(ctx, env)
	m.deliverDuration.WithLabelValues(env.AggregateType).Observe(time.Since(start).Seconds())
	m.observe(m.delivered, env, "deliver", res, err)
	return res, err
}

func (m *Metrics) observe(c *prometheus.CounterVec, env *Envelope, op string, res Result, err error) {
	if err != nil {
		m.errors.WithLabelValues(env.AggregateType, op).Inc()
		return
	}
	if res != nil {
		c.WithLabelValues(env.AggregateType, Outcome(res)).Inc()
	}
}
