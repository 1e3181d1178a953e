package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) interceptor(name string) Interceptor {
	return func(ctx context.Context, env *Envelope, next Handler) (Result, error) {
		l.mu.Lock()
		l.calls = append(l.calls, name)
		l.mu.Unlock()
		return next(ctx, env)
	}
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func TestCompose_LastInterceptorRunsFirst(t *testing.T) {
	log := &callLog{}
	core := func(ctx context.Context, env *Envelope) (Result, error) {
		log.mu.Lock()
		log.calls = append(log.calls, "core")
		log.mu.Unlock()
		return &Scheduled{env: env}, nil
	}

	h := Compose(core, log.interceptor("a"), log.interceptor("b"), log.interceptor("c"))
	res, err := h(context.Background(), &Envelope{})
	require.NoError(t, err)
	require.IsType(t, &Scheduled{}, res)
	assert.Equal(t, []string{"c", "b", "a", "core"}, log.get())
}

func TestScheduler_InterceptorOrder(t *testing.T) {
	log := &callLog{}
	f := newFixture(t, WithInterceptors(Pipeline{
		Schedule: []Interceptor{log.interceptor("s:global-1"), log.interceptor("s:global-2")},
		Deliver:  []Interceptor{log.interceptor("d:global-1"), log.interceptor("d:global-2")},
	}))
	f.scheduler.RegisterPipeline("counter", Pipeline{
		Schedule: []Interceptor{log.interceptor("s:type-1")},
		Deliver:  []Interceptor{log.interceptor("d:type-1")},
	})
	f.scheduler.RegisterPipeline("counter", Pipeline{
		Schedule: []Interceptor{log.interceptor("s:type-2")},
		Deliver:  []Interceptor{log.interceptor("d:type-2")},
	})

	f.create(t, at(base), "c-1")

	assert.Equal(t, []string{
		"s:type-2", "s:type-1", "s:global-2", "s:global-1",
		"d:type-2", "d:type-1", "d:global-2", "d:global-1",
	}, log.get())
}

func TestScheduler_InterceptorCanShortCircuit(t *testing.T) {
	f := newFixture(t)
	f.scheduler.RegisterPipeline("counter", Pipeline{
		Schedule: []Interceptor{func(ctx context.Context, env *Envelope, next Handler) (Result, error) {
			env.Result = &Deduplicated{env: env, Reason: "blocked by test"}
			return env.Result, nil
		}},
	})

	res, err := f.scheduler.Schedule(at(base), NewEnvelope("counter", "c-1", command(t, "Create", nil)))
	require.NoError(t, err)
	require.IsType(t, &Deduplicated{}, res)
	assert.Empty(t, f.stored(t, "c-1"))
	assert.Empty(t, f.history(t, "c-1"))
}

func TestMetrics_CountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := newFixture(t, WithInterceptors(m.Interceptors()))
	ctx := at(base)

	f.create(t, ctx, "c-1")
	_, err := f.scheduler.Schedule(ctx, NewEnvelope("counter", "c-1", command(t, "Increment", incremented{By: 1})).At(base.Add(time.Hour)))
	require.NoError(t, err)
	_, err = f.scheduler.Schedule(ctx, NewEnvelope("counter", "c-1", command(t, "Fail", nil)))
	require.NoError(t, err)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	counts := make(map[string]float64)
	for _, mf := range mfs {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "result" {
					key += "/" + lp.GetValue()
				}
			}
			switch {
			case metric.GetCounter() != nil:
				counts[key] += metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				counts[key] += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}

	assert.Equal(t, 1.0, counts["chronicle_scheduler_schedule_total/succeeded"])
	assert.Equal(t, 1.0, counts["chronicle_scheduler_schedule_total/scheduled"])
	assert.Equal(t, 1.0, counts["chronicle_scheduler_schedule_total/retrying"])
	assert.Equal(t, 1.0, counts["chronicle_scheduler_deliver_total/succeeded"])
	assert.Equal(t, 1.0, counts["chronicle_scheduler_deliver_total/retrying"])
	assert.Equal(t, 2.0, counts["chronicle_scheduler_deliver_duration_seconds"])
}

func TestTracingInterceptors_PassResultsThrough(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("test")
	f := newFixture(t, WithInterceptors(TracingInterceptors(tracer)))
	ctx := at(base)

	f.create(t, ctx, "c-1")
	res, err := f.scheduler.Schedule(ctx, NewEnvelope("counter", "c-1", command(t, "Fail", nil)))
	require.NoError(t, err)
	require.IsType(t, &Failed{}, res)
	assert.Equal(t, "retrying", Outcome(res))
}

func TestResultLabel(t *testing.T) {
	canceled := newFailed(nil, errDownstream, 0)
	require.NoError(t, canceled.Cancel())
	abandoned := newFailed(nil, errDownstream, 4)
	abandoned.abandon()

	assert.Equal(t, "scheduled", Outcome(&Scheduled{}))
	assert.Equal(t, "deduplicated", Outcome(&Deduplicated{}))
	assert.Equal(t, "succeeded", Outcome(&Succeeded{}))
	assert.Equal(t, "canceled", Outcome(canceled))
	assert.Equal(t, "abandoned", Outcome(abandoned))
}
