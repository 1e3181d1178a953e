package scheduling

import (
	"context"
	"sync"
)

// Handler schedules or delivers one envelope. The error return is for
// infrastructure failures; domain outcomes are carried by the Result.
type Handler func(ctx context.Context, env *Envelope) (Result, error)

// Interceptor wraps a Handler. It may act before and after calling next, or
// return without calling it.
type Interceptor func(ctx context.Context, env *Envelope, next Handler) (Result, error)

// Pipeline holds the interceptors for both scheduler operations.
type Pipeline struct {
	Schedule []Interceptor
	Deliver  []Interceptor
}

// Compose wraps core in interceptors. The last interceptor is outermost: it
// runs first and calls through to earlier ones, which call core.
func Compose(core Handler, interceptors ...Interceptor) Handler {
	h := core
	for _, ic := range interceptors {
		h = bind(ic, h)
	}
	return h
}

func bind(ic Interceptor, next Handler) Handler {
	return func(ctx context.Context, env *Envelope) (Result, error) {
		return ic(ctx, env, next)
	}
}

// pipelines keeps composed handlers per aggregate type. Global interceptors sit
// between the core and any per-type interceptors.
type pipelines struct {
	mu       sync.RWMutex
	global   Pipeline
	perType  map[string]Pipeline
	schedule map[string]Handler
	deliver  map[string]Handler

	coreSchedule Handler
	coreDeliver  Handler
}

func newPipelines(coreSchedule, coreDeliver Handler, global Pipeline) *pipelines {
	return &pipelines{
		global:       global,
		perType:      make(map[string]Pipeline),
		schedule:     make(map[string]Handler),
		deliver:      make(map[string]Handler),
		coreSchedule: coreSchedule,
		coreDeliver:  coreDeliver,
	}
}

// register appends interceptors for one aggregate type.
func (p *pipelines) register(aggregateType string, add Pipeline) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.perType[aggregateType]
	cur.Schedule = append(cur.Schedule, add.Schedule...)
	cur.Deliver = append(cur.Deliver, add.Deliver...)
	p.perType[aggregateType] = cur
	delete(p.schedule, aggregateType)
	delete(p.deliver, aggregateType)
}

func (p *pipelines) scheduleFor(aggregateType string) Handler {
	return p.handlerFor(aggregateType, p.schedule, p.coreSchedule, func(pl Pipeline) []Interceptor { return pl.Schedule })
}

func (p *pipelines) deliverFor(aggregateType string) Handler {
	return p.handlerFor(aggregateType, p.deliver, p.coreDeliver, func(pl Pipeline) []Interceptor { return pl.Deliver })
}

func (p *pipelines) handlerFor(aggregateType string, cache map[string]Handler, core Handler, pick func(Pipeline) []Interceptor) Handler {
	p.mu.RLock()
	h, ok := cache[aggregateType]
	p.mu.RUnlock()
	if ok {
		return h
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := cache[aggregateType]; ok {
		return h
	}
	chain := append(append([]Interceptor(nil), pick(p.global)...), pick(p.perType[aggregateType])...)
	h = Compose(core, chain...)
	cache[aggregateType] = h
	return h
}
