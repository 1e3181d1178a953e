package scheduling

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/aevon-lab/chronicle/internal/scheduling"

// TracingInterceptors opens a span around every schedule and deliver call.
// A nil tracer uses the global provider.
func TracingInterceptors(tracer trace.Tracer) Pipeline {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return Pipeline{
		Schedule: []Interceptor{spanInterceptor(tracer, "scheduling.Schedule")},
		Deliver:  []Interceptor{spanInterceptor(tracer, "scheduling.Deliver")},
	}
}

func spanInterceptor(tracer trace.Tracer, name string) Interceptor {
	return func(ctx context.Context, env *Envelope, next Handler) (Result, error) {
		ctx, span := tracer.Start(ctx, name,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("chronicle.aggregate_type", env.AggregateType),
				attribute.String("chronicle.aggregate_id", env.AggregateID),
				attribute.String("chronicle.command", env.Command.Type),
				attribute.String("chronicle.clock", env.Clock),
				attribute.Int("chronicle.attempts", env.Attempts),
			))
		defer span.End()

		res, err := next(ctx, env)
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res != nil:
			span.SetAttributes(
				attribute.String("chronicle.result", Outcome(res)),
				attribute.Int64("chronicle.sequence_number", env.SequenceNumber))
			if f, ok := res.(*Failed); ok {
				span.RecordError(f.Err())
				span.SetStatus(codes.Error, f.String())
			}
		}
		return res, err
	}
}

// Outcome names a result for spans, metric labels and API responses.
func Outcome(r Result) string {
	switch v := r.(type) {
	case *Scheduled:
		return "scheduled"
	case *Deduplicated:
		return "deduplicated"
	case *Succeeded:
		return "succeeded"
	case *Failed:
		switch {
		case v.Canceled():
			return "canceled"
		case v.Abandoned():
			return "abandoned"
		}
		return "retrying"
	}
	return "unknown"
}
