package runtime

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/trducng/theflow/runtime"

// Trace opens a span per node call, named by the node path, and records a
// call counter and a duration histogram tagged with the node type and
// outcome.
func Trace(tp trace.TracerProvider, mp metric.MeterProvider) (Middleware, error) {
	tracer := tp.Tracer(instrumentationName)
	meter := mp.Meter(instrumentationName)

	calls, err := meter.Int64Counter("theflow.node.calls",
		metric.WithDescription("Number of node calls"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("theflow.node.duration",
		metric.WithDescription("Duration of node calls"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return func(next Handler) Handler {
		return func(exec *Execution, in Input) (any, error) {
			ctx, span := tracer.Start(exec, exec.Path(), trace.WithAttributes(
				attribute.String("theflow.flow", exec.FlowName()),
				attribute.String("theflow.run_id", exec.RunID()),
				attribute.String("theflow.type", exec.TypeName()),
			))
			defer span.End()

			start := time.Now()
			out, err := next(exec.WithContext(ctx), in)
			elapsed := float64(time.Since(start).Microseconds()) / 1000

			outcome := "ok"
			if err != nil {
				outcome = "error"
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			attrs := metric.WithAttributes(
				attribute.String("theflow.type", exec.TypeName()),
				attribute.String("outcome", outcome),
			)
			calls.Add(ctx, 1, attrs)
			duration.Record(ctx, elapsed, attrs)
			return out, err
		}
	}, nil
}
