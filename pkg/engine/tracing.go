package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global provider; without one configured every span is a no-op.
var tracer = otel.Tracer("github.com/paulschiretz/pgl-vault/pkg/engine")

func startRunSpan(ctx context.Context, planID string, dryRun bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgl-vault.run",
		trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.Bool("run.dry_run", dryRun),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func startSourceSpan(ctx context.Context, source string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgl-vault.source",
		trace.WithAttributes(attribute.String("source.name", source)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func startStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgl-vault.stage."+stage,
		trace.WithAttributes(attribute.String("stage", stage)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// endSpan completes a span, recording err if there is one.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
