package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/idp-engine/instrumentation"
)

// Observer records spans and metrics for storage operations. The zero value
// records nothing.
type Observer struct {
	inst        *instrumentation.Instrumentation
	tracer      trace.Tracer
	storageType string
}

// NewObserver returns an observer for a backend ("memory", "redis").
func NewObserver(inst *instrumentation.Instrumentation, storageType string) Observer {
	if inst == nil {
		return Observer{storageType: storageType}
	}
	return Observer{
		inst:        inst,
		tracer:      inst.Tracer("storage"),
		storageType: storageType,
	}
}

// Start begins a span for operation.
func (o Observer) Start(ctx context.Context, operation string) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return o.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, o.storageType),
		))
}

// Done ends the span and records the operation's result and duration.
// Lookups that miss are not errors from the span's point of view.
func (o Observer) Done(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if o.inst == nil {
		return
	}
	defer span.End()

	result := Result(err)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStorageResult, result))
	if result == "error" {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	o.inst.Metrics().RecordStorageOperation(ctx, operation, result,
		float64(time.Since(start).Microseconds())/1000)
}

// Result classifies err for metrics labels.
func Result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	default:
		return "error"
	}
}
