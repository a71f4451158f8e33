package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes feed metrics, so keep them bounded: operation, component, status and
// direction are fine; endpoint ids, payload ids and file names belong in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(operation, status, time.Since(start))

	return err
}

// InstrumentTransfer instruments one step of a transfer (submit, save).
func (t *Telemetry) InstrumentTransfer(ctx context.Context, direction, step string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	return t.InstrumentOperation(ctx, "transfer_"+step, "transfer", func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "transfer_"+direction)
		defer span.End()

		span.SetAttributes(attribute.String("transfer.direction", direction))

		err := fn(ctx)
		if err != nil {
			t.RecordSystemError("transfer", step)
		}

		return err
	})
}

// InstrumentConnection instruments transport connection operations (advertise, discover, connect).
func (t *Telemetry) InstrumentConnection(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "connection_"+operation, "connection", fn)
	if err != nil {
		t.RecordSystemError("connection", operation)
	}

	return err
}
