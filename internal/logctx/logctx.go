package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey   contextKey = "logger"
	endpointKey contextKey = "endpoint_id"
	payloadKey  contextKey = "payload_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithEndpoint tags the context with the remote endpoint a log line belongs to.
func WithEndpoint(ctx context.Context, endpointID string) context.Context {
	return context.WithValue(ctx, endpointKey, endpointID)
}

// WithPayload tags the context with the payload a log line belongs to.
func WithPayload(ctx context.Context, payloadID int64) context.Context {
	return context.WithValue(ctx, payloadKey, payloadID)
}

// EndpointFromContext returns the endpoint stored by WithEndpoint.
func EndpointFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(endpointKey).(string)

	return id, ok && id != ""
}

// PayloadFromContext returns the payload id stored by WithPayload.
func PayloadFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(payloadKey).(int64)

	return id, ok
}
