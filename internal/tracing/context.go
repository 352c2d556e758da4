package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// CycleIDKey is the context key for the control loop cycle ID
	CycleIDKey ContextKey = "cycle_id"
	// CommandIDKey is the context key for the command being dispatched
	CommandIDKey ContextKey = "command_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	CycleID   string
	CommandID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewCycleID generates a new cycle ID
func NewCycleID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithCycleID adds a cycle ID to the context
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, CycleIDKey, cycleID)
}

// WithCommandID adds a command ID to the context
func WithCommandID(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, CommandIDKey, commandID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetCycleID retrieves the cycle ID from the context
func GetCycleID(ctx context.Context) string {
	if cycleID, ok := ctx.Value(CycleIDKey).(string); ok {
		return cycleID
	}
	return ""
}

// GetCommandID retrieves the command ID from the context
func GetCommandID(ctx context.Context) string {
	if commandID, ok := ctx.Value(CommandIDKey).(string); ok {
		return commandID
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		CycleID:   GetCycleID(ctx),
		CommandID: GetCommandID(ctx),
	}
}

// NewCycleContext creates a context for one control loop cycle with a fresh cycle ID
func NewCycleContext(ctx context.Context) context.Context {
	return WithCycleID(ctx, NewCycleID())
}
