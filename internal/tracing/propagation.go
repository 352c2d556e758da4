package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.CycleID != "" {
		logger = logger.With().Str("cycle_id", tc.CycleID).Logger()
	}
	if tc.CommandID != "" {
		logger = logger.With().Str("command_id", tc.CommandID).Logger()
	}

	return logger
}
