package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/webagent/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ConfigSource supplies the normalized control server base URL
type ConfigSource interface {
	BaseURL() string
}

// TokenSource acquires a session token for a base URL
type TokenSource interface {
	Acquire(ctx context.Context, baseURL string) (string, error)
}

// Server is the control server API used by a cycle
type Server interface {
	Ping(ctx context.Context, baseURL, token string) error
	NextCommand(ctx context.Context, baseURL, token string) (*Command, error)
	SubmitResult(ctx context.Context, baseURL, token string, result CommandResult) error
}

// CommandDispatcher runs a command and always returns its result
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd Command) CommandResult
}

// LoopConfig configures the control loop schedule
type LoopConfig struct {
	Interval time.Duration
	Schedule string
	// ReportTimeout bounds the result submission, which outlives shutdown
	ReportTimeout time.Duration
}

// DefaultReportTimeout applies when LoopConfig.ReportTimeout is unset
const DefaultReportTimeout = 10 * time.Second

// Loop drives poll cycles on a schedule, one at a time
type Loop struct {
	config     LoopConfig
	source     ConfigSource
	tokens     TokenSource
	server     Server
	dispatcher CommandDispatcher
	recorder   Recorder
	logger     zerolog.Logger

	running atomic.Bool
	dropped atomic.Uint64
	cycles  atomic.Uint64
}

// LoopOption configures a Loop
type LoopOption func(*Loop)

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) LoopOption {
	return func(l *Loop) {
		if r != nil {
			l.recorder = r
		}
	}
}

// NewLoop creates a control loop
func NewLoop(config LoopConfig, source ConfigSource, tokens TokenSource, server Server, dispatcher CommandDispatcher, logger zerolog.Logger, opts ...LoopOption) *Loop {
	l := &Loop{
		config:     config,
		source:     source,
		tokens:     tokens,
		server:     server,
		dispatcher: dispatcher,
		recorder:   NopRecorder{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dropped returns the number of ticks skipped because a cycle was in flight
func (l *Loop) Dropped() uint64 {
	return l.dropped.Load()
}

// Cycles returns the number of completed cycles
func (l *Loop) Cycles() uint64 {
	return l.cycles.Load()
}

// Run fires cycles on the schedule until ctx is cancelled. A single worker runs
// cycles; a tick that finds the worker busy is dropped. Run returns once the
// in-flight cycle, if any, has finished. A cycle that already fetched a command
// still dispatches it and submits the result after cancellation.
func (l *Loop) Run(ctx context.Context) error {
	schedule, err := ParseSchedule(l.config.Schedule, l.config.Interval)
	if err != nil {
		return err
	}
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("control loop already running")
	}
	defer l.running.Store(false)

	ticks := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				if ctx.Err() != nil {
					return
				}
				l.RunCycle(ctx)
			}
		}
	}()

	timer := time.NewTimer(time.Until(schedule.Next(time.Now())))
	defer timer.Stop()

	l.logger.Info().
		Str("base_url", l.source.BaseURL()).
		Str("schedule", l.config.Schedule).
		Dur("interval", l.config.Interval).
		Msg("Control loop started")

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			l.logger.Info().
				Uint64("cycles", l.Cycles()).
				Uint64("dropped_ticks", l.Dropped()).
				Msg("Control loop stopped")
			return nil

		case <-timer.C:
			select {
			case ticks <- struct{}{}:
			default:
				l.dropped.Add(1)
				l.recorder.TickDropped()
				l.logger.Debug().Msg("Cycle still in flight, tick dropped")
			}
			timer.Reset(time.Until(schedule.Next(time.Now())))
		}
	}
}

// RunCycle executes one cycle synchronously
func (l *Loop) RunCycle(ctx context.Context) CycleReport {
	ctx = tracing.NewCycleContext(ctx)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "agent.cycle")
	defer span.End()

	report := CycleReport{
		CycleID:   tracing.GetCycleID(ctx),
		BaseURL:   l.source.BaseURL(),
		StartedAt: time.Now(),
	}
	logger := tracing.PropagateToLogger(ctx, l.logger)

	l.cycle(ctx, &report, logger)

	report.Duration = time.Since(report.StartedAt)
	span.SetAttributes(attribute.String("outcome", string(report.Outcome)))
	l.cycles.Add(1)
	l.recorder.CycleCompleted(report.Outcome, report.Duration)

	logger.Debug().
		Str("outcome", string(report.Outcome)).
		Dur("duration", report.Duration).
		Msg("Cycle finished")
	return report
}

func (l *Loop) cycle(ctx context.Context, report *CycleReport, logger zerolog.Logger) {
	baseURL := report.BaseURL

	token, err := l.tokens.Acquire(ctx, baseURL)
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		l.recorder.TokenAcquisition("unauthenticated")
		logger.Info().Str("base_url", baseURL).Msg("Not authenticated, skipping cycle")
		report.Outcome = OutcomeUnauthenticated
		return
	case err != nil:
		l.recorder.TokenAcquisition("error")
		logger.Warn().Err(err).Str("base_url", baseURL).Msg("Token acquisition failed")
		report.Outcome = OutcomeTokenError
		report.Err = err.Error()
		return
	}
	l.recorder.TokenAcquisition("ok")

	if err := l.server.Ping(ctx, baseURL, token); err != nil {
		l.recorder.PingFailed()
		logger.Warn().Err(err).Msg("Liveness ping failed")
	}

	cmd, err := l.server.NextCommand(ctx, baseURL, token)
	if err != nil {
		logger.Warn().Err(err).Msg("Fetching next command failed")
		report.Outcome = OutcomeFetchError
		report.Err = err.Error()
		return
	}
	if cmd == nil {
		report.Outcome = OutcomeIdle
		return
	}

	report.Command = cmd
	ctx = tracing.WithCommandID(ctx, cmd.ID.String())
	logger.Info().
		Str("command_id", cmd.ID.String()).
		Str("command_type", cmd.Type).
		Msg("Command received")

	// The server marked the command sent on fetch. Shutdown must not cost it
	// its result, so dispatch and submit run detached, bounded by their own timeouts.
	detached := context.WithoutCancel(ctx)
	result := l.dispatcher.Dispatch(detached, *cmd)
	report.Result = &result
	report.Outcome = OutcomeDispatched

	reportTimeout := l.config.ReportTimeout
	if reportTimeout <= 0 {
		reportTimeout = DefaultReportTimeout
	}
	submitCtx, cancel := context.WithTimeout(detached, reportTimeout)
	defer cancel()

	if err := l.server.SubmitResult(submitCtx, baseURL, token, result); err != nil {
		l.recorder.ReportFailed()
		logger.Warn().
			Err(err).
			Str("command_id", cmd.ID.String()).
			Msg("Submitting command result failed")
		return
	}

	logger.Info().
		Str("command_id", cmd.ID.String()).
		Str("status", string(result.Status)).
		Msg("Command result submitted")
}
