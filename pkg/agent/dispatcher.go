package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/webagent/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultDispatchTimeout bounds the wait for an execution context reply
const DefaultDispatchTimeout = 30 * time.Second

// Target is a surface inside the execution context that can run a command
type Target struct {
	ID    string
	Title string
	URL   string
}

// TargetSelector picks the surface a command should run on
type TargetSelector interface {
	ActiveTarget(ctx context.Context) (Target, bool)
}

// Channel delivers a request to an execution context target and returns its reply
type Channel interface {
	Send(ctx context.Context, target Target, req Request) (*Response, error)
}

// Dispatcher routes commands to the execution context and awaits one reply per command
type Dispatcher struct {
	selector TargetSelector
	channel  Channel
	timeout  time.Duration
	recorder Recorder
	logger   zerolog.Logger
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatchRecorder sets the metrics recorder
func WithDispatchRecorder(r Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		if r != nil {
			d.recorder = r
		}
	}
}

// NewDispatcher creates a dispatcher. A non-positive timeout uses DefaultDispatchTimeout.
func NewDispatcher(selector TargetSelector, channel Channel, timeout time.Duration, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	d := &Dispatcher{
		selector: selector,
		channel:  channel,
		timeout:  timeout,
		recorder: NopRecorder{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes cmd and always returns a result for it
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) CommandResult {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "agent.dispatch",
		attribute.String("command_id", cmd.ID.String()),
		attribute.String("command_type", cmd.Type),
	)

	result := d.dispatch(ctx, cmd)

	span.SetAttributes(attribute.String("status", string(result.Status)))
	span.End()
	d.recorder.CommandDispatched(result.Status, time.Since(start))
	return result
}

type reply struct {
	resp *Response
	err  error
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) CommandResult {
	logger := tracing.PropagateToLogger(ctx, d.logger).With().
		Str("command_id", cmd.ID.String()).
		Str("command_type", cmd.Type).
		Logger()

	target, ok := d.selector.ActiveTarget(ctx)
	if !ok {
		logger.Warn().Msg("No eligible target for command")
		return errorResult(cmd.ID, ErrNoEligibleTarget.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// Buffered so a Send that outlives the timeout never blocks on delivery
	done := make(chan reply, 1)
	go func() {
		resp, err := d.channel.Send(ctx, target, Request{
			Type:    RequestTypeRemoteCommand,
			Command: cmd,
		})
		done <- reply{resp: resp, err: err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
		if errors.Is(r.err, context.DeadlineExceeded) {
			r.err = fmt.Errorf("execution context did not reply within %s", d.timeout)
		}
	}

	if r.err != nil {
		logger.Warn().Err(r.err).Str("target", target.ID).Msg("Dispatch failed")
		return errorResult(cmd.ID, r.err.Error())
	}

	result := resultFromResponse(cmd.ID, r.resp)
	logger.Debug().
		Str("target", target.ID).
		Str("status", string(result.Status)).
		Msg("Command executed")
	return result
}

// resultFromResponse maps a reply; anything but an explicit error is done
func resultFromResponse(id CommandID, resp *Response) CommandResult {
	if resp == nil {
		return CommandResult{CommandID: id, Status: StatusDone}
	}
	status := StatusDone
	if resp.Status == StatusError {
		status = StatusError
	}
	return CommandResult{CommandID: id, Status: status, Message: resp.Message}
}

func errorResult(id CommandID, message string) CommandResult {
	return CommandResult{CommandID: id, Status: StatusError, Message: message}
}
