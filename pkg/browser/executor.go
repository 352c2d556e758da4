package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/harun/webagent/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// BrowserSource hands out a connected browser, starting it when needed
type BrowserSource interface {
	Browser(ctx context.Context) (Browser, error)
}

// Handler performs one command type on a page and returns a result message
type Handler func(ctx context.Context, page Page, payload json.RawMessage) (string, error)

// visibilityProbeTimeout bounds the per-tab visibility check
const visibilityProbeTimeout = 2 * time.Second

// Executor is the browser execution context. It selects the foreground tab,
// runs commands on it and supplies the browser's session cookies.
type Executor struct {
	source   BrowserSource
	security *SecurityValidator
	handlers map[string]Handler
	schemas  map[string]*gojsonschema.Schema
	logger   zerolog.Logger
}

// NewExecutor creates an executor with the built-in command handlers
func NewExecutor(source BrowserSource, security SecurityConfig, logger zerolog.Logger) (*Executor, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	e := &Executor{
		source:   source,
		security: NewSecurityValidator(security, logger),
		handlers: make(map[string]Handler),
		schemas:  schemas,
		logger:   logger,
	}

	e.handlers[agent.CommandOpenURL] = e.openURL
	e.handlers[agent.CommandFillSelector] = e.fillSelector
	e.handlers[agent.CommandClickSelector] = e.clickSelector

	return e, nil
}

// Register adds or replaces the handler for a command type. Its payload is not schema-checked.
func (e *Executor) Register(commandType string, handler Handler) {
	e.handlers[commandType] = handler
	delete(e.schemas, commandType)
}

// Handles reports whether commandType has a handler
func (e *Executor) Handles(commandType string) bool {
	_, ok := e.handlers[commandType]
	return ok
}

// ActiveTarget returns the first visible tab
func (e *Executor) ActiveTarget(ctx context.Context) (agent.Target, bool) {
	browser, err := e.source.Browser(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Browser unavailable")
		return agent.Target{}, false
	}

	pages, err := browser.Pages(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to list tabs")
		return agent.Target{}, false
	}

	for _, page := range pages {
		probeCtx, cancel := context.WithTimeout(ctx, visibilityProbeTimeout)
		visible, err := page.Visible(probeCtx)
		if err != nil || !visible {
			cancel()
			continue
		}

		target, err := page.Info(probeCtx)
		cancel()
		if err != nil {
			continue
		}
		return target, true
	}

	return agent.Target{}, false
}

// Send runs req on the target tab. Command failures are replied as error
// responses; only an unreachable browser or tab is returned as an error.
func (e *Executor) Send(ctx context.Context, target agent.Target, req agent.Request) (*agent.Response, error) {
	if req.Type != agent.RequestTypeRemoteCommand {
		return nil, fmt.Errorf("unsupported request type %q", req.Type)
	}

	browser, err := e.source.Browser(ctx)
	if err != nil {
		return nil, err
	}
	page, err := browser.Page(ctx, target.ID)
	if err != nil {
		return nil, err
	}

	return e.execute(ctx, page, req.Command), nil
}

func (e *Executor) execute(ctx context.Context, page Page, cmd agent.Command) *agent.Response {
	logger := e.logger.With().
		Str("command_id", cmd.ID.String()).
		Str("command_type", cmd.Type).
		Str("target", page.ID()).
		Logger()

	handler, ok := e.handlers[cmd.Type]
	if !ok {
		logger.Debug().Msg("Unknown command type, ignoring")
		return &agent.Response{Status: agent.StatusDone}
	}

	if err := validatePayload(e.schemas[cmd.Type], cmd.Payload); err != nil {
		logger.Warn().Err(err).Msg("Rejected command payload")
		return &agent.Response{Status: agent.StatusError, Message: err.Error()}
	}

	start := time.Now()
	message, err := handler(ctx, page, cmd.Payload)
	if err != nil {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Command failed")
		return &agent.Response{Status: agent.StatusError, Message: err.Error()}
	}

	logger.Debug().Dur("duration", time.Since(start)).Msg("Command completed")
	return &agent.Response{Status: agent.StatusDone, Message: message}
}

// Cookies supplies the browser session cookies for the control server
func (e *Executor) Cookies(ctx context.Context, u *url.URL) ([]*http.Cookie, error) {
	browser, err := e.source.Browser(ctx)
	if err != nil {
		return nil, err
	}
	return browser.Cookies(ctx, u)
}

func (e *Executor) openURL(ctx context.Context, page Page, payload json.RawMessage) (string, error) {
	var params OpenURLPayload
	if err := json.Unmarshal(payload, &params); err != nil {
		return "", &BrowserError{Code: ErrCodeValidation, Message: fmt.Sprintf("invalid payload: %v", err)}
	}

	if err := e.security.ValidateURL(params.URL); err != nil {
		return "", err
	}
	if err := page.Navigate(ctx, params.URL); err != nil {
		return "", err
	}
	return "", nil
}

func (e *Executor) fillSelector(ctx context.Context, page Page, payload json.RawMessage) (string, error) {
	var params FillSelectorPayload
	if err := json.Unmarshal(payload, &params); err != nil {
		return "", &BrowserError{Code: ErrCodeValidation, Message: fmt.Sprintf("invalid payload: %v", err)}
	}

	if !IsValidSelector(params.Selector) {
		return "", &BrowserError{Code: ErrCodeValidation, Message: fmt.Sprintf("invalid selector: %s", params.Selector)}
	}
	return "", page.Fill(ctx, params.Selector, params.Value)
}

func (e *Executor) clickSelector(ctx context.Context, page Page, payload json.RawMessage) (string, error) {
	var params ClickSelectorPayload
	if err := json.Unmarshal(payload, &params); err != nil {
		return "", &BrowserError{Code: ErrCodeValidation, Message: fmt.Sprintf("invalid payload: %v", err)}
	}

	if !IsValidSelector(params.Selector) {
		return "", &BrowserError{Code: ErrCodeValidation, Message: fmt.Sprintf("invalid selector: %s", params.Selector)}
	}
	return "", page.Click(ctx, params.Selector)
}
