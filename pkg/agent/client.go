package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/harun/webagent/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// ServerClient performs the stateless control server calls
type ServerClient struct {
	client    *http.Client
	userAgent string
}

// NewServerClient creates a server client on top of a shared HTTP client
func NewServerClient(client *http.Client, userAgent string) *ServerClient {
	return &ServerClient{
		client:    client,
		userAgent: userAgent,
	}
}

type pingRequest struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

type resultRequest struct {
	Token      string    `json:"token"`
	CommandID  CommandID `json:"command_id"`
	Status     Status    `json:"status"`
	ResultText string    `json:"result_text"`
}

type nextCommandResponse struct {
	Command *Command `json:"command"`
}

// Ping announces liveness with status "idle". The response body is ignored.
func (c *ServerClient) Ping(ctx context.Context, baseURL, token string) (err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "agent.ping")
	defer func() { tracing.EndSpan(span, err) }()

	return c.post(ctx, baseURL+"ping/", pingRequest{Token: token, Status: "idle"})
}

// NextCommand fetches the next pending command. It returns nil, nil when the
// server has nothing queued.
func (c *ServerClient) NextCommand(ctx context.Context, baseURL, token string) (cmd *Command, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "agent.next_command")
	defer func() { tracing.EndSpan(span, err) }()

	endpoint := baseURL + "next-command/?token=" + url.QueryEscape(token)
	req, err := newRequest(ctx, http.MethodGet, endpoint, nil, c.userAgent)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch next command: %w", err)
	}
	defer drain(resp)

	if !isSuccess(resp.StatusCode) {
		return nil, fmt.Errorf("next-command returned %d", resp.StatusCode)
	}

	var body nextCommandResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode next command: %w", err)
	}
	if body.Command == nil {
		return nil, nil
	}
	if body.Command.ID.IsZero() || body.Command.Type == "" {
		return nil, fmt.Errorf("%w: id=%q type=%q", ErrMalformedCommand, body.Command.ID.String(), body.Command.Type)
	}

	span.SetAttributes(
		attribute.String("command_id", body.Command.ID.String()),
		attribute.String("command_type", body.Command.Type),
	)
	return body.Command, nil
}

// SubmitResult reports a command outcome. It is sent once and never retried.
func (c *ServerClient) SubmitResult(ctx context.Context, baseURL, token string, result CommandResult) (err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "agent.submit_result",
		attribute.String("command_id", result.CommandID.String()),
		attribute.String("status", string(result.Status)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	return c.post(ctx, baseURL+"command-result/", resultRequest{
		Token:      token,
		CommandID:  result.CommandID,
		Status:     result.Status,
		ResultText: result.Message,
	})
}

func (c *ServerClient) post(ctx context.Context, endpoint string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(data), c.userAgent)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer drain(resp)

	if !isSuccess(resp.StatusCode) {
		return fmt.Errorf("post %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}
