package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/harun/webagent/internal/tracing"
)

// TokenProvider exchanges the ambient session for an agent token
type TokenProvider struct {
	client      *http.Client
	credentials Credentials
	userAgent   string
}

// NewTokenProvider creates a token provider. credentials may be nil when the
// client's cookie jar already carries the session.
func NewTokenProvider(client *http.Client, credentials Credentials, userAgent string) *TokenProvider {
	return &TokenProvider{
		client:      client,
		credentials: credentials,
		userAgent:   userAgent,
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Acquire performs one GET {baseURL}token/. A 401 yields ErrNotAuthenticated;
// every other failure wraps ErrTransient. There is no retry.
func (p *TokenProvider) Acquire(ctx context.Context, baseURL string) (token string, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "agent.token")
	defer func() { tracing.EndSpan(span, err) }()

	endpoint, err := url.Parse(baseURL + "token/")
	if err != nil {
		return "", fmt.Errorf("%w: invalid token url: %w", ErrTransient, err)
	}

	req, err := newRequest(ctx, http.MethodGet, endpoint.String(), nil, p.userAgent)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransient, err)
	}

	if p.credentials != nil {
		cookies, err := p.credentials.Cookies(ctx, endpoint)
		if err != nil {
			return "", fmt.Errorf("%w: session credentials: %w", ErrTransient, err)
		}
		for _, c := range cookies {
			req.AddCookie(c)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %w", ErrTransient, err)
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrNotAuthenticated
	}
	if !isSuccess(resp.StatusCode) {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrTransient, resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode token response: %w", ErrTransient, err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("%w: token response has no token", ErrTransient)
	}

	return body.Token, nil
}
