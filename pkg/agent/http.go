package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultUserAgent is sent when no User-Agent is configured
const DefaultUserAgent = "webagent"

// ClientConfig configures the HTTP client shared by token and server calls
type ClientConfig struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// NewHTTPClient builds the client used for every control server call.
// The cookie jar keeps whatever session cookies the server sets between cycles.
func NewHTTPClient(cfg ClientConfig) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for local servers
	}

	// cookiejar.New never returns an error
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		Jar:       jar,
	}
}

// Credentials supplies ambient session cookies for a control server URL
type Credentials interface {
	Cookies(ctx context.Context, u *url.URL) ([]*http.Cookie, error)
}

// StaticCookies are fixed "name=value" cookies, typically from configuration
type StaticCookies []string

// Cookies implements Credentials
func (s StaticCookies) Cookies(_ context.Context, _ *url.URL) ([]*http.Cookie, error) {
	cookies := make([]*http.Cookie, 0, len(s))
	for _, raw := range s {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid cookie %q: expected name=value", raw)
		}
		cookies = append(cookies, &http.Cookie{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return cookies, nil
}

// FirstCredentials tries each source in order and uses the first one that
// yields cookies. A failing source is skipped unless it is the last one.
type FirstCredentials []Credentials

// Cookies implements Credentials
func (f FirstCredentials) Cookies(ctx context.Context, u *url.URL) ([]*http.Cookie, error) {
	var lastErr error
	for _, c := range f {
		if c == nil {
			continue
		}
		cookies, err := c.Cookies(ctx, u)
		if err != nil {
			lastErr = err
			continue
		}
		if len(cookies) > 0 {
			return cookies, nil
		}
		lastErr = nil
	}
	return nil, lastErr
}

func newRequest(ctx context.Context, method, target string, body io.Reader, userAgent string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// drain discards the rest of a body so the connection can be reused
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
