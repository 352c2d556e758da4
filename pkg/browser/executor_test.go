package browser

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/harun/webagent/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePage struct {
	id         string
	url        string
	visible    bool
	visibleErr error
	actionErr  error

	mu      sync.Mutex
	actions []string
}

func (p *fakePage) ID() string { return p.id }

func (p *fakePage) Info(context.Context) (agent.Target, error) {
	return agent.Target{ID: p.id, URL: p.url, Title: "tab " + p.id}, nil
}

func (p *fakePage) Visible(context.Context) (bool, error) {
	return p.visible, p.visibleErr
}

func (p *fakePage) Navigate(_ context.Context, u string) error {
	return p.record("navigate " + u)
}

func (p *fakePage) Fill(_ context.Context, selector, value string) error {
	return p.record("fill " + selector + "=" + value)
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	return p.record("click " + selector)
}

func (p *fakePage) record(action string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, action)
	return p.actionErr
}

func (p *fakePage) recorded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

type fakeBrowser struct {
	pages    []*fakePage
	pagesErr error
	cookies  []*http.Cookie
}

func (b *fakeBrowser) Pages(context.Context) ([]Page, error) {
	if b.pagesErr != nil {
		return nil, b.pagesErr
	}
	pages := make([]Page, 0, len(b.pages))
	for _, p := range b.pages {
		pages = append(pages, p)
	}
	return pages, nil
}

func (b *fakeBrowser) Page(_ context.Context, id string) (Page, error) {
	for _, p := range b.pages {
		if p.id == id {
			return p, nil
		}
	}
	return nil, &BrowserError{Code: ErrCodeNotFound, Message: "page not found: " + id}
}

func (b *fakeBrowser) Cookies(context.Context, *url.URL) ([]*http.Cookie, error) {
	return b.cookies, nil
}

type fakeSource struct {
	browser Browser
	err     error
}

func (s fakeSource) Browser(context.Context) (Browser, error) {
	return s.browser, s.err
}

func newTestExecutor(t *testing.T, browser *fakeBrowser) *Executor {
	t.Helper()
	e, err := NewExecutor(fakeSource{browser: browser}, SecurityConfig{AllowLocalhostUrls: true}, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func remoteCommand(id, commandType, payload string) agent.Request {
	cmd := agent.Command{ID: agent.StringID(id), Type: commandType}
	if payload != "" {
		cmd.Payload = json.RawMessage(payload)
	}
	return agent.Request{Type: agent.RequestTypeRemoteCommand, Command: cmd}
}

func TestActiveTargetIsFirstVisibleTab(t *testing.T) {
	browser := &fakeBrowser{pages: []*fakePage{
		{id: "background", url: "https://a.example/"},
		{id: "broken", visibleErr: errors.New("detached")},
		{id: "foreground", url: "https://b.example/", visible: true},
		{id: "other-window", url: "https://c.example/", visible: true},
	}}
	e := newTestExecutor(t, browser)

	target, ok := e.ActiveTarget(context.Background())
	require.True(t, ok)
	assert.Equal(t, "foreground", target.ID)
	assert.Equal(t, "https://b.example/", target.URL)
}

func TestActiveTargetNone(t *testing.T) {
	t.Run("no visible tab", func(t *testing.T) {
		e := newTestExecutor(t, &fakeBrowser{pages: []*fakePage{{id: "hidden"}}})
		_, ok := e.ActiveTarget(context.Background())
		assert.False(t, ok)
	})

	t.Run("browser unavailable", func(t *testing.T) {
		e, err := NewExecutor(fakeSource{err: errors.New("no chrome")}, SecurityConfig{}, zerolog.Nop())
		require.NoError(t, err)
		_, ok := e.ActiveTarget(context.Background())
		assert.False(t, ok)
	})

	t.Run("listing fails", func(t *testing.T) {
		e := newTestExecutor(t, &fakeBrowser{pagesErr: errors.New("cdp closed")})
		_, ok := e.ActiveTarget(context.Background())
		assert.False(t, ok)
	})
}

func TestSendCommands(t *testing.T) {
	tests := []struct {
		name       string
		req        agent.Request
		wantStatus agent.Status
		wantAction string
	}{
		{
			name:       "click",
			req:        remoteCommand("c1", agent.CommandClickSelector, `{"selector":"#go"}`),
			wantStatus: agent.StatusDone,
			wantAction: "click #go",
		},
		{
			name:       "fill",
			req:        remoteCommand("c2", agent.CommandFillSelector, `{"selector":"input[name=q]","value":"hello"}`),
			wantStatus: agent.StatusDone,
			wantAction: "fill input[name=q]=hello",
		},
		{
			name:       "fill without value clears the field",
			req:        remoteCommand("c3", agent.CommandFillSelector, `{"selector":"#q"}`),
			wantStatus: agent.StatusDone,
			wantAction: "fill #q=",
		},
		{
			name:       "open url",
			req:        remoteCommand("c4", agent.CommandOpenURL, `{"url":"https://example.com/dashboard"}`),
			wantStatus: agent.StatusDone,
			wantAction: "navigate https://example.com/dashboard",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := &fakePage{id: "tab-1", visible: true}
			e := newTestExecutor(t, &fakeBrowser{pages: []*fakePage{page}})

			resp, err := e.Send(context.Background(), agent.Target{ID: "tab-1"}, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, []string{tt.wantAction}, page.recorded())
		})
	}
}

func TestSendUnknownTypeIsNoop(t *testing.T) {
	page := &fakePage{id: "tab-1", visible: true}
	e := newTestExecutor(t, &fakeBrowser{pages: []*fakePage{page}})

	resp, err := e.Send(context.Background(), agent.Target{ID: "tab-1"}, remoteCommand("c1", "SCROLL_TO", `{"y":100}`))
	require.NoError(t, err)
	assert.Equal(t, agent.StatusDone, resp.Status)
	assert.Empty(t, page.recorded())
}

func TestSendReportsCommandFailures(t *testing.T) {
	tests := []struct {
		name    string
		req     agent.Request
		pageErr error
		message string
	}{
		{
			name:    "missing element",
			req:     remoteCommand("c1", agent.CommandClickSelector, `{"selector":"#missing"}`),
			pageErr: &BrowserError{Code: ErrCodeElementNotFound, Message: "element not found: #missing"},
			message: "element not found: #missing",
		},
		{
			name:    "payload without selector",
			req:     remoteCommand("c2", agent.CommandClickSelector, `{"target":"#go"}`),
			message: "invalid payload",
		},
		{
			name:    "absent payload",
			req:     remoteCommand("c3", agent.CommandOpenURL, ""),
			message: "invalid payload",
		},
		{
			name:    "selector injection",
			req:     remoteCommand("c4", agent.CommandFillSelector, `{"selector":"<script>x</script>","value":"v"}`),
			message: "invalid selector",
		},
		{
			name:    "blocked scheme",
			req:     remoteCommand("c5", agent.CommandOpenURL, `{"url":"javascript:alert(1)"}`),
			message: "URL scheme not allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := &fakePage{id: "tab-1", visible: true, actionErr: tt.pageErr}
			e := newTestExecutor(t, &fakeBrowser{pages: []*fakePage{page}})

			resp, err := e.Send(context.Background(), agent.Target{ID: "tab-1"}, tt.req)
			require.NoError(t, err, "command failures are replies, not channel errors")
			assert.Equal(t, agent.StatusError, resp.Status)
			assert.Contains(t, resp.Message, tt.message)
		})
	}
}

func TestSendChannelFailures(t *testing.T) {
	t.Run("tab closed", func(t *testing.T) {
		e := newTestExecutor(t, &fakeBrowser{})
		_, err := e.Send(context.Background(), agent.Target{ID: "gone"}, remoteCommand("c1", agent.CommandClickSelector, `{"selector":"#go"}`))
		assert.Error(t, err)
	})

	t.Run("browser unavailable", func(t *testing.T) {
		e, err := NewExecutor(fakeSource{err: errors.New("no chrome")}, SecurityConfig{}, zerolog.Nop())
		require.NoError(t, err)
		_, err = e.Send(context.Background(), agent.Target{ID: "tab-1"}, remoteCommand("c1", agent.CommandClickSelector, `{"selector":"#go"}`))
		assert.EqualError(t, err, "no chrome")
	})

	t.Run("wrong request type", func(t *testing.T) {
		e := newTestExecutor(t, &fakeBrowser{pages: []*fakePage{{id: "tab-1"}}})
		_, err := e.Send(context.Background(), agent.Target{ID: "tab-1"}, agent.Request{Type: "PING"})
		assert.Error(t, err)
	})
}

func TestRegisterCustomHandler(t *testing.T) {
	page := &fakePage{id: "tab-1", visible: true}
	e := newTestExecutor(t, &fakeBrowser{pages: []*fakePage{page}})
	assert.False(t, e.Handles("READ_TITLE"))
	e.Register("READ_TITLE", func(ctx context.Context, p Page, _ json.RawMessage) (string, error) {
		info, err := p.Info(ctx)
		return info.Title, err
	})
	assert.True(t, e.Handles("READ_TITLE"))
	assert.True(t, e.Handles(agent.CommandOpenURL))

	resp, err := e.Send(context.Background(), agent.Target{ID: "tab-1"}, remoteCommand("c1", "READ_TITLE", ""))
	require.NoError(t, err)
	assert.Equal(t, &agent.Response{Status: agent.StatusDone, Message: "tab tab-1"}, resp)
}

func TestExecutorCookies(t *testing.T) {
	browser := &fakeBrowser{cookies: []*http.Cookie{{Name: "sessionid", Value: "abc"}}}
	e := newTestExecutor(t, browser)

	u, _ := url.Parse("http://127.0.0.1:8000/api/agent/token/")
	cookies, err := e.Cookies(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, browser.cookies, cookies)
}

func TestExecutorWithDispatcher(t *testing.T) {
	page := &fakePage{id: "tab-1", visible: true}
	e := newTestExecutor(t, &fakeBrowser{pages: []*fakePage{page}})
	d := agent.NewDispatcher(e, e, 0, zerolog.Nop())

	result := d.Dispatch(context.Background(), agent.Command{
		ID:      agent.StringID("c1"),
		Type:    agent.CommandClickSelector,
		Payload: json.RawMessage(`{"selector":"#go"}`),
	})

	assert.Equal(t, agent.CommandResult{CommandID: agent.StringID("c1"), Status: agent.StatusDone}, result)
	assert.Equal(t, []string{"click #go"}, page.recorded())
}
