package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// controlServer is a fake control server mounted under /api/agent/
type controlServer struct {
	t *testing.T

	mu           sync.Mutex
	tokenStatus  int
	tokenBody    string
	pingStatus   int
	nextStatus   int
	nextBody     string
	resultStatus int
	calls        map[string]int
	results      []map[string]interface{}
	pings        []map[string]interface{}
	cookies      []*http.Cookie
	userAgent    string
	tokenQuery   string

	server *httptest.Server
}

func newControlServer(t *testing.T) *controlServer {
	t.Helper()

	cs := &controlServer{
		t:            t,
		tokenStatus:  http.StatusOK,
		tokenBody:    `{"token":"tok-1"}`,
		pingStatus:   http.StatusOK,
		nextStatus:   http.StatusOK,
		nextBody:     `{"command":null}`,
		resultStatus: http.StatusOK,
		calls:        make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/agent/token/", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.calls["token"]++
		cs.cookies = r.Cookies()
		cs.userAgent = r.UserAgent()
		w.WriteHeader(cs.tokenStatus)
		_, _ = w.Write([]byte(cs.tokenBody))
	})
	mux.HandleFunc("/api/agent/ping/", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.calls["ping"]++
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		cs.pings = append(cs.pings, body)
		w.WriteHeader(cs.pingStatus)
	})
	mux.HandleFunc("/api/agent/next-command/", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.calls["next"]++
		cs.tokenQuery = r.URL.Query().Get("token")
		w.WriteHeader(cs.nextStatus)
		_, _ = w.Write([]byte(cs.nextBody))
	})
	mux.HandleFunc("/api/agent/command-result/", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.calls["result"]++
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		cs.results = append(cs.results, body)
		w.WriteHeader(cs.resultStatus)
	})

	cs.server = httptest.NewServer(mux)
	t.Cleanup(cs.server.Close)
	return cs
}

func (cs *controlServer) baseURL() string {
	return cs.server.URL + "/api/agent/"
}

func (cs *controlServer) set(fn func(cs *controlServer)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	fn(cs)
}

func (cs *controlServer) count(name string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.calls[name]
}

func (cs *controlServer) submitted() []map[string]interface{} {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]map[string]interface{}(nil), cs.results...)
}

type fixedSource string

func (s fixedSource) BaseURL() string { return string(s) }

// fakeExecutor is a TargetSelector and Channel
type fakeExecutor struct {
	mu       sync.Mutex
	target   *Target
	response *Response
	err      error
	block    bool
	requests []Request
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		target:   &Target{ID: "tab-1", URL: "https://example.com/"},
		response: &Response{Status: StatusDone},
	}
}

func (f *fakeExecutor) ActiveTarget(context.Context) (Target, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.target == nil {
		return Target{}, false
	}
	return *f.target, true
}

func (f *fakeExecutor) Send(ctx context.Context, _ Target, req Request) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	block, resp, err := f.block, f.response, f.err
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return resp, err
}

func (f *fakeExecutor) sent() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// fakeRecorder counts observations
type fakeRecorder struct {
	mu           sync.Mutex
	outcomes     map[Outcome]int
	tokens       map[string]int
	dropped      int
	pingFailed   int
	reportFailed int
	dispatched   map[Status]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		outcomes:   make(map[Outcome]int),
		tokens:     make(map[string]int),
		dispatched: make(map[Status]int),
	}
}

func (r *fakeRecorder) CycleCompleted(o Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o]++
}

func (r *fakeRecorder) TickDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func (r *fakeRecorder) TokenAcquisition(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[outcome]++
}

func (r *fakeRecorder) PingFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pingFailed++
}

func (r *fakeRecorder) ReportFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reportFailed++
}

func (r *fakeRecorder) CommandDispatched(s Status, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched[s]++
}

func (cs *controlServer) lastPing() map[string]interface{} {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.pings) == 0 {
		return nil
	}
	return cs.pings[len(cs.pings)-1]
}

func (cs *controlServer) lastCookies() []*http.Cookie {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.cookies
}

func (cs *controlServer) lastUserAgent() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.userAgent
}

func (cs *controlServer) lastTokenQuery() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.tokenQuery
}
