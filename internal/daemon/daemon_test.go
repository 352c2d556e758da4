package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/webagent/internal/config"
	"github.com/harun/webagent/internal/logger"
	"github.com/harun/webagent/pkg/agent"
	"github.com/harun/webagent/pkg/bridge"
	"github.com/harun/webagent/pkg/browser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControlServer serves the agent API under /api/agent/
type fakeControlServer struct {
	*httptest.Server

	mu          sync.Mutex
	tokenStatus int
	commands    []string
	pings       int
	fetches     int
	results     []map[string]interface{}
}

func newFakeControlServer(t *testing.T) *fakeControlServer {
	t.Helper()
	cs := &fakeControlServer{tokenStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/agent/token/", func(w http.ResponseWriter, _ *http.Request) {
		cs.mu.Lock()
		status := cs.tokenStatus
		cs.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"token":"tok"}`)
	})
	mux.HandleFunc("/api/agent/ping/", func(w http.ResponseWriter, _ *http.Request) {
		cs.mu.Lock()
		cs.pings++
		cs.mu.Unlock()
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/api/agent/next-command/", func(w http.ResponseWriter, _ *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.fetches++
		if len(cs.commands) == 0 {
			_, _ = io.WriteString(w, `{"command":null}`)
			return
		}
		next := cs.commands[0]
		cs.commands = cs.commands[1:]
		_, _ = io.WriteString(w, `{"command":`+next+`}`)
	})
	mux.HandleFunc("/api/agent/command-result/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		cs.mu.Lock()
		cs.results = append(cs.results, body)
		cs.mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	cs.Server = httptest.NewServer(mux)
	t.Cleanup(cs.Close)
	return cs
}

func (cs *fakeControlServer) baseURL() string {
	return cs.URL + "/api/agent/"
}

func (cs *fakeControlServer) pingCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.pings
}

func (cs *fakeControlServer) fetchCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.fetches
}

func (cs *fakeControlServer) submitted() []map[string]interface{} {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]map[string]interface{}(nil), cs.results...)
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Server.BaseURL = config.NormalizeBaseURL(baseURL)
	cfg.Poll.Interval = 20 * time.Millisecond
	cfg.Dispatch.Timeout = time.Second
	cfg.Executor.Mode = config.ExecutorBridge
	cfg.Bridge.Listen = "127.0.0.1:0"
	return cfg
}

// createTestDaemon creates a bridge-mode daemon, so no browser is needed
func createTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(testConfig(t, "http://127.0.0.1:1/api/agent"), logger.Nop())
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t)
	defer d.Close()

	assert.NotNil(t, d.bridge)
	assert.Nil(t, d.executor)
	assert.NotNil(t, d.loop)
	assert.NotNil(t, d.dispatcher)
	assert.NotNil(t, d.metrics)
	assert.NotNil(t, d.lifecycle)
	assert.Equal(t, "http://127.0.0.1:1/api/agent/", d.source.BaseURL())
}

func TestNewBrowserMode(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/api/agent/")
	cfg.Executor.Mode = config.ExecutorBrowser

	d, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	defer d.Close()

	assert.NotNil(t, d.executor)
	assert.NotNil(t, d.profile)
	assert.Nil(t, d.bridge)
}

func TestNewBrowserModeRegistersHandlers(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/api/agent/")
	cfg.Executor.Mode = config.ExecutorBrowser

	readTitle := func(ctx context.Context, p browser.Page, _ json.RawMessage) (string, error) {
		info, err := p.Info(ctx)
		return info.Title, err
	}
	d, err := New(cfg, logger.Nop(), WithBrowserHandler("READ_TITLE", readTitle))
	require.NoError(t, err)
	defer d.Close()

	assert.True(t, d.executor.Handles("READ_TITLE"))
	assert.True(t, d.executor.Handles(agent.CommandClickSelector))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/api/agent/")
	cfg.Executor.Mode = "carrier-pigeon"

	_, err := New(cfg, logger.Nop())
	assert.Error(t, err)
}

func TestDaemonStartStop(t *testing.T) {
	cs := newFakeControlServer(t)
	d, err := New(testConfig(t, cs.baseURL()), logger.Nop())
	require.NoError(t, err)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, config.ExecutorBridge, status.Executor)

	pidFile := PIDFilePath(d.config.DataDir)
	_, err = os.Stat(pidFile)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return cs.pingCount() >= 2 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Stop())
	assert.Error(t, d.Stop())

	status = d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)
	assert.GreaterOrEqual(t, status.Cycles, uint64(2))

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonDispatchesOverBridge(t *testing.T) {
	cs := newFakeControlServer(t)
	cfg := testConfig(t, cs.baseURL())
	cfg.Bridge.SharedSecret = "s3cret"

	d, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	header := http.Header{"Authorization": {"Bearer s3cret"}}
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+d.GetBridge().Addr()+cfg.Bridge.Path, header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	go func() {
		for {
			var msg bridge.CommandMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			_ = conn.WriteJSON(bridge.ReplyMessage{ID: msg.ID, Status: agent.StatusDone, Message: "clicked " + msg.Command.Type})
		}
	}()
	require.Eventually(t, func() bool { return len(d.GetBridge().Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cs.mu.Lock()
	cs.commands = append(cs.commands, `{"id":"c1","type":"CLICK_SELECTOR","payload":{"selector":"#submit"}}`)
	cs.mu.Unlock()

	require.Eventually(t, func() bool { return len(cs.submitted()) == 1 }, 3*time.Second, 10*time.Millisecond)

	result := cs.submitted()[0]
	assert.Equal(t, "tok", result["token"])
	assert.Equal(t, "c1", result["command_id"])
	assert.Equal(t, "done", result["status"])
	assert.Equal(t, "clicked CLICK_SELECTOR", result["result_text"])
}

// serveExecutor connects a bridge executor once the bridge is listening and
// replies done to every command until the test ends
func serveExecutor(t *testing.T, b *bridge.Server, path string) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	go func() {
		var conn *websocket.Conn
		for conn == nil {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			if b.Addr() == "" {
				continue
			}
			c, resp, err := websocket.DefaultDialer.Dial("ws://"+b.Addr()+path, nil)
			if err != nil {
				continue
			}
			resp.Body.Close()
			conn = c
		}
		defer conn.Close()
		go func() {
			<-stop
			conn.Close()
		}()

		for {
			var msg bridge.CommandMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			_ = conn.WriteJSON(bridge.ReplyMessage{ID: msg.ID, Status: agent.StatusDone, Message: "ran " + msg.Command.Type})
		}
	}()
}

func TestDaemonRunOnce(t *testing.T) {
	cs := newFakeControlServer(t)
	cs.tokenStatus = http.StatusUnauthorized

	cfg := testConfig(t, cs.baseURL())
	d, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	defer d.Close()
	serveExecutor(t, d.GetBridge(), cfg.Bridge.Path)

	report, err := d.RunOnce(context.Background(), 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeUnauthenticated, report.Outcome)
	assert.Equal(t, 0, cs.pingCount())
}

func TestDaemonRunOnceDispatchesToConnectedExecutor(t *testing.T) {
	cs := newFakeControlServer(t)
	cs.commands = append(cs.commands, `{"id":1,"type":"OPEN_URL","payload":{"url":"https://example.com"}}`)

	cfg := testConfig(t, cs.baseURL())
	d, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	defer d.Close()
	serveExecutor(t, d.GetBridge(), cfg.Bridge.Path)

	report, err := d.RunOnce(context.Background(), 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeDispatched, report.Outcome)

	results := cs.submitted()
	require.Len(t, results, 1)
	assert.Equal(t, "done", results[0]["status"])
	assert.Equal(t, "ran OPEN_URL", results[0]["result_text"])
}

func TestDaemonRunOnceWithoutExecutorFetchesNothing(t *testing.T) {
	cs := newFakeControlServer(t)
	cs.commands = append(cs.commands, `{"id":1,"type":"OPEN_URL","payload":{"url":"https://example.com"}}`)

	d, err := New(testConfig(t, cs.baseURL()), logger.Nop())
	require.NoError(t, err)
	defer d.Close()

	_, err = d.RunOnce(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrNoPeer)
	assert.Equal(t, 0, cs.fetchCount())
	assert.Empty(t, cs.submitted())
}

func TestDaemonMetricsServer(t *testing.T) {
	cs := newFakeControlServer(t)
	cfg := testConfig(t, cs.baseURL())
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"

	d, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	require.Eventually(t, func() bool { return d.Status().Cycles >= 1 }, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + d.metricsServer.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `webagent_cycles_total{outcome="idle"}`)
	assert.Contains(t, string(body), "webagent_bridge_peers 0")
}

func TestDaemonLiveBaseURL(t *testing.T) {
	first := newFakeControlServer(t)
	second := newFakeControlServer(t)

	dir := t.TempDir()
	path := dir + "/webagent.json"
	write := func(base string) {
		data, err := json.Marshal(map[string]interface{}{
			"server":   map[string]string{"base_url": base},
			"executor": map[string]string{"mode": "bridge"},
			"bridge":   map[string]string{"listen": "127.0.0.1:0", "path": "/bridge"},
			"poll":     map[string]string{"interval": "20ms"},
			"data_dir": dir,
		})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0644))
	}
	write(first.baseURL())

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	d, err := New(cfg, logger.Nop(), WithLoader(loader))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	require.Eventually(t, func() bool { return first.pingCount() >= 1 }, 3*time.Second, 10*time.Millisecond)

	write(second.baseURL())
	require.Eventually(t, func() bool { return second.pingCount() >= 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, second.baseURL(), d.Status().BaseURL)
}

func TestDaemonGetters(t *testing.T) {
	d := createTestDaemon(t)
	defer d.Close()

	assert.NotNil(t, d.GetConfig())
	assert.NotNil(t, d.GetLogger())
	assert.NotNil(t, d.GetMetrics())
	assert.NotNil(t, d.GetBridge())
	assert.NotNil(t, d.GetLoop())
}
