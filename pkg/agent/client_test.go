package agent

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServerClient() *ServerClient {
	return NewServerClient(NewHTTPClient(ClientConfig{Timeout: 2 * time.Second}), "webagent/test")
}

func TestServerClientPing(t *testing.T) {
	cs := newControlServer(t)

	require.NoError(t, newTestServerClient().Ping(context.Background(), cs.baseURL(), "tok-1"))
	assert.Equal(t, 1, cs.count("ping"))
	assert.Equal(t, map[string]interface{}{"token": "tok-1", "status": "idle"}, cs.lastPing())

	cs.set(func(cs *controlServer) { cs.pingStatus = http.StatusBadGateway })
	assert.Error(t, newTestServerClient().Ping(context.Background(), cs.baseURL(), "tok-1"))
}

func TestServerClientNextCommand(t *testing.T) {
	t.Run("command present", func(t *testing.T) {
		cs := newControlServer(t)
		cs.set(func(cs *controlServer) {
			cs.nextBody = `{"command":{"id":"c1","type":"CLICK_SELECTOR","payload":{"selector":"#go"}}}`
		})

		cmd, err := newTestServerClient().NextCommand(context.Background(), cs.baseURL(), "tok-1")
		require.NoError(t, err)
		require.NotNil(t, cmd)
		assert.Equal(t, "c1", cmd.ID.String())
		assert.Equal(t, CommandClickSelector, cmd.Type)
		assert.JSONEq(t, `{"selector":"#go"}`, string(cmd.Payload))
	})

	t.Run("token is query escaped", func(t *testing.T) {
		cs := newControlServer(t)

		_, err := newTestServerClient().NextCommand(context.Background(), cs.baseURL(), "a b&c=d")
		require.NoError(t, err)
		assert.Equal(t, "a b&c=d", cs.lastTokenQuery())
	})

	for name, body := range map[string]string{
		"null command": `{"command":null}`,
		"empty object": `{}`,
		"other fields": `{"detail":"nothing queued"}`,
	} {
		t.Run(name, func(t *testing.T) {
			cs := newControlServer(t)
			cs.set(func(cs *controlServer) { cs.nextBody = body })

			cmd, err := newTestServerClient().NextCommand(context.Background(), cs.baseURL(), "tok-1")
			require.NoError(t, err)
			assert.Nil(t, cmd)
		})
	}

	t.Run("non-2xx is an error, not a command", func(t *testing.T) {
		cs := newControlServer(t)
		cs.set(func(cs *controlServer) {
			cs.nextStatus = http.StatusInternalServerError
			cs.nextBody = `{"command":{"id":"c1","type":"OPEN_URL"}}`
		})

		cmd, err := newTestServerClient().NextCommand(context.Background(), cs.baseURL(), "tok-1")
		assert.Error(t, err)
		assert.Nil(t, cmd)
	})

	t.Run("command without type is malformed", func(t *testing.T) {
		cs := newControlServer(t)
		cs.set(func(cs *controlServer) { cs.nextBody = `{"command":{"id":"c1"}}` })

		cmd, err := newTestServerClient().NextCommand(context.Background(), cs.baseURL(), "tok-1")
		assert.ErrorIs(t, err, ErrMalformedCommand)
		assert.Nil(t, cmd)
	})
}

func TestServerClientSubmitResult(t *testing.T) {
	cs := newControlServer(t)
	client := newTestServerClient()

	err := client.SubmitResult(context.Background(), cs.baseURL(), "tok-1", CommandResult{
		CommandID: NumericID(7),
		Status:    StatusError,
		Message:   "element not found: #go",
	})
	require.NoError(t, err)

	results := cs.submitted()
	require.Len(t, results, 1)
	assert.Equal(t, map[string]interface{}{
		"token":       "tok-1",
		"command_id":  float64(7),
		"status":      "error",
		"result_text": "element not found: #go",
	}, results[0])

	cs.set(func(cs *controlServer) { cs.resultStatus = http.StatusNotFound })
	assert.Error(t, client.SubmitResult(context.Background(), cs.baseURL(), "tok-1", CommandResult{CommandID: StringID("c2"), Status: StatusDone}))
}
