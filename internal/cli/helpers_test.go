package cli

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/webagent/pkg/agent"
	"github.com/harun/webagent/pkg/bridge"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a bridge-mode config rooted in a temp data dir and returns its path
func writeConfig(t *testing.T, baseURL string) (path, dataDir string) {
	t.Helper()
	return writeBridgeConfig(t, baseURL, "127.0.0.1:0")
}

// writeBridgeConfig is writeConfig with a fixed bridge listen address
func writeBridgeConfig(t *testing.T, baseURL, listen string) (path, dataDir string) {
	t.Helper()
	dataDir = t.TempDir()
	path = filepath.Join(dataDir, "webagent.json")

	data, err := json.Marshal(map[string]interface{}{
		"server":   map[string]string{"base_url": baseURL},
		"executor": map[string]string{"mode": "bridge"},
		"bridge":   map[string]string{"listen": listen, "path": "/bridge"},
		"logging":  map[string]interface{}{"level": "debug", "console": false, "file": filepath.Join(dataDir, "webagent.log")},
		"data_dir": dataDir,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, dataDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	cmd.SetArgs(args)

	// cobra keeps --help set on the shared command tree between Execute calls
	if sub, _, err := cmd.Find(args); err == nil {
		if f := sub.Flags().Lookup("help"); f != nil {
			_ = f.Value.Set("false")
			f.Changed = false
		}
	}

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)

	err := cmd.Execute()
	return output.String(), err
}

func hasCommand(name string) bool {
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == name {
			return true
		}
	}
	return false
}

// freeAddr returns a loopback address nothing is listening on
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// serveExecutor keeps dialing the bridge at addr until it connects, then
// replies done to every command until the test ends
func serveExecutor(t *testing.T, addr string) {
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
			c, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/bridge", nil)
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
