package cmd

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsim/flowsim/sim"
)

// dialSession connects to the websocket endpoint and consumes the greeting.
func dialSession(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(30*time.Second)))

	var hello ServerMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "status", hello.Type)
	assert.Equal(t, sim.StateIdle.String(), hello.State)
	return conn
}

// awaitResult reads messages until the run result arrives.
func awaitResult(t *testing.T, conn *websocket.Conn) (*ResultSummary, []sim.NotificationKind) {
	t.Helper()
	var kinds []sim.NotificationKind
	for {
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg.Type {
		case "notification":
			kinds = append(kinds, msg.Notification.Kind)
		case "result":
			return msg.Result, kinds
		case "error":
			t.Fatalf("server error: %s", msg.Error)
		}
	}
}

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	cfg, err := DecodeAnalysisConfig(strings.NewReader(analysisYAML))
	require.NoError(t, err)
	cfg.Export.Dir = t.TempDir()
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(newServer(cfg, newPromNotifier(reg), logrus.NewEntry(logrus.New())).routes(reg))
	t.Cleanup(srv.Close)
	return srv, cfg.Export.Dir
}

func TestServe_StartRunStreamsNotificationsAndResult(t *testing.T) {
	// GIVEN a server for a short analysis exporting into a temp dir
	srv, _ := newTestServer(t)
	conn := dialSession(t, srv.URL)
	defer conn.Close()

	// WHEN the client starts a run
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "start", Duration: 5, Interval: 1}))

	// THEN notifications stream until the exported result arrives
	result, kinds := awaitResult(t, conn)
	assert.Equal(t, string(sim.OutcomeCompleted), result.Outcome)
	assert.False(t, result.Partial)
	assert.Equal(t, 5.0, result.EndTime)
	require.Len(t, result.Files, 3)
	for _, f := range result.Files {
		_, err := os.Stat(f)
		assert.NoError(t, err, f)
		assert.Contains(t, filepath.Base(f), result.RunID)
	}
	assert.Contains(t, kinds, sim.NotifyStarted)
	assert.Contains(t, kinds, sim.NotifyCompleted)
	assert.Contains(t, kinds, sim.NotifyExportSucceeded)
}

func TestServe_ConcurrentSessions_ExportSeparateFiles(t *testing.T) {
	// GIVEN two clients of the same server
	srv, dir := newTestServer(t)
	first := dialSession(t, srv.URL)
	defer first.Close()
	second := dialSession(t, srv.URL)
	defer second.Close()

	// WHEN both start a run at the same time
	require.NoError(t, first.WriteJSON(ClientMessage{Type: "start", Duration: 5, Interval: 1}))
	require.NoError(t, second.WriteJSON(ClientMessage{Type: "start", Duration: 3, Interval: 1}))
	a, _ := awaitResult(t, first)
	b, _ := awaitResult(t, second)

	// THEN each run keeps its own three files
	assert.NotEqual(t, a.RunID, b.RunID)
	files := append(append([]string(nil), a.Files...), b.Files...)
	seen := make(map[string]bool)
	for _, f := range files {
		assert.False(t, seen[f], "file %s written by both runs", f)
		seen[f] = true
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

func TestRunBaseName(t *testing.T) {
	assert.Equal(t, "analysis_0190", runBaseName("analysis", "0190"))
}

func TestServe_UnknownCommand(t *testing.T) {
	cfg, err := DecodeAnalysisConfig(strings.NewReader(analysisYAML))
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(newServer(cfg, newPromNotifier(reg), logrus.NewEntry(logrus.New())).routes(reg))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var hello, reply ServerMessage
	require.NoError(t, conn.ReadJSON(&hello))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "pause"}))
	require.NoError(t, conn.ReadJSON(&reply))

	assert.Equal(t, "error", reply.Type)
	assert.Contains(t, reply.Error, "pause")
}
