package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestViewerStatusIdle(t *testing.T) {
	withTempHome(t)

	v := newViewerServer(0, newTestLogger(), nil)
	srv := httptest.NewServer(v.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.False(t, status.ArchiverRunning)
	assert.Nil(t, status.CurrentTask)
	assert.Equal(t, Version, status.Version)
}

func TestViewerStatusRunning(t *testing.T) {
	withTempHome(t)

	require.NoError(t, WritePIDFile())
	require.NoError(t, WriteTaskInfo(&TaskInfo{PID: os.Getpid(), Table: "orders", Destination: "orders_history", Archived: 42}))

	v := newViewerServer(0, newTestLogger(), nil)
	srv := httptest.NewServer(v.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.ArchiverRunning)
	assert.Equal(t, os.Getpid(), status.PID)
	require.NotNil(t, status.CurrentTask)
	assert.Equal(t, "orders", status.CurrentTask.Table)
	assert.EqualValues(t, 42, status.CurrentTask.Archived)
}

func TestViewerServesPage(t *testing.T) {
	v := newViewerServer(0, newTestLogger(), nil)
	srv := httptest.NewServer(v.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	missing, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestViewerWebSocketSendsStatus(t *testing.T) {
	withTempHome(t)

	v := newViewerServer(0, newTestLogger(), nil)
	srv := httptest.NewServer(v.routes())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go v.broadcastLoop(ctx)

	conn := dialWS(t, srv, "/ws")

	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status", msg.Type)

	// Pushed updates reach registered clients
	v.publishStatus(ctx)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status", msg.Type)
}

func TestViewerStreamsLogs(t *testing.T) {
	logs := make(chan LogMessage, 10)
	v := newViewerServer(0, newTestLogger(), logs)
	srv := httptest.NewServer(v.routes())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go v.logLoop(ctx)

	conn := dialWS(t, srv, "/ws/logs")

	// The greeting is written after the client is registered
	var hello LogMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "Log streaming connected", hello.Message)

	logs <- LogMessage{Timestamp: "2024-03-15 10:00:00", Level: "INFO", Message: "orders batch 1"}

	var got LogMessage
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "orders batch 1", got.Message)
	assert.Equal(t, 1, v.logClients.len())
}

func TestBroadcastLogHandlerForwardsRecords(t *testing.T) {
	ch := enableLogBroadcast()
	for len(ch) > 0 {
		<-ch
	}

	l := backgroundLogger(false, "text")
	l.Info("hello viewer")

	select {
	case msg := <-ch:
		assert.Equal(t, "hello viewer", msg.Message)
		assert.Equal(t, "INFO", msg.Level)
	case <-time.After(time.Second):
		t.Fatal("log record was not broadcast")
	}
}
