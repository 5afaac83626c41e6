package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/EternisAI/silo-desktop/internal/agents"
	"github.com/EternisAI/silo-desktop/internal/db"
	"github.com/EternisAI/silo-desktop/internal/protocol"
	"github.com/EternisAI/silo-desktop/internal/ws/server"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server   *server.Server
	registry *agents.Service
	url      string
}

func newTestEnv(t *testing.T, cfg server.Config) *testEnv {
	t.Helper()

	sqlDB, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	registry := agents.NewService(agents.NewSQLiteStore(sqlDB), nil)
	srv := server.NewServer(cfg, registry, nil)
	ts := httptest.NewServer(srv)

	t.Cleanup(func() {
		_ = srv.StopWithTimeout(2 * time.Second)
		ts.Close()
	})

	return &testEnv{
		server:   srv,
		registry: registry,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + server.DefaultPath,
	}
}

func (e *testEnv) createAgent(t *testing.T) *agents.Agent {
	t.Helper()

	agent, err := e.registry.CreateAgent(context.Background(), agents.CreateAgentParams{
		UserID:   "1",
		Hostname: "Desktop Agent",
		OS:       "Linux",
		Version:  "1.0.0",
	})
	require.NoError(t, err)
	return agent
}

func (e *testEnv) startClient(t *testing.T, token string) *Client {
	t.Helper()

	c := NewClient(e.url, token, NewCommandHandler("1.0.0"), nil)
	c.initialReconnectDelay = 10 * time.Millisecond
	c.reconnectDelay = 10 * time.Millisecond
	c.maxReconnectDelay = 50 * time.Millisecond
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClient_AuthenticatesAndRunsCommands(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	agent := env.createAgent(t)
	c := env.startClient(t, agent.Token)

	cm := env.server.ConnectionManager()
	require.Eventually(t, func() bool { return cm.IsConnected(agent.AgentID) }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, agent.AgentID, c.AgentID())
	assert.True(t, c.Connected())

	ctx := context.Background()
	dispatcher := env.server.Dispatcher()

	result, err := dispatcher.SendCommand(ctx, agent.AgentID, "echo", json.RawMessage(`{"hello":"world"}`), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.JSONEq(t, `{"hello":"world"}`, string(result.Data))

	result, err = dispatcher.SendCommand(ctx, agent.AgentID, "system_info", nil, 2*time.Second)
	require.NoError(t, err)
	require.True(t, result.OK)

	var info SystemInfo
	require.NoError(t, json.Unmarshal(result.Data, &info))
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, "1.0.0", info.AgentVersion)

	result, err = dispatcher.SendCommand(ctx, agent.AgentID, "format_disk", nil, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "unknown command")
}

func TestClient_AnswersHeartbeats(t *testing.T) {
	env := newTestEnv(t, server.Config{
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatGrace:    150 * time.Millisecond,
	})
	agent := env.createAgent(t)
	env.startClient(t, agent.Token)

	cm := env.server.ConnectionManager()
	require.Eventually(t, func() bool { return cm.IsConnected(agent.AgentID) }, 3*time.Second, 10*time.Millisecond)
	first, _ := cm.GetConnection(agent.AgentID)

	time.Sleep(500 * time.Millisecond)

	current, ok := cm.GetConnection(agent.AgentID)
	require.True(t, ok)
	assert.Same(t, first, current)
}

func TestClient_StopsOnInvalidToken(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	c := env.startClient(t, "dat_not-a-real-token")

	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), ErrAuthRejected)
	assert.False(t, c.Connected())
}

func TestClient_StopsWhenRevoked(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	agent := env.createAgent(t)
	c := env.startClient(t, agent.Token)

	cm := env.server.ConnectionManager()
	require.Eventually(t, func() bool { return cm.IsConnected(agent.AgentID) }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, env.registry.Revoke(context.Background(), agent.AgentID))
	cm.Evict(agent.AgentID, server.NewError(server.ErrAuth, protocol.ReasonRevoked))

	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), ErrAuthRejected)
}

func TestClient_ReconnectsAfterEviction(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	agent := env.createAgent(t)
	c := env.startClient(t, agent.Token)

	cm := env.server.ConnectionManager()
	require.Eventually(t, func() bool { return cm.IsConnected(agent.AgentID) }, 3*time.Second, 10*time.Millisecond)
	first, _ := cm.GetConnection(agent.AgentID)

	require.True(t, cm.Evict(agent.AgentID, server.NewError(server.ErrTimeout, protocol.ReasonHeartbeatTimeout)))

	require.Eventually(t, func() bool {
		current, ok := cm.GetConnection(agent.AgentID)
		return ok && current != first
	}, 3*time.Second, 10*time.Millisecond)
	assert.NoError(t, c.Err())
}

func TestClient_SupersededClientStops(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	agent := env.createAgent(t)
	cm := env.server.ConnectionManager()

	c1 := env.startClient(t, agent.Token)
	require.Eventually(t, func() bool { return c1.Connected() }, 3*time.Second, 10*time.Millisecond)
	first, _ := cm.GetConnection(agent.AgentID)

	c2 := env.startClient(t, agent.Token)

	waitDone(t, c1)
	assert.ErrorIs(t, c1.Err(), ErrSuperseded)

	require.Eventually(t, func() bool {
		current, ok := cm.GetConnection(agent.AgentID)
		return ok && current != first
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, c2.Connected())
}

func TestClient_SendLog(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	agent := env.createAgent(t)
	c := env.startClient(t, agent.Token)

	require.Eventually(t, func() bool { return c.Connected() }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, c.SendLog("warning", "disk almost full", map[string]interface{}{"free_gb": 2}))

	var logs []agents.AgentLog
	require.Eventually(t, func() bool {
		var err error
		logs, err = env.registry.ListAgentLogs(context.Background(), agent.AgentID, 10)
		return err == nil && len(logs) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "warning", logs[0].Level)
	assert.Equal(t, "disk almost full", logs[0].Message)
	assert.EqualValues(t, 2, logs[0].Metadata["free_gb"])
}

func TestClient_StopBeforeStart(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", "dat_token", nil, nil)
	require.NoError(t, c.Stop())
	assert.Error(t, c.Start())
}

func TestClient_StartRequiresToken(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", "", nil, nil)
	assert.ErrorIs(t, c.Start(), ErrAuthRejected)
}

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		code     int
		terminal bool
	}{
		{protocol.CloseAuth, true},
		{protocol.CloseConflict, true},
		{protocol.CloseTimeout, false},
		{protocol.CloseInternal, false},
		{protocol.CloseGoingAway, false},
	}

	for _, tt := range tests {
		err := classifyClose(websocket.CloseError{Code: websocket.StatusCode(tt.code), Reason: "x"})
		assert.Equal(t, tt.terminal, isTerminal(err), "close code %d", tt.code)
	}
}
