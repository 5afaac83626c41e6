package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/EternisAI/silo-desktop/internal/agents"
	"github.com/EternisAI/silo-desktop/internal/presence"
	"github.com/EternisAI/silo-desktop/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server   *Server
	registry *agents.Service
	url      string
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	registry := newTestRegistry(t)
	return newTestEnvWith(t, cfg, registry, registry)
}

// newTestEnvWith serves the channel from wrapped, which usually decorates
// registry.
func newTestEnvWith(t *testing.T, cfg Config, registry *agents.Service, wrapped Registry) *testEnv {
	t.Helper()

	srv := NewServer(cfg, wrapped, nil)
	ts := httptest.NewServer(srv)

	t.Cleanup(func() {
		_ = srv.StopWithTimeout(2 * time.Second)
		ts.Close()
	})

	return &testEnv{
		server:   srv,
		registry: registry,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultPath,
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, v))
}

// readEnvelope returns the next non-ping message.
func readEnvelope(t *testing.T, c *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		var env protocol.Envelope
		require.NoError(t, wsjson.Read(ctx, c, &env))
		if env.Type != protocol.TypePing {
			return &env
		}
	}
}

// readClose reads until the server closes the channel and returns the close
// frame.
func readClose(t *testing.T, c *websocket.Conn) websocket.CloseError {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		_, _, err := c.Read(ctx)
		if err == nil {
			continue
		}
		var ce websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce
	}
}

func authenticate(t *testing.T, c *websocket.Conn, token string) *protocol.Envelope {
	t.Helper()
	send(t, c, protocol.Auth(token))
	env := readEnvelope(t, c)
	require.Equal(t, protocol.TypeAuthOK, env.Type, "handshake failed: %+v", env)
	return env
}

func agentStatus(t *testing.T, registry *agents.Service, agentID string) presence.Status {
	t.Helper()
	a, err := registry.FindByID(context.Background(), agentID)
	require.NoError(t, err)
	return a.Status
}

func TestServer_EndToEnd(t *testing.T) {
	env := newTestEnv(t, Config{})
	agent := createAgent(t, env.registry)
	cm := env.server.ConnectionManager()

	c1 := env.dial(t)
	ok := authenticate(t, c1, agent.Token)
	assert.Equal(t, agent.AgentID, ok.AgentID)

	require.Eventually(t, func() bool { return cm.IsConnected(agent.AgentID) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, presence.StatusOnline, agentStatus(t, env.registry, agent.AgentID))

	// A second channel with the same token supersedes the first.
	c2 := env.dial(t)
	authenticate(t, c2, agent.Token)

	ce := readClose(t, c1)
	assert.Equal(t, websocket.StatusCode(protocol.CloseConflict), ce.Code)
	assert.Equal(t, protocol.ReasonSuperseded, ce.Reason)
	assert.Equal(t, 1, cm.Count())

	// Commands reach the surviving channel and results come back.
	results := make(chan sendResult, 1)
	go func() {
		r, err := env.server.Dispatcher().SendCommand(context.Background(), agent.AgentID, "ping", nil, 2*time.Second)
		results <- sendResult{result: r, err: err}
	}()

	cmd := readEnvelope(t, c2)
	require.Equal(t, protocol.TypeCommand, cmd.Type)
	assert.Equal(t, "ping", cmd.Name)
	send(t, c2, protocol.ResultOK(cmd.ID, json.RawMessage(`{"pong":true}`)))

	r := waitResult(t, results)
	require.NoError(t, r.err)
	assert.True(t, r.result.OK)
	assert.JSONEq(t, `{"pong":true}`, string(r.result.Data))

	assert.Equal(t, presence.StatusOnline, agentStatus(t, env.registry, agent.AgentID))

	// Clean disconnect marks the agent offline.
	require.NoError(t, c2.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return !cm.IsConnected(agent.AgentID) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return agentStatus(t, env.registry, agent.AgentID) == presence.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_InvalidToken(t *testing.T) {
	env := newTestEnv(t, Config{})

	c := env.dial(t)
	send(t, c, protocol.Auth("dat_not-a-real-token"))

	fail := readEnvelope(t, c)
	assert.Equal(t, protocol.TypeAuthFail, fail.Type)
	assert.Equal(t, protocol.ReasonInvalidToken, fail.Reason)

	ce := readClose(t, c)
	assert.Equal(t, websocket.StatusCode(protocol.CloseAuth), ce.Code)
	assert.Equal(t, protocol.ReasonInvalidToken, ce.Reason)
	assert.Equal(t, 0, env.server.ConnectionManager().Count())
}

func TestServer_RevokedToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	agent := createAgent(t, env.registry)
	require.NoError(t, env.registry.Revoke(context.Background(), agent.AgentID))

	c := env.dial(t)
	send(t, c, protocol.Auth(agent.Token))

	fail := readEnvelope(t, c)
	assert.Equal(t, protocol.TypeAuthFail, fail.Type)

	ce := readClose(t, c)
	assert.Equal(t, websocket.StatusCode(protocol.CloseAuth), ce.Code)
	assert.Equal(t, presence.StatusRevoked, agentStatus(t, env.registry, agent.AgentID))
}

// failingRegistry simulates a store outage for the selected calls.
type failingRegistry struct {
	*agents.Service
	failLookup bool
	failApply  bool
}

var errStoreDown = errors.New("connection refused")

func (f *failingRegistry) FindByToken(ctx context.Context, token string) (*agents.Agent, error) {
	if f.failLookup {
		return nil, errStoreDown
	}
	return f.Service.FindByToken(ctx, token)
}

func (f *failingRegistry) Apply(ctx context.Context, agentID string, ev presence.Event) (presence.Status, bool, error) {
	if f.failApply {
		return "", false, errStoreDown
	}
	return f.Service.Apply(ctx, agentID, ev)
}

func TestServer_StoreOutageClosesRetryably(t *testing.T) {
	tests := []struct {
		name     string
		registry func(*agents.Service) *failingRegistry
	}{
		{"token lookup", func(s *agents.Service) *failingRegistry { return &failingRegistry{Service: s, failLookup: true} }},
		{"install", func(s *agents.Service) *failingRegistry { return &failingRegistry{Service: s, failApply: true} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := newTestRegistry(t)
			env := newTestEnvWith(t, Config{}, registry, tt.registry(registry))
			agent := createAgent(t, registry)

			c := env.dial(t)
			send(t, c, protocol.Auth(agent.Token))

			// No auth_fail: the close frame is the first thing the agent sees.
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_, _, err := c.Read(ctx)
			var ce websocket.CloseError
			require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
			assert.Equal(t, websocket.StatusCode(protocol.CloseInternal), ce.Code)
			assert.Equal(t, protocol.ReasonUnavailable, ce.Reason)
			assert.NotEqual(t, websocket.StatusCode(protocol.CloseAuth), ce.Code)
			assert.Equal(t, 0, env.server.ConnectionManager().Count())
		})
	}
}

func TestServer_MissingToken(t *testing.T) {
	env := newTestEnv(t, Config{})

	c := env.dial(t)
	send(t, c, protocol.Auth(""))

	fail := readEnvelope(t, c)
	assert.Equal(t, protocol.ReasonMissingToken, fail.Reason)

	ce := readClose(t, c)
	assert.Equal(t, websocket.StatusCode(protocol.CloseAuth), ce.Code)
	assert.Equal(t, protocol.ReasonMissingToken, ce.Reason)
}

func TestServer_NonAuthFirstMessage(t *testing.T) {
	env := newTestEnv(t, Config{})
	agent := createAgent(t, env.registry)

	c := env.dial(t)
	send(t, c, protocol.ResultOK("c1", nil))

	ce := readClose(t, c)
	assert.Equal(t, websocket.StatusCode(protocol.CloseProtocol), ce.Code)
	assert.Equal(t, protocol.ReasonUnexpectedMessage, ce.Reason)

	// Nothing sent before auth was acted on.
	assert.Equal(t, presence.StatusPending, agentStatus(t, env.registry, agent.AgentID))
}

func TestServer_MalformedFirstMessage(t *testing.T) {
	env := newTestEnv(t, Config{})

	c := env.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{not json")))

	ce := readClose(t, c)
	assert.Equal(t, websocket.StatusCode(protocol.CloseProtocol), ce.Code)
	assert.Equal(t, protocol.ReasonMalformedMessage, ce.Reason)
}

func TestServer_HandshakeTimeout(t *testing.T) {
	env := newTestEnv(t, Config{HandshakeTimeout: 100 * time.Millisecond})

	c := env.dial(t)

	ce := readClose(t, c)
	assert.Equal(t, websocket.StatusCode(protocol.CloseTimeout), ce.Code)
	assert.Equal(t, protocol.ReasonHandshakeTimeout, ce.Reason)
}

func TestServer_HeartbeatTimeout(t *testing.T) {
	env := newTestEnv(t, Config{HeartbeatInterval: 50 * time.Millisecond})
	agent := createAgent(t, env.registry)
	cm := env.server.ConnectionManager()

	c := env.dial(t)
	authenticate(t, c, agent.Token)

	// Never answer pings.
	ce := readClose(t, c)
	assert.Equal(t, websocket.StatusCode(protocol.CloseTimeout), ce.Code)
	assert.Equal(t, protocol.ReasonHeartbeatTimeout, ce.Reason)

	assert.False(t, cm.IsConnected(agent.AgentID))
	require.Eventually(t, func() bool {
		return agentStatus(t, env.registry, agent.AgentID) == presence.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_PongKeepsConnectionAlive(t *testing.T) {
	env := newTestEnv(t, Config{HeartbeatInterval: 50 * time.Millisecond})
	agent := createAgent(t, env.registry)
	cm := env.server.ConnectionManager()

	c := env.dial(t)
	authenticate(t, c, agent.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, c, &env); err != nil {
			break
		}
		if env.Type == protocol.TypePing {
			send(t, c, protocol.Pong())
		}
	}

	assert.True(t, cm.IsConnected(agent.AgentID))
}

func TestServer_MalformedAfterHandshake(t *testing.T) {
	env := newTestEnv(t, Config{MaxMalformed: 2})
	agent := createAgent(t, env.registry)

	c := env.dial(t)
	authenticate(t, c, agent.Token)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Each bad message is answered with an error until the limit is passed.
	for i := 0; i < 2; i++ {
		require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("garbage")))
		reply := readEnvelope(t, c)
		assert.Equal(t, protocol.TypeError, reply.Type)
		assert.NotEmpty(t, reply.Error)
	}

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("garbage")))

	ce := readClose(t, c)
	assert.Equal(t, websocket.StatusCode(protocol.CloseProtocol), ce.Code)
	assert.Equal(t, protocol.ReasonTooManyMalformed, ce.Reason)
}

func TestServer_ValidMessageResetsMalformedCount(t *testing.T) {
	env := newTestEnv(t, Config{MaxMalformed: 1})
	agent := createAgent(t, env.registry)
	cm := env.server.ConnectionManager()

	c := env.dial(t)
	authenticate(t, c, agent.Token)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("garbage")))
		assert.Equal(t, protocol.TypeError, readEnvelope(t, c).Type)

		send(t, c, protocol.Ping())
		assert.Equal(t, protocol.TypePong, readEnvelope(t, c).Type)
	}

	assert.True(t, cm.IsConnected(agent.AgentID))
}

func TestServer_AgentLogsAreStored(t *testing.T) {
	env := newTestEnv(t, Config{})
	agent := createAgent(t, env.registry)

	c := env.dial(t)
	authenticate(t, c, agent.Token)

	send(t, c, protocol.Log("warning", "battery low", map[string]interface{}{"level": "12%"}))

	require.Eventually(t, func() bool {
		logs, err := env.registry.ListAgentLogs(context.Background(), agent.AgentID, 10)
		return err == nil && len(logs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	logs, err := env.registry.ListAgentLogs(context.Background(), agent.AgentID, 10)
	require.NoError(t, err)
	assert.Equal(t, "warning", logs[0].Level)
	assert.Equal(t, "battery low", logs[0].Message)
	assert.Equal(t, "12%", logs[0].Metadata["level"])
}

func TestServer_StopClosesWithShutdown(t *testing.T) {
	env := newTestEnv(t, Config{})
	agent := createAgent(t, env.registry)

	c := env.dial(t)
	authenticate(t, c, agent.Token)

	require.NoError(t, env.server.StopWithTimeout(2*time.Second))

	ce := readClose(t, c)
	assert.Equal(t, websocket.StatusGoingAway, ce.Code)
	assert.Equal(t, protocol.ReasonShutdown, ce.Reason)
}
