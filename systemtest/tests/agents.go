package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/EternisAI/silo-desktop/internal/agents"
	"github.com/EternisAI/silo-desktop/internal/api/http/dto"
	"github.com/EternisAI/silo-desktop/internal/presence"
	wsclient "github.com/EternisAI/silo-desktop/internal/ws/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAgentRegistry exercises the registry invariants that depend on
// Postgres behaviour: the partial unique index, the conditional status
// update and GREATEST on last_seen.
func TestAgentRegistry(t *testing.T, env *Env) {
	ctx := context.Background()
	svc := env.Agents

	t.Run("duplicate machine", func(t *testing.T) {
		params := agents.CreateAgentParams{UserID: "registry-user", Hostname: "box", MachineID: "machine-1"}

		first, err := svc.CreateAgent(ctx, params)
		require.NoError(t, err)

		_, err = svc.CreateAgent(ctx, params)
		assert.ErrorIs(t, err, agents.ErrDuplicateAgent)

		require.NoError(t, svc.Revoke(ctx, first.AgentID))

		second, err := svc.CreateAgent(ctx, params)
		require.NoError(t, err)
		assert.NotEqual(t, first.AgentID, second.AgentID)
	})

	t.Run("revoked is terminal", func(t *testing.T) {
		agent, err := svc.CreateAgent(ctx, agents.CreateAgentParams{UserID: "registry-user", Hostname: "box"})
		require.NoError(t, err)

		require.NoError(t, svc.Revoke(ctx, agent.AgentID))

		assert.ErrorIs(t, svc.SetStatus(ctx, agent.AgentID, presence.StatusOnline), agents.ErrAgentRevoked)

		status, changed, err := svc.Apply(ctx, agent.AgentID, presence.EventAuthenticated)
		assert.ErrorIs(t, err, agents.ErrAgentRevoked)
		assert.False(t, changed)
		assert.Equal(t, presence.StatusRevoked, status)

		_, err = svc.FindByToken(ctx, agent.Token)
		assert.ErrorIs(t, err, agents.ErrAgentNotFound)

		_, err = svc.RotateToken(ctx, agent.AgentID)
		assert.ErrorIs(t, err, agents.ErrAgentRevoked)
	})

	t.Run("last seen never moves backwards", func(t *testing.T) {
		agent, err := svc.CreateAgent(ctx, agents.CreateAgentParams{UserID: "registry-user", Hostname: "box"})
		require.NoError(t, err)

		now := time.Now().UTC()
		require.NoError(t, svc.TouchLastSeen(ctx, agent.AgentID, now, "10.0.0.1"))
		require.NoError(t, svc.TouchLastSeen(ctx, agent.AgentID, now.Add(-time.Hour), ""))

		got, err := svc.FindByID(ctx, agent.AgentID)
		require.NoError(t, err)
		assert.WithinDuration(t, now, got.LastSeen, time.Millisecond)
		assert.Equal(t, "10.0.0.1", got.LastIPAddress)
	})

	t.Run("connection log", func(t *testing.T) {
		agent, err := svc.CreateAgent(ctx, agents.CreateAgentParams{UserID: "registry-user", Hostname: "box"})
		require.NoError(t, err)

		connectedAt := time.Now().Add(-3 * time.Second)
		logID, err := svc.CreateConnectionLog(ctx, agent.AgentID, connectedAt, "10.0.0.2")
		require.NoError(t, err)
		require.NoError(t, svc.CloseConnectionLog(ctx, logID, connectedAt.Add(3*time.Second), "client_closed"))

		history, err := svc.GetConnectionHistory(ctx, agent.AgentID, 10, 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.NotNil(t, history[0].DisconnectedAt)
		assert.Equal(t, 3, history[0].DurationSeconds)
		assert.Equal(t, "client_closed", history[0].DisconnectReason)
	})
}

// TestAgentChannel drives a real agent client through the HTTP API and the
// WebSocket channel, and checks presence lands in Redis.
func TestAgentChannel(t *testing.T, env *Env) {
	ctx := context.Background()
	router := env.Router
	token := registerAndLogin(t, router, "agentowner")

	changes, cancel := subscribe(ctx, env)
	defer cancel()

	rr := doJSONWithAuth(router, http.MethodPost, "/api/v1/agents", dto.CreateAgentRequest{
		Hostname:  "workstation",
		MachineID: "system-test-machine",
		OS:        "Linux",
		Version:   "1.0.0",
	}, token)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created dto.CreateAgentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	agentID := created.Agent.AgentID
	path := "/api/v1/agents/" + agentID

	client := wsclient.NewClient(env.ChannelURL, created.Token, wsclient.NewCommandHandler("1.0.0"), nil)
	require.NoError(t, client.Start())
	defer func() { _ = client.Stop() }()
	require.Eventually(t, client.Connected, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, agentID, client.AgentID())

	t.Run("presence published", func(t *testing.T) {
		waitForChange(t, changes, agentID, presence.StatusOnline)

		status, err := env.Presence.Snapshot(ctx, agentID)
		require.NoError(t, err)
		assert.Equal(t, presence.StatusOnline, status)
	})

	t.Run("agent reported online", func(t *testing.T) {
		rr := doJSONWithAuth(router, http.MethodGet, path, nil, token)
		require.Equal(t, http.StatusOK, rr.Code)

		var got dto.AgentResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.True(t, got.Connected)
		assert.Equal(t, string(presence.StatusOnline), got.Status)
		assert.NotNil(t, got.LastSeen)
	})

	t.Run("command round trip", func(t *testing.T) {
		rr := doJSONWithAuth(router, http.MethodPost, path+"/commands", dto.CommandRequest{
			Name: "echo",
			Args: json.RawMessage(`{"value":42}`),
		}, token)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var result dto.CommandResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
		assert.True(t, result.OK)
		assert.JSONEq(t, `{"value":42}`, string(result.Data))
	})

	t.Run("agent logs stored", func(t *testing.T) {
		require.NoError(t, client.SendLog("error", "service crashed", map[string]interface{}{"code": 3}))

		assert.Eventually(t, func() bool {
			rr := doJSONWithAuth(router, http.MethodGet, path+"/logs", nil, token)
			if rr.Code != http.StatusOK {
				return false
			}
			var resp dto.ListAgentLogsResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				return false
			}
			for _, l := range resp.Logs {
				if l.Level == "error" && l.Message == "service crashed" {
					return true
				}
			}
			return false
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("command history stored", func(t *testing.T) {
		rr := doJSONWithAuth(router, http.MethodGet, path+"/commands", nil, token)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp dto.ListCommandsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Commands, 1)
		assert.Equal(t, "echo", resp.Commands[0].Name)
		assert.Equal(t, "completed", resp.Commands[0].Status)
		assert.JSONEq(t, `{"value":42}`, string(resp.Commands[0].Args))
		assert.JSONEq(t, `{"value":42}`, string(resp.Commands[0].Result))
		assert.NotNil(t, resp.Commands[0].ExecutionTimeMs)
	})

	t.Run("admin sees live connection", func(t *testing.T) {
		rr := doJSON(router, http.MethodGet, "/admin/connections", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = adminGet(router, "/admin/connections", env.AdminAPIKey)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.LiveConnectionsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		found := false
		for _, c := range resp.Connections {
			if c.AgentID == agentID {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("revoke disconnects agent", func(t *testing.T) {
		rr := doJSONWithAuth(router, http.MethodPost, path+"/revoke", nil, token)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		select {
		case <-client.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("client did not stop after revoke")
		}
		assert.ErrorIs(t, client.Err(), wsclient.ErrAuthRejected)

		waitForChange(t, changes, agentID, presence.StatusRevoked)

		assert.Eventually(t, func() bool {
			rr := doJSONWithAuth(router, http.MethodGet, path+"/connections", nil, token)
			if rr.Code != http.StatusOK {
				return false
			}
			var history dto.ListConnectionLogsResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &history); err != nil {
				return false
			}
			return len(history.Connections) > 0 && history.Connections[0].DisconnectedAt != nil
		}, 5*time.Second, 50*time.Millisecond)
	})
}

func subscribe(ctx context.Context, env *Env) (<-chan presence.Change, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	return env.Presence.Subscribe(ctx), cancel
}

func waitForChange(t *testing.T, changes <-chan presence.Change, agentID string, status presence.Status) {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case change, ok := <-changes:
			require.True(t, ok, "presence subscription closed")
			if change.AgentID == agentID && change.Status == status {
				return
			}
		case <-timeout:
			t.Fatalf("no %s change for agent %s", status, agentID)
		}
	}
}
