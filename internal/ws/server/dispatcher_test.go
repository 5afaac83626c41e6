package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/EternisAI/silo-desktop/internal/agents"
	"github.com/EternisAI/silo-desktop/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendResult struct {
	result *CommandResult
	err    error
}

func setupDispatcher(t *testing.T) (*ConnectionManager, *Dispatcher, *AgentConnection) {
	t.Helper()

	cm := NewConnectionManager(nil, time.Hour, 0)
	t.Cleanup(cm.Stop)

	conn, _ := newTestConn("agent-1")
	require.NoError(t, cm.Install(conn))

	return cm, NewDispatcher(cm, nil, time.Second), conn
}

func sendAsync(d *Dispatcher, ctx context.Context, agentID, name string, timeout time.Duration) <-chan sendResult {
	out := make(chan sendResult, 1)
	go func() {
		result, err := d.SendCommand(ctx, agentID, name, json.RawMessage(`{"text":"hi"}`), timeout)
		out <- sendResult{result: result, err: err}
	}()
	return out
}

func nextCommand(t *testing.T, conn *AgentConnection) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-conn.SendCh:
		require.Equal(t, protocol.TypeCommand, env.Type)
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no command sent")
		return nil
	}
}

func waitResult(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("SendCommand did not return")
		return sendResult{}
	}
}

func TestDispatcher_SendCommand(t *testing.T) {
	_, d, conn := setupDispatcher(t)

	ch := sendAsync(d, context.Background(), "agent-1", "echo", time.Second)

	cmd := nextCommand(t, conn)
	assert.Equal(t, "echo", cmd.Name)
	assert.NotEmpty(t, cmd.ID)
	assert.JSONEq(t, `{"text":"hi"}`, string(cmd.Args))
	assert.Equal(t, 1, conn.PendingCount())

	d.HandleResult(conn, protocol.ResultOK(cmd.ID, json.RawMessage(`{"text":"hi"}`)))

	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.True(t, r.result.OK)
	assert.Equal(t, cmd.ID, r.result.ID)
	assert.JSONEq(t, `{"text":"hi"}`, string(r.result.Data))
	assert.Equal(t, 0, conn.PendingCount())
}

func TestDispatcher_SendCommand_AgentError(t *testing.T) {
	_, d, conn := setupDispatcher(t)

	ch := sendAsync(d, context.Background(), "agent-1", "explode", time.Second)
	cmd := nextCommand(t, conn)

	d.HandleResult(conn, protocol.ResultError(cmd.ID, "unknown command"))

	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.False(t, r.result.OK)
	assert.Equal(t, "unknown command", r.result.Error)
}

func TestDispatcher_SendCommand_NotConnected(t *testing.T) {
	_, d, _ := setupDispatcher(t)

	_, err := d.SendCommand(context.Background(), "agent-missing", "ping", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatcher_SendCommand_Timeout(t *testing.T) {
	_, d, conn := setupDispatcher(t)

	ch := sendAsync(d, context.Background(), "agent-1", "slow", 50*time.Millisecond)
	cmd := nextCommand(t, conn)

	r := waitResult(t, ch)
	assert.ErrorIs(t, r.err, ErrTimeout)
	assert.Equal(t, 0, conn.PendingCount())

	// A late answer is ignored and the connection stays up.
	d.HandleResult(conn, protocol.ResultOK(cmd.ID, nil))
	assert.NoError(t, conn.Err())
}

func TestDispatcher_SendCommand_ContextCancelled(t *testing.T) {
	cm, d, conn := setupDispatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := sendAsync(d, ctx, "agent-1", "slow", 5*time.Second)
	nextCommand(t, conn)

	cancel()

	r := waitResult(t, ch)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 0, conn.PendingCount())
	assert.True(t, cm.IsConnected("agent-1"), "cancelling a command must not close the connection")
}

func TestDispatcher_SendCommand_Disconnected(t *testing.T) {
	cm, d, conn := setupDispatcher(t)

	ch := sendAsync(d, context.Background(), "agent-1", "slow", 5*time.Second)
	nextCommand(t, conn)

	cm.Evict("agent-1", NewError(ErrTimeout, protocol.ReasonHeartbeatTimeout))

	r := waitResult(t, ch)
	assert.ErrorIs(t, r.err, ErrDisconnected)
	assert.Equal(t, 0, conn.PendingCount())
}

func TestDispatcher_SendCommand_Superseded(t *testing.T) {
	cm, d, conn1 := setupDispatcher(t)

	ch := sendAsync(d, context.Background(), "agent-1", "slow", 5*time.Second)
	nextCommand(t, conn1)

	conn2, _ := newTestConn("agent-1")
	require.NoError(t, cm.Install(conn2))

	r := waitResult(t, ch)
	assert.ErrorIs(t, r.err, ErrDisconnected)

	// New commands go to the new connection.
	ch = sendAsync(d, context.Background(), "agent-1", "ping", time.Second)
	cmd := nextCommand(t, conn2)
	d.HandleResult(conn2, protocol.ResultOK(cmd.ID, nil))
	r = waitResult(t, ch)
	require.NoError(t, r.err)
	assert.True(t, r.result.OK)
}

func TestDispatcher_HandleResult_UnknownID(t *testing.T) {
	_, d, conn := setupDispatcher(t)

	d.HandleResult(conn, protocol.ResultOK("no-such-command", nil))
	assert.NoError(t, conn.Err())
}

func TestDispatcher_ConcurrentCommands(t *testing.T) {
	_, d, conn := setupDispatcher(t)

	const n = 20
	results := make([]<-chan sendResult, n)
	for i := 0; i < n; i++ {
		results[i] = sendAsync(d, context.Background(), "agent-1", "echo", 2*time.Second)
	}

	ids := make(map[string]bool)
	for i := 0; i < n; i++ {
		cmd := nextCommand(t, conn)
		assert.False(t, ids[cmd.ID], "duplicate correlation id")
		ids[cmd.ID] = true
		d.HandleResult(conn, protocol.ResultOK(cmd.ID, json.RawMessage(`"`+cmd.ID+`"`)))
	}

	for i := 0; i < n; i++ {
		r := waitResult(t, results[i])
		require.NoError(t, r.err)
		var echoed string
		require.NoError(t, json.Unmarshal(r.result.Data, &echoed))
		assert.Equal(t, r.result.ID, echoed)
	}
	assert.Equal(t, 0, conn.PendingCount())
}

func setupRecordedDispatcher(t *testing.T) (*agents.Service, *ConnectionManager, *Dispatcher, *AgentConnection) {
	t.Helper()

	registry := newTestRegistry(t)
	agent := createAgent(t, registry)

	cm := NewConnectionManager(registry, time.Hour, 0)
	t.Cleanup(cm.Stop)

	conn, _ := newTestConn(agent.AgentID)
	require.NoError(t, cm.Install(conn))

	return registry, cm, NewDispatcher(cm, registry, time.Second), conn
}

func onlyCommand(t *testing.T, registry *agents.Service, agentID string) agents.CommandRecord {
	t.Helper()
	history, err := registry.ListCommands(context.Background(), agentID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	return history[0]
}

func TestDispatcher_RecordsCompletedCommand(t *testing.T) {
	registry, _, d, conn := setupRecordedDispatcher(t)

	ch := sendAsync(d, context.Background(), conn.ID, "echo", time.Second)
	cmd := nextCommand(t, conn)

	require.Eventually(t, func() bool {
		history, err := registry.ListCommands(context.Background(), conn.ID, 10, 0)
		return err == nil && len(history) == 1 && history[0].Status == agents.CommandSent
	}, 2*time.Second, 10*time.Millisecond)
	inFlight := onlyCommand(t, registry, conn.ID)
	assert.NotNil(t, inFlight.SentAt)
	assert.JSONEq(t, `{"text":"hi"}`, string(inFlight.Args))

	d.HandleResult(conn, protocol.ResultOK(cmd.ID, json.RawMessage(`{"text":"hi"}`)))
	require.NoError(t, waitResult(t, ch).err)

	rec := onlyCommand(t, registry, conn.ID)
	assert.Equal(t, cmd.ID, rec.ID)
	assert.Equal(t, "echo", rec.Name)
	assert.Equal(t, agents.CommandCompleted, rec.Status)
	assert.JSONEq(t, `{"text":"hi"}`, string(rec.Result))
	require.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.ExecutionTimeMs)
	assert.GreaterOrEqual(t, *rec.ExecutionTimeMs, int64(0))

	logs, err := registry.ListAgentLogs(context.Background(), conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "info", logs[0].Level)
	assert.Equal(t, cmd.ID, logs[0].Metadata["command_id"])
}

func TestDispatcher_RecordsFailedCommands(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		end     func(cm *ConnectionManager, d *Dispatcher, conn *AgentConnection, cmd *protocol.Envelope, cancel context.CancelFunc)
		reason  string
	}{
		{
			name:    "agent error",
			timeout: 5 * time.Second,
			end: func(_ *ConnectionManager, d *Dispatcher, conn *AgentConnection, cmd *protocol.Envelope, _ context.CancelFunc) {
				d.HandleResult(conn, protocol.ResultError(cmd.ID, "unknown command"))
			},
			reason: "unknown command",
		},
		{
			name:    "timeout",
			timeout: 100 * time.Millisecond,
			end:     func(*ConnectionManager, *Dispatcher, *AgentConnection, *protocol.Envelope, context.CancelFunc) {},
			reason:  protocol.ReasonCommandTimeout,
		},
		{
			name:    "disconnect",
			timeout: 5 * time.Second,
			end: func(cm *ConnectionManager, _ *Dispatcher, conn *AgentConnection, _ *protocol.Envelope, _ context.CancelFunc) {
				cm.Evict(conn.ID, NewError(ErrTimeout, protocol.ReasonHeartbeatTimeout))
			},
			reason: protocol.ReasonHeartbeatTimeout,
		},
		{
			name:    "caller cancelled",
			timeout: 5 * time.Second,
			end: func(_ *ConnectionManager, _ *Dispatcher, _ *AgentConnection, _ *protocol.Envelope, cancel context.CancelFunc) {
				cancel()
			},
			reason: context.Canceled.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, cm, d, conn := setupRecordedDispatcher(t)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch := sendAsync(d, ctx, conn.ID, "slow", tt.timeout)
			cmd := nextCommand(t, conn)

			tt.end(cm, d, conn, cmd, cancel)
			waitResult(t, ch)

			rec := onlyCommand(t, registry, conn.ID)
			assert.Equal(t, agents.CommandFailed, rec.Status)
			assert.Equal(t, tt.reason, rec.Error)
			assert.NotNil(t, rec.CompletedAt)

			// Nothing is replayed to a new connection.
			next, _ := newTestConn(conn.ID)
			require.NoError(t, cm.Install(next))
			select {
			case env := <-next.SendCh:
				t.Fatalf("unexpected message after reconnect: %+v", env)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestAgentConnection_DuplicatePendingRejected(t *testing.T) {
	conn, _ := newTestConn("agent-1")

	p := newPendingCommand("c1", "agent-1", "ping", time.Now(), time.Second)
	require.NoError(t, conn.addPending(p))
	assert.Error(t, conn.addPending(newPendingCommand("c1", "agent-1", "ping", time.Now(), time.Second)))
}
