package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-desktop/internal/agents"
	"github.com/EternisAI/silo-desktop/internal/protocol"
	"github.com/google/uuid"
)

// CommandRecorder keeps the durable command history. *agents.Service
// implements it.
type CommandRecorder interface {
	RecordCommand(ctx context.Context, rec *agents.CommandRecord) error
	MarkCommandSent(ctx context.Context, commandID string, at time.Time) error
	FinishCommand(ctx context.Context, commandID string, outcome agents.CommandOutcome) error
}

// Dispatcher sends commands to connected agents and matches their results
// back to the waiting caller by correlation id.
type Dispatcher struct {
	connManager    *ConnectionManager
	recorder       CommandRecorder
	defaultTimeout time.Duration
}

// NewDispatcher creates a dispatcher. recorder may be nil, in which case no
// history is kept.
func NewDispatcher(connManager *ConnectionManager, recorder CommandRecorder, defaultTimeout time.Duration) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCommandTimeout
	}
	return &Dispatcher{
		connManager:    connManager,
		recorder:       recorder,
		defaultTimeout: defaultTimeout,
	}
}

// SendCommand blocks until the agent answers, the timeout passes, ctx is
// cancelled or the connection goes away. A non-ok result from the agent is
// returned as a result, not an error. Every attempt on a live connection is
// recorded; nothing is re-sent on reconnect.
func (d *Dispatcher) SendCommand(ctx context.Context, agentID, name string, args json.RawMessage, timeout time.Duration) (*CommandResult, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	conn, ok := d.connManager.GetConnection(agentID)
	if !ok {
		return nil, NewError(ErrNotFound, agentID)
	}

	id := uuid.New().String()
	p := newPendingCommand(id, agentID, name, time.Now(), timeout)
	if err := conn.addPending(p); err != nil {
		return nil, err
	}
	defer conn.removePending(id)

	d.record(&agents.CommandRecord{ID: id, AgentID: agentID, Name: name, Args: args, CreatedAt: p.issuedAt})

	if err := conn.Send(protocol.Command(id, name, args)); err != nil {
		d.finish(id, agentID, name, time.Time{}, nil, err)
		return nil, fmt.Errorf("failed to send command: %w", err)
	}
	sentAt := time.Now()
	d.markSent(id, agentID, sentAt)

	slog.Debug("Command dispatched", "agent_id", agentID, "command_id", id, "name", name)

	result, err := d.await(ctx, conn, p, timeout)
	d.finish(id, agentID, name, sentAt, result, err)
	return result, err
}

func (d *Dispatcher) await(ctx context.Context, conn *AgentConnection, p *pendingCommand, timeout time.Duration) (*CommandResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-timer.C:
		slog.Warn("Command timed out", "agent_id", p.agentID, "command_id", p.id, "name", p.name, "timeout", timeout)
		return nil, NewError(ErrTimeout, protocol.ReasonCommandTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-conn.Done():
		// close() fails pending commands before Done fires; prefer that outcome.
		select {
		case out := <-p.done:
			return out.result, out.err
		default:
			return nil, NewError(ErrDisconnected, protocol.ReasonDisconnected)
		}
	}
}

// record and the other history writes use their own deadline: the caller's
// ctx may already be cancelled when the outcome is known.
func (d *Dispatcher) record(rec *agents.CommandRecord) {
	if d.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := d.recorder.RecordCommand(ctx, rec); err != nil {
		slog.Warn("Failed to record command", "agent_id", rec.AgentID, "command_id", rec.ID, "error", err)
	}
}

func (d *Dispatcher) markSent(id, agentID string, at time.Time) {
	if d.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := d.recorder.MarkCommandSent(ctx, id, at); err != nil {
		slog.Warn("Failed to mark command sent", "agent_id", agentID, "command_id", id, "error", err)
	}
}

func (d *Dispatcher) finish(id, agentID, name string, sentAt time.Time, result *CommandResult, err error) {
	if d.recorder == nil {
		return
	}

	outcome := agents.CommandOutcome{AgentID: agentID, Name: name, CompletedAt: time.Now()}
	if !sentAt.IsZero() {
		outcome.ExecutionTime = outcome.CompletedAt.Sub(sentAt)
	}
	switch {
	case err != nil:
		outcome.Status = agents.CommandFailed
		outcome.Error = failureReason(err)
	case result.OK:
		outcome.Status = agents.CommandCompleted
		outcome.Result = result.Data
	default:
		outcome.Status = agents.CommandFailed
		outcome.Result = result.Data
		outcome.Error = result.Error
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if ferr := d.recorder.FinishCommand(ctx, id, outcome); ferr != nil {
		slog.Warn("Failed to record command outcome", "agent_id", agentID, "command_id", id, "error", ferr)
	}
}

func failureReason(err error) string {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Reason
	}
	return err.Error()
}

// HandleResult completes the pending command matching env.ID. Results for
// unknown or already finished commands are dropped.
func (d *Dispatcher) HandleResult(conn *AgentConnection, env *protocol.Envelope) {
	result := &CommandResult{
		ID:    env.ID,
		OK:    env.OK != nil && *env.OK,
		Data:  env.Data,
		Error: env.Error,
	}

	if !conn.resolvePending(result) {
		slog.Debug("Ignoring result for unknown command", "agent_id", conn.ID, "command_id", env.ID)
	}
}
