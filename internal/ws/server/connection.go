package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-desktop/internal/protocol"
)

const (
	sendChannelBuffer = 100
	sendTimeout       = 5 * time.Second
)

// AgentConnection is one authenticated channel. It is owned by the
// ConnectionManager; everything waiting on it selects on Done.
type AgentConnection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
	SendCh      chan *protocol.Envelope

	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc

	mu          sync.Mutex
	lastPongAt  time.Time
	missedPongs int
	closeErr    *Error
	logID       string

	pendingMu sync.Mutex
	pending   map[string]*pendingCommand

	closeOnce  sync.Once
	retireOnce sync.Once
}

func newAgentConnection(agentID, remoteAddr string, transport Transport, now time.Time) *AgentConnection {
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentConnection{
		ID:          agentID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		SendCh:      make(chan *protocol.Envelope, sendChannelBuffer),
		transport:   transport,
		ctx:         ctx,
		cancel:      cancel,
		lastPongAt:  now,
		pending:     make(map[string]*pendingCommand),
	}
}

// Send queues a message for the send loop.
func (c *AgentConnection) Send(env *protocol.Envelope) error {
	select {
	case <-c.ctx.Done():
		return c.Err()
	default:
	}

	select {
	case c.SendCh <- env:
		return nil
	case <-c.ctx.Done():
		return c.Err()
	case <-time.After(sendTimeout):
		return NewError(ErrTimeout, "send_queue_full")
	}
}

// trySend queues without waiting. It reports false when the queue is full or
// the connection is gone.
func (c *AgentConnection) trySend(env *protocol.Envelope) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.SendCh <- env:
		return true
	default:
		return false
	}
}

func (c *AgentConnection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err is the reason the connection closed, or nil while it is open.
func (c *AgentConnection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr == nil {
		return nil
	}
	return c.closeErr
}

// Touch records inbound traffic from the agent.
func (c *AgentConnection) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.lastPongAt) {
		c.lastPongAt = now
	}
	c.missedPongs = 0
}

func (c *AgentConnection) LastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPongAt
}

func (c *AgentConnection) MissedPongs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missedPongs
}

func (c *AgentConnection) markPingSent() {
	c.mu.Lock()
	c.missedPongs++
	c.mu.Unlock()
}

func (c *AgentConnection) setLogID(id string) {
	c.mu.Lock()
	c.logID = id
	c.mu.Unlock()
}

func (c *AgentConnection) getLogID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logID
}

func (c *AgentConnection) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *AgentConnection) addPending(p *pendingCommand) error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	// Checked under pendingMu so a command cannot slip in after failAllPending.
	if err := c.Err(); err != nil {
		return err
	}
	if _, exists := c.pending[p.id]; exists {
		return fmt.Errorf("duplicate correlation id: %s", p.id)
	}
	c.pending[p.id] = p
	return nil
}

func (c *AgentConnection) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *AgentConnection) resolvePending(result *CommandResult) bool {
	c.pendingMu.Lock()
	p, ok := c.pending[result.ID]
	if ok {
		delete(c.pending, result.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		return false
	}
	p.finish(result, nil)
	return true
}

func (c *AgentConnection) failAllPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCommand)
	c.pendingMu.Unlock()

	for _, p := range pending {
		p.finish(nil, err)
	}
}

// close tears the channel down once. The transport close runs in the
// background because the WebSocket closing handshake can take seconds and
// callers hold per-agent locks.
func (c *AgentConnection) close(cause *Error) {
	c.closeOnce.Do(func() {
		c.pendingMu.Lock()
		c.mu.Lock()
		c.closeErr = cause
		c.mu.Unlock()
		c.pendingMu.Unlock()

		c.failAllPending(NewError(ErrDisconnected, cause.Reason))
		c.cancel()

		go func() {
			if err := c.transport.Close(cause.Code, cause.Reason); err != nil {
				slog.Debug("Transport close failed", "agent_id", c.ID, "error", err)
			}
		}()
	})
}

// CommandResult is what an agent reported for one command.
type CommandResult struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type commandOutcome struct {
	result *CommandResult
	err    error
}

type pendingCommand struct {
	id       string
	agentID  string
	name     string
	issuedAt time.Time
	deadline time.Time
	done     chan commandOutcome
}

func newPendingCommand(id, agentID, name string, now time.Time, timeout time.Duration) *pendingCommand {
	return &pendingCommand{
		id:       id,
		agentID:  agentID,
		name:     name,
		issuedAt: now,
		deadline: now.Add(timeout),
		done:     make(chan commandOutcome, 1),
	}
}

// finish delivers at most one outcome; later ones are dropped.
func (p *pendingCommand) finish(result *CommandResult, err error) {
	select {
	case p.done <- commandOutcome{result: result, err: err}:
	default:
	}
}
