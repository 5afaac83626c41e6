package server

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-desktop/internal/agents"
	"github.com/EternisAI/silo-desktop/internal/presence"
	"github.com/EternisAI/silo-desktop/internal/protocol"
	"github.com/cespare/xxhash/v2"
)

const (
	lockStripes     = 64
	registryTimeout = 5 * time.Second
)

// Registry is the slice of the agent registry the channel needs.
// *agents.Service implements it.
type Registry interface {
	FindByToken(ctx context.Context, token string) (*agents.Agent, error)
	Apply(ctx context.Context, agentID string, ev presence.Event) (presence.Status, bool, error)
	TouchLastSeen(ctx context.Context, agentID string, at time.Time, ipAddress string) error
	CreateConnectionLog(ctx context.Context, agentID string, connectedAt time.Time, ipAddress string) (string, error)
	CloseConnectionLog(ctx context.Context, logID string, disconnectedAt time.Time, reason string) error
	AppendAgentLog(ctx context.Context, agentID, level, message string, metadata map[string]interface{}) error
	CommandRecorder
}

// ConnectionInfo is a point-in-time view of one live connection.
type ConnectionInfo struct {
	AgentID         string    `json:"agent_id"`
	RemoteAddr      string    `json:"remote_addr"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastPongAt      time.Time `json:"last_pong_at"`
	MissedPongs     int       `json:"missed_pongs"`
	PendingCommands int       `json:"pending_commands"`
}

// ConnectionManager owns the agent id -> connection map. At most one
// connection per agent is installed at any time.
type ConnectionManager struct {
	agents map[string]*AgentConnection
	mu     sync.RWMutex
	// Per-agent exclusive sections, striped by hash of the agent id.
	locks [lockStripes]sync.Mutex

	registry          Registry
	heartbeatInterval time.Duration
	heartbeatGrace    time.Duration
	now               func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConnectionManager starts the heartbeat loop. registry may be nil.
func NewConnectionManager(registry Registry, heartbeatInterval, heartbeatGrace time.Duration) *ConnectionManager {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if heartbeatGrace <= 0 {
		heartbeatGrace = 2 * heartbeatInterval
	}

	cm := &ConnectionManager{
		agents:            make(map[string]*AgentConnection),
		registry:          registry,
		heartbeatInterval: heartbeatInterval,
		heartbeatGrace:    heartbeatGrace,
		now:               time.Now,
		stopCh:            make(chan struct{}),
	}
	go cm.heartbeatLoop()
	return cm
}

func (cm *ConnectionManager) lockFor(agentID string) *sync.Mutex {
	return &cm.locks[xxhash.Sum64String(agentID)%lockStripes]
}

// Install makes conn the agent's live connection, superseding any previous
// one, and marks the agent online.
func (cm *ConnectionManager) Install(conn *AgentConnection) error {
	lock := cm.lockFor(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	select {
	case <-cm.stopCh:
		return errShutdown()
	default:
	}

	if cm.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()

		if _, _, err := cm.registry.Apply(ctx, conn.ID, presence.EventAuthenticated); err != nil {
			if errors.Is(err, agents.ErrAgentRevoked) || errors.Is(err, agents.ErrAgentNotFound) {
				return NewError(ErrAuth, protocol.ReasonInvalidToken)
			}
			return err
		}
	}

	cm.mu.Lock()
	existing := cm.agents[conn.ID]
	cm.agents[conn.ID] = conn
	total := len(cm.agents)
	cm.mu.Unlock()

	if existing != nil && existing != conn {
		slog.Warn("Agent already connected, replacing connection",
			"agent_id", conn.ID,
			"old_remote_addr", existing.RemoteAddr,
			"new_remote_addr", conn.RemoteAddr)
		cause := NewError(ErrConflict, protocol.ReasonSuperseded)
		existing.close(cause)
		cm.retire(existing, cause.Reason)
	}

	if cm.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()

		if err := cm.registry.TouchLastSeen(ctx, conn.ID, conn.ConnectedAt, conn.RemoteAddr); err != nil {
			slog.Warn("Failed to update last seen", "agent_id", conn.ID, "error", err)
		}
		logID, err := cm.registry.CreateConnectionLog(ctx, conn.ID, conn.ConnectedAt, conn.RemoteAddr)
		if err != nil {
			slog.Warn("Failed to create connection log", "agent_id", conn.ID, "error", err)
		} else {
			conn.setLogID(logID)
		}
	}

	slog.Info("Agent connection installed",
		"agent_id", conn.ID,
		"remote_addr", conn.RemoteAddr,
		"total_connections", total)

	return nil
}

// Remove closes conn and, if it is still the installed connection for its
// agent, removes the mapping and marks the agent offline. Removing a
// connection that was already superseded never touches its successor.
func (cm *ConnectionManager) Remove(conn *AgentConnection, cause *Error) {
	lock := cm.lockFor(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	cm.removeLocked(conn, cause)
}

// removeLocked is Remove for callers already holding the agent's lock.
func (cm *ConnectionManager) removeLocked(conn *AgentConnection, cause *Error) {
	cm.mu.Lock()
	current, ok := cm.agents[conn.ID]
	owned := ok && current == conn
	if owned {
		delete(cm.agents, conn.ID)
	}
	total := len(cm.agents)
	cm.mu.Unlock()

	conn.close(cause)

	if owned && cm.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()

		if _, _, err := cm.registry.Apply(ctx, conn.ID, presence.EventDisconnected); err != nil &&
			!errors.Is(err, agents.ErrAgentRevoked) && !errors.Is(err, agents.ErrAgentNotFound) {
			slog.Warn("Failed to mark agent offline", "agent_id", conn.ID, "error", err)
		}
		if err := cm.registry.TouchLastSeen(ctx, conn.ID, cm.now(), ""); err != nil &&
			!errors.Is(err, agents.ErrAgentNotFound) {
			slog.Debug("Failed to update last seen", "agent_id", conn.ID, "error", err)
		}
	}

	cm.retire(conn, cause.Reason)

	if owned {
		slog.Info("Agent disconnected",
			"agent_id", conn.ID,
			"reason", cause.Reason,
			"total_connections", total)
	}
}

// Evict removes whatever connection the agent currently has. It reports
// whether there was one. An Install already in progress for the agent
// completes first and is then evicted.
func (cm *ConnectionManager) Evict(agentID string, cause *Error) bool {
	lock := cm.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	conn, ok := cm.GetConnection(agentID)
	if !ok {
		return false
	}
	cm.removeLocked(conn, cause)
	return true
}

// retire closes the connection log exactly once per connection.
func (cm *ConnectionManager) retire(conn *AgentConnection, reason string) {
	conn.retireOnce.Do(func() {
		logID := conn.getLogID()
		if cm.registry == nil || logID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()
		if err := cm.registry.CloseConnectionLog(ctx, logID, cm.now(), reason); err != nil {
			slog.Warn("Failed to close connection log", "agent_id", conn.ID, "error", err)
		}
	})
}

// RecordActivity refreshes the agent's last-seen time in the background.
// The store keeps last_seen monotonic so out-of-order writes are harmless.
func (cm *ConnectionManager) RecordActivity(conn *AgentConnection) {
	now := cm.now()
	conn.Touch(now)

	if cm.registry == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()
		if err := cm.registry.TouchLastSeen(ctx, conn.ID, now, ""); err != nil {
			slog.Debug("Failed to update last seen in database", "agent_id", conn.ID, "error", err)
		}
	}()
}

func (cm *ConnectionManager) GetConnection(agentID string) (*AgentConnection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conn, ok := cm.agents[agentID]
	return conn, ok
}

func (cm *ConnectionManager) IsConnected(agentID string) bool {
	_, ok := cm.GetConnection(agentID)
	return ok
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.agents)
}

func (cm *ConnectionManager) ListConnections() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	agentIDs := make([]string, 0, len(cm.agents))
	for id := range cm.agents {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)
	return agentIDs
}

func (cm *ConnectionManager) Snapshot() []ConnectionInfo {
	cm.mu.RLock()
	conns := make([]*AgentConnection, 0, len(cm.agents))
	for _, c := range cm.agents {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionInfo{
			AgentID:         c.ID,
			RemoteAddr:      c.RemoteAddr,
			ConnectedAt:     c.ConnectedAt,
			LastPongAt:      c.LastPongAt(),
			MissedPongs:     c.MissedPongs(),
			PendingCommands: c.PendingCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Stop ends the heartbeat loop and closes every connection with a shutdown
// reason. Install fails afterwards.
func (cm *ConnectionManager) Stop() {
	cm.stopOnce.Do(func() {
		close(cm.stopCh)
	})

	cm.mu.RLock()
	conns := make([]*AgentConnection, 0, len(cm.agents))
	for _, c := range cm.agents {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		cm.Remove(c, errShutdown())
	}
}

func (cm *ConnectionManager) heartbeatLoop() {
	ticker := time.NewTicker(cm.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.checkHeartbeats()
		case <-cm.stopCh:
			return
		}
	}
}

// checkHeartbeats evicts connections that have been silent for longer than
// the grace window and pings the rest.
func (cm *ConnectionManager) checkHeartbeats() {
	now := cm.now()

	cm.mu.RLock()
	conns := make([]*AgentConnection, 0, len(cm.agents))
	for _, c := range cm.agents {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		lastPong := c.LastPongAt()
		if now.Sub(lastPong) > cm.heartbeatGrace {
			slog.Warn("Removing unresponsive connection",
				"agent_id", c.ID,
				"last_pong_at", lastPong,
				"missed_pongs", c.MissedPongs())
			cm.Remove(c, NewError(ErrTimeout, protocol.ReasonHeartbeatTimeout))
			continue
		}

		if c.trySend(protocol.Ping()) {
			c.markPingSent()
		} else {
			slog.Debug("Ping dropped, send queue full", "agent_id", c.ID)
		}
	}
}
