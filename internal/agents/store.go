package agents

import (
	"context"
	"time"

	"github.com/EternisAI/silo-desktop/internal/presence"
)

// Store is the durable side of the registry. Implementations must make every
// single-record write atomic; the Service relies on that instead of locking.
type Store interface {
	InsertAgent(ctx context.Context, agent *Agent, tokenHash string) error
	GetAgentByTokenHash(ctx context.Context, tokenHash string) (*Agent, string, error)
	GetAgentByID(ctx context.Context, agentID string) (*Agent, error)
	ListAgentsByUser(ctx context.Context, userID string) ([]Agent, error)

	// UpdateLastSeen never moves last_seen backwards.
	UpdateLastSeen(ctx context.Context, agentID string, at time.Time, ipAddress string) error
	// UpdateStatus sets status only when the current status is one of from.
	// It reports whether a row was changed.
	UpdateStatus(ctx context.Context, agentID string, status presence.Status, from []presence.Status) (bool, error)
	GetStatus(ctx context.Context, agentID string) (presence.Status, error)
	RevokeAgent(ctx context.Context, agentID string) error
	ReplaceTokenHash(ctx context.Context, agentID string, tokenHash string) error
	DeleteAgent(ctx context.Context, agentID string, userID string) error

	CreateConnectionLog(ctx context.Context, agentID string, connectedAt time.Time, ipAddress string) (string, error)
	CloseConnectionLog(ctx context.Context, logID string, disconnectedAt time.Time, reason string) error
	ListConnectionLogs(ctx context.Context, agentID string, limit, offset int) ([]ConnectionLog, error)

	InsertAgentLog(ctx context.Context, log *AgentLog) error
	ListAgentLogs(ctx context.Context, agentID string, limit int) ([]AgentLog, error)

	InsertCommand(ctx context.Context, rec *CommandRecord) error
	MarkCommandSent(ctx context.Context, commandID string, at time.Time) error
	// FinishCommand records the terminal status and reports whether it did.
	// A command that already finished is left untouched.
	FinishCommand(ctx context.Context, commandID string, outcome CommandOutcome) (bool, error)
	ListCommands(ctx context.Context, agentID string, limit, offset int) ([]CommandRecord, error)
}

func statusStrings(in []presence.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
