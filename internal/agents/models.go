package agents

import (
	"encoding/json"
	"time"

	"github.com/EternisAI/silo-desktop/internal/presence"
)

type Agent struct {
	ID             int64
	AgentID        string
	UserID         string
	Hostname       string
	MachineID      string
	OS             string
	Version        string
	RuntimeVersion string
	// Token is only set on values returned by CreateAgent and RotateToken.
	Token         string
	Status        presence.Status
	LastSeen      time.Time
	LastIPAddress string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type CreateAgentParams struct {
	UserID         string
	Hostname       string
	MachineID      string
	OS             string
	Version        string
	RuntimeVersion string
}

type ConnectionLog struct {
	ID               string
	AgentID          string
	ConnectedAt      time.Time
	DisconnectedAt   *time.Time
	DurationSeconds  int
	IPAddress        string
	DisconnectReason string
}

type AgentLog struct {
	ID        int64
	AgentID   string
	Level     string
	Message   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// CommandRecord is the durable history entry for one dispatched command.
// Records are never replayed to the agent.
type CommandRecord struct {
	ID              string
	AgentID         string
	Name            string
	Args            json.RawMessage
	Status          CommandStatus
	Result          json.RawMessage
	Error           string
	CreatedAt       time.Time
	SentAt          *time.Time
	CompletedAt     *time.Time
	ExecutionTimeMs *int64
}

// CommandOutcome is how a command ended.
type CommandOutcome struct {
	AgentID     string
	Name        string
	Status      CommandStatus
	Result      json.RawMessage
	Error       string
	CompletedAt time.Time
	// ExecutionTime is measured from the send; zero if it was never sent.
	ExecutionTime time.Duration
}
