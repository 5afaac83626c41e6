package dto

import (
	"encoding/json"
	"time"

	wsserver "github.com/EternisAI/silo-desktop/internal/ws/server"
)

type CreateAgentRequest struct {
	Hostname       string `json:"hostname" binding:"required,max=255"`
	MachineID      string `json:"machine_id" binding:"max=255"`
	OS             string `json:"os" binding:"max=64"`
	Version        string `json:"version" binding:"max=64"`
	RuntimeVersion string `json:"runtime_version" binding:"max=64"`
}

type AgentResponse struct {
	AgentID        string     `json:"agent_id"`
	Hostname       string     `json:"hostname"`
	MachineID      string     `json:"machine_id,omitempty"`
	OS             string     `json:"os"`
	Version        string     `json:"version"`
	RuntimeVersion string     `json:"runtime_version,omitempty"`
	Status         string     `json:"status"`
	Connected      bool       `json:"connected"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
	LastIPAddress  string     `json:"last_ip_address,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CreateAgentResponse carries the plaintext token. It is never shown again.
type CreateAgentResponse struct {
	Agent AgentResponse `json:"agent"`
	Token string        `json:"token"`
}

type RotateTokenResponse struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}

type CommandRequest struct {
	Name           string          `json:"name" binding:"required,max=128"`
	Args           json.RawMessage `json:"args"`
	TimeoutSeconds int             `json:"timeout_seconds" binding:"min=0,max=300"`
}

type CommandResponse struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type CommandRecordResponse struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Args            json.RawMessage `json:"args,omitempty"`
	Status          string          `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	SentAt          *time.Time      `json:"sent_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExecutionTimeMs *int64          `json:"execution_time_ms,omitempty"`
}

type ListCommandsResponse struct {
	Commands []CommandRecordResponse `json:"commands"`
	Limit    int                     `json:"limit"`
	Offset   int                     `json:"offset"`
}

type ConnectionLogResponse struct {
	ID               string     `json:"id"`
	ConnectedAt      time.Time  `json:"connected_at"`
	DisconnectedAt   *time.Time `json:"disconnected_at,omitempty"`
	DurationSeconds  int        `json:"duration_seconds"`
	IPAddress        string     `json:"ip_address,omitempty"`
	DisconnectReason string     `json:"disconnect_reason,omitempty"`
}

type ListConnectionLogsResponse struct {
	Connections []ConnectionLogResponse `json:"connections"`
	Limit       int                     `json:"limit"`
	Offset      int                     `json:"offset"`
}

type AgentLogResponse struct {
	ID        int64                  `json:"id"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type ListAgentLogsResponse struct {
	Logs []AgentLogResponse `json:"logs"`
}

type LiveConnectionsResponse struct {
	Connections []wsserver.ConnectionInfo `json:"connections"`
	Count       int                       `json:"count"`
}
