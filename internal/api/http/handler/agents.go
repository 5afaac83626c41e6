package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/EternisAI/silo-desktop/internal/agents"
	"github.com/EternisAI/silo-desktop/internal/api/http/dto"
	"github.com/EternisAI/silo-desktop/internal/api/http/middleware"
	"github.com/EternisAI/silo-desktop/internal/protocol"
	wsserver "github.com/EternisAI/silo-desktop/internal/ws/server"
	"github.com/gin-gonic/gin"
)

type AgentsHandler struct {
	agentService *agents.Service
	channel      *wsserver.Server
}

func NewAgentsHandler(agentService *agents.Service, channel *wsserver.Server) *AgentsHandler {
	return &AgentsHandler{
		agentService: agentService,
		channel:      channel,
	}
}

// CreateAgent registers a new agent for the caller and returns its token once.
// POST /api/v1/agents
func (h *AgentsHandler) CreateAgent(c *gin.Context) {
	var req dto.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString(middleware.ContextUserID)
	agent, err := h.agentService.CreateAgent(c.Request.Context(), agents.CreateAgentParams{
		UserID:         userID,
		Hostname:       req.Hostname,
		MachineID:      req.MachineID,
		OS:             req.OS,
		Version:        req.Version,
		RuntimeVersion: req.RuntimeVersion,
	})
	if err != nil {
		switch {
		case errors.Is(err, agents.ErrDuplicateAgent):
			c.JSON(http.StatusConflict, gin.H{"error": "an active agent already exists for this machine"})
		case errors.Is(err, agents.ErrInvalidParams):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			slog.Error("Failed to create agent", "error", err, "user_id", userID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create agent"})
		}
		return
	}

	slog.Info("Agent created", "agent_id", agent.AgentID, "user_id", userID)
	c.JSON(http.StatusCreated, dto.CreateAgentResponse{
		Agent: h.toResponse(agent),
		Token: agent.Token,
	})
}

// GET /api/v1/agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	agentList, err := h.agentService.ListByUser(c.Request.Context(), userID)
	if err != nil {
		slog.Error("Failed to list agents", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}

	resp := dto.ListAgentsResponse{Agents: make([]dto.AgentResponse, len(agentList))}
	for i := range agentList {
		resp.Agents[i] = h.toResponse(&agentList[i])
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/agents/:id
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.toResponse(agent))
}

// RevokeAgent invalidates the token for good and drops the live channel.
// POST /api/v1/agents/:id/revoke
func (h *AgentsHandler) RevokeAgent(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}

	if err := h.agentService.Revoke(c.Request.Context(), agent.AgentID); err != nil {
		slog.Error("Failed to revoke agent", "error", err, "agent_id", agent.AgentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke agent"})
		return
	}

	h.disconnect(agent.AgentID, protocol.ReasonRevoked)
	slog.Info("Agent revoked", "agent_id", agent.AgentID)
	c.JSON(http.StatusOK, gin.H{"message": "agent revoked"})
}

// RotateToken issues a new token. The old one stops working immediately and
// any channel opened with it is closed.
// POST /api/v1/agents/:id/rotate-token
func (h *AgentsHandler) RotateToken(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}

	rotated, err := h.agentService.RotateToken(c.Request.Context(), agent.AgentID)
	if err != nil {
		if errors.Is(err, agents.ErrAgentRevoked) {
			c.JSON(http.StatusConflict, gin.H{"error": "agent is revoked"})
			return
		}
		slog.Error("Failed to rotate token", "error", err, "agent_id", agent.AgentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate token"})
		return
	}

	h.disconnect(agent.AgentID, protocol.ReasonInvalidToken)
	c.JSON(http.StatusOK, dto.RotateTokenResponse{AgentID: rotated.AgentID, Token: rotated.Token})
}

// DELETE /api/v1/agents/:id
func (h *AgentsHandler) DeleteAgent(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}

	h.disconnect(agent.AgentID, protocol.ReasonRevoked)

	if err := h.agentService.DeleteAgent(c.Request.Context(), agent.AgentID, agent.UserID); err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to delete agent", "error", err, "agent_id", agent.AgentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete agent"})
		return
	}

	slog.Info("Agent deleted", "agent_id", agent.AgentID)
	c.Status(http.StatusNoContent)
}

// SendCommand dispatches a command and waits for the agent's result.
// POST /api/v1/agents/:id/commands
func (h *AgentsHandler) SendCommand(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}

	var req dto.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := h.channel.Dispatcher().SendCommand(c.Request.Context(), agent.AgentID, req.Name, req.Args, timeout)
	if err != nil {
		switch {
		case errors.Is(err, wsserver.ErrNotFound):
			c.JSON(http.StatusConflict, gin.H{"error": "agent is not connected"})
		case errors.Is(err, wsserver.ErrTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "command timed out"})
		case errors.Is(err, wsserver.ErrDisconnected):
			c.JSON(http.StatusBadGateway, gin.H{"error": "agent disconnected before replying"})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
		default:
			slog.Error("Failed to send command", "error", err, "agent_id", agent.AgentID, "name", req.Name)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send command"})
		}
		return
	}

	c.JSON(http.StatusOK, dto.CommandResponse{
		ID:    result.ID,
		OK:    result.OK,
		Data:  result.Data,
		Error: result.Error,
	})
}

// ListCommands returns the agent's command history, newest first.
// GET /api/v1/agents/:id/commands
func (h *AgentsHandler) ListCommands(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}

	limit := queryInt(c, "limit", 50, 1, 500)
	offset := queryInt(c, "offset", 0, 0, 1<<30)

	history, err := h.agentService.ListCommands(c.Request.Context(), agent.AgentID, limit, offset)
	if err != nil {
		slog.Error("Failed to load command history", "error", err, "agent_id", agent.AgentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load command history"})
		return
	}

	resp := dto.ListCommandsResponse{
		Commands: make([]dto.CommandRecordResponse, len(history)),
		Limit:    limit,
		Offset:   offset,
	}
	for i, r := range history {
		resp.Commands[i] = dto.CommandRecordResponse{
			ID:              r.ID,
			Name:            r.Name,
			Args:            r.Args,
			Status:          string(r.Status),
			Result:          r.Result,
			Error:           r.Error,
			CreatedAt:       r.CreatedAt,
			SentAt:          r.SentAt,
			CompletedAt:     r.CompletedAt,
			ExecutionTimeMs: r.ExecutionTimeMs,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/agents/:id/connections
func (h *AgentsHandler) ListConnections(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}

	limit := queryInt(c, "limit", 50, 1, 500)
	offset := queryInt(c, "offset", 0, 0, 1<<30)

	history, err := h.agentService.GetConnectionHistory(c.Request.Context(), agent.AgentID, limit, offset)
	if err != nil {
		slog.Error("Failed to load connection history", "error", err, "agent_id", agent.AgentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load connection history"})
		return
	}

	resp := dto.ListConnectionLogsResponse{
		Connections: make([]dto.ConnectionLogResponse, len(history)),
		Limit:       limit,
		Offset:      offset,
	}
	for i, l := range history {
		resp.Connections[i] = dto.ConnectionLogResponse{
			ID:               l.ID,
			ConnectedAt:      l.ConnectedAt,
			DisconnectedAt:   l.DisconnectedAt,
			DurationSeconds:  l.DurationSeconds,
			IPAddress:        l.IPAddress,
			DisconnectReason: l.DisconnectReason,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/agents/:id/logs
func (h *AgentsHandler) ListLogs(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}

	logs, err := h.agentService.ListAgentLogs(c.Request.Context(), agent.AgentID, queryInt(c, "limit", 100, 1, 1000))
	if err != nil {
		slog.Error("Failed to load agent logs", "error", err, "agent_id", agent.AgentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agent logs"})
		return
	}

	resp := dto.ListAgentLogsResponse{Logs: make([]dto.AgentLogResponse, len(logs))}
	for i, l := range logs {
		resp.Logs[i] = dto.AgentLogResponse{
			ID:        l.ID,
			Level:     l.Level,
			Message:   l.Message,
			Metadata:  l.Metadata,
			CreatedAt: l.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ownedAgent loads :id and checks it belongs to the caller. It writes the
// error response itself.
func (h *AgentsHandler) ownedAgent(c *gin.Context) (*agents.Agent, bool) {
	agentID := c.Param("id")
	agent, err := h.agentService.FindByID(c.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return nil, false
		}
		slog.Error("Failed to get agent", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get agent"})
		return nil, false
	}

	if agent.UserID != c.GetString(middleware.ContextUserID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return nil, false
	}
	return agent, true
}

func (h *AgentsHandler) disconnect(agentID, reason string) {
	if h.channel.ConnectionManager().Evict(agentID, wsserver.NewError(wsserver.ErrAuth, reason)) {
		slog.Info("Agent channel closed", "agent_id", agentID, "reason", reason)
	}
}

func (h *AgentsHandler) toResponse(a *agents.Agent) dto.AgentResponse {
	resp := dto.AgentResponse{
		AgentID:        a.AgentID,
		Hostname:       a.Hostname,
		MachineID:      a.MachineID,
		OS:             a.OS,
		Version:        a.Version,
		RuntimeVersion: a.RuntimeVersion,
		Status:         string(a.Status),
		Connected:      h.channel.ConnectionManager().IsConnected(a.AgentID),
		LastIPAddress:  a.LastIPAddress,
		CreatedAt:      a.CreatedAt,
	}
	if !a.LastSeen.IsZero() {
		lastSeen := a.LastSeen
		resp.LastSeen = &lastSeen
	}
	return resp
}

func queryInt(c *gin.Context, key string, def, lo, hi int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
