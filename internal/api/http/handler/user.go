package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/EternisAI/silo-desktop/internal/agents"
	"github.com/EternisAI/silo-desktop/internal/api/http/dto"
	"github.com/EternisAI/silo-desktop/internal/api/http/middleware"
	"github.com/EternisAI/silo-desktop/internal/protocol"
	"github.com/EternisAI/silo-desktop/internal/users"
	wsserver "github.com/EternisAI/silo-desktop/internal/ws/server"
	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	userService  *users.Service
	agentService *agents.Service
	channel      *wsserver.Server
}

func NewUserHandler(userService *users.Service, agentService *agents.Service, channel *wsserver.Server) *UserHandler {
	return &UserHandler{
		userService:  userService,
		agentService: agentService,
		channel:      channel,
	}
}

// DeleteUser removes the calling account. Its agents are revoked and their
// channels closed first, so no token outlives its owner.
func (h *UserHandler) DeleteUser(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	agentIDs, err := h.agentService.RevokeAllForUser(c.Request.Context(), userID)
	for _, id := range agentIDs {
		if h.channel.ConnectionManager().Evict(id, wsserver.NewError(wsserver.ErrAuth, protocol.ReasonRevoked)) {
			slog.Info("Agent channel closed", "agent_id", id, "reason", protocol.ReasonRevoked)
		}
	}
	if err != nil {
		slog.Error("Failed to revoke agents of deleted user", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if err := h.userService.DeleteUser(c.Request.Context(), userID); err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		slog.Error("Failed to delete user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *UserHandler) ListUsers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	userList, total, err := h.userService.ListUsers(c.Request.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		slog.Error("Failed to list users", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	resp := dto.ListUsersResponse{
		Users:    make([]dto.UserResponse, len(userList)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for i, u := range userList {
		resp.Users[i] = dto.UserResponse{
			ID:        u.ID,
			Username:  u.Username,
			Role:      u.Role,
			CreatedAt: u.CreatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, resp)
}
