package handler

import (
	"net/http"

	"github.com/EternisAI/silo-desktop/internal/api/http/dto"
	wsserver "github.com/EternisAI/silo-desktop/internal/ws/server"
	"github.com/gin-gonic/gin"
)

type AdminHandler struct {
	channel *wsserver.Server
}

func NewAdminHandler(channel *wsserver.Server) *AdminHandler {
	return &AdminHandler{channel: channel}
}

// ListConnections returns every live agent channel.
// GET /admin/connections
func (h *AdminHandler) ListConnections(ctx *gin.Context) {
	conns := h.channel.ConnectionManager().Snapshot()
	ctx.JSON(http.StatusOK, dto.LiveConnectionsResponse{
		Connections: conns,
		Count:       len(conns),
	})
}
