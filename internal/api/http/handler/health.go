package handler

import (
	"net/http"
	"time"

	"github.com/EternisAI/silo-desktop/internal/api/http/dto"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	startedAt time.Time
	version   string
}

func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		startedAt: time.Now(),
		version:   version,
	}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	now := time.Now()
	ctx.JSON(http.StatusOK, dto.HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(now.Sub(h.startedAt).Seconds()),
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
	})
}

func (h *HealthHandler) Ping(ctx *gin.Context) {
	ctx.String(http.StatusOK, "pong")
}
