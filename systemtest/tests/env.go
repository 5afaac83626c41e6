package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/EternisAI/silo-desktop/internal/agents"
	"github.com/EternisAI/silo-desktop/internal/api/http/dto"
	"github.com/EternisAI/silo-desktop/internal/presence"
	wsserver "github.com/EternisAI/silo-desktop/internal/ws/server"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// Env is everything a system test needs from a fully wired server backed by
// real Postgres and Redis.
type Env struct {
	Router      *gin.Engine
	Agents      *agents.Service
	Presence    *presence.RedisPublisher
	Channel     *wsserver.Server
	ChannelURL  string
	JWTSecret   string
	AdminAPIKey string
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	return doJSONWithAuth(router, method, path, body, "")
}

func doJSONWithAuth(router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func registerAndLogin(t *testing.T, router *gin.Engine, username string) string {
	t.Helper()

	rr := doJSON(router, http.MethodPost, "/api/v1/auth/register", dto.RegisterRequest{Username: username, Password: "password123"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	return login(t, router, username, "password123")
}

func login(t *testing.T, router *gin.Engine, username, password string) string {
	t.Helper()

	rr := doJSON(router, http.MethodPost, "/api/v1/auth/login", dto.LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp dto.LoginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Token
}

func adminGet(router *gin.Engine, path, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-API-Key", apiKey)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
