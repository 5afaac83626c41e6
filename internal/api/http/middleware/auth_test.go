package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/EternisAI/silo-desktop/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	engine := gin.New()
	handlers := append(mw, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(ContextUserID)})
	})
	engine.GET("/", handlers...)
	return engine
}

func do(engine *gin.Engine, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	engine := newEngine(JWTAuth("secret"))

	token, err := auth.GenerateToken(auth.Config{JWTSecret: "secret", JWTExpiresIn: time.Minute}, "user-1", "alice", "user")
	require.NoError(t, err)

	w := do(engine, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"user-1"}`, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do(engine, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(engine, "Authorization", token).Code)
	assert.Equal(t, http.StatusUnauthorized, do(engine, "Authorization", "Bearer garbage").Code)
}

func TestRequireRole(t *testing.T) {
	engine := newEngine(JWTAuth("secret"), RequireRole("admin"))

	userToken, err := auth.GenerateToken(auth.Config{JWTSecret: "secret"}, "user-1", "alice", "user")
	require.NoError(t, err)
	adminToken, err := auth.GenerateToken(auth.Config{JWTSecret: "secret"}, "user-2", "root", "admin")
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, do(engine, "Authorization", "Bearer "+userToken).Code)
	assert.Equal(t, http.StatusOK, do(engine, "Authorization", "Bearer "+adminToken).Code)
}

func TestAPIKeyAuth(t *testing.T) {
	engine := newEngine(APIKeyAuth("k3y"))

	assert.Equal(t, http.StatusOK, do(engine, "X-API-Key", "k3y").Code)
	assert.Equal(t, http.StatusUnauthorized, do(engine, "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, do(engine, "", "").Code)

	disabled := newEngine(APIKeyAuth(""))
	assert.Equal(t, http.StatusServiceUnavailable, do(disabled, "X-API-Key", "k3y").Code)
}
