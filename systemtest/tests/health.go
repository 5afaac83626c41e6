package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/EternisAI/silo-desktop/internal/api/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheck(t *testing.T, env *Env) {
	rr := doJSON(env.Router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	rr = doJSON(env.Router, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
