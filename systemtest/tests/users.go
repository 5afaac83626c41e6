package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/EternisAI/silo-desktop/internal/api/http/dto"
	"github.com/EternisAI/silo-desktop/internal/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserCRUD(t *testing.T, env *Env) {
	router := env.Router
	adminToken := login(t, router, "root", "changeme")

	t.Run("list users as admin", func(t *testing.T) {
		rr := doJSONWithAuth(router, http.MethodGet, "/api/v1/users", nil, adminToken)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListUsersResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.GreaterOrEqual(t, resp.Total, int64(1))
		assert.Equal(t, 1, resp.Page)
		assert.Equal(t, 20, resp.PageSize)
		require.NotEmpty(t, resp.Users)
		assert.Equal(t, "root", resp.Users[0].Username)
		assert.Equal(t, users.RoleAdmin, resp.Users[0].Role)
	})

	t.Run("list users with pagination", func(t *testing.T) {
		rr := doJSONWithAuth(router, http.MethodGet, "/api/v1/users?page=1&page_size=2", nil, adminToken)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListUsersResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Page)
		assert.Equal(t, 2, resp.PageSize)
		assert.LessOrEqual(t, len(resp.Users), 2)
	})

	t.Run("list users 403 for non-admin", func(t *testing.T) {
		token := registerAndLogin(t, router, "regularuser")

		rr := doJSONWithAuth(router, http.MethodGet, "/api/v1/users", nil, token)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("list users 401 without token", func(t *testing.T) {
		rr := doJSON(router, http.MethodGet, "/api/v1/users", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("delete user", func(t *testing.T) {
		token := registerAndLogin(t, router, "deleteuser")

		rr := doJSONWithAuth(router, http.MethodDelete, "/api/v1/users/me", nil, token)
		require.Equal(t, http.StatusNoContent, rr.Code)

		rr = doJSON(router, http.MethodPost, "/api/v1/auth/login", dto.LoginRequest{Username: "deleteuser", Password: "password123"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("delete user 401 without token", func(t *testing.T) {
		rr := doJSON(router, http.MethodDelete, "/api/v1/users/me", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
