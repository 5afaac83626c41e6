package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/EternisAI/silo-desktop/internal/api/http/dto"
	"github.com/EternisAI/silo-desktop/internal/auth"
	"github.com/EternisAI/silo-desktop/internal/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T, env *Env) {
	router := env.Router

	t.Run("success", func(t *testing.T) {
		body := dto.RegisterRequest{Username: "testuser", Password: "password123"}
		rr := doJSON(router, http.MethodPost, "/api/v1/auth/register", body)

		assert.Equal(t, http.StatusCreated, rr.Code)

		var resp dto.RegisterResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "testuser", resp.Username)
		assert.Equal(t, users.RoleUser, resp.Role)
		assert.NotEmpty(t, resp.ID)
	})

	t.Run("duplicate username", func(t *testing.T) {
		body := dto.RegisterRequest{Username: "dupuser", Password: "password123"}
		rr := doJSON(router, http.MethodPost, "/api/v1/auth/register", body)
		require.Equal(t, http.StatusCreated, rr.Code)

		rr = doJSON(router, http.MethodPost, "/api/v1/auth/register", body)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("missing username", func(t *testing.T) {
		body := dto.RegisterRequest{Password: "password123"}
		rr := doJSON(router, http.MethodPost, "/api/v1/auth/register", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("password too short", func(t *testing.T) {
		body := dto.RegisterRequest{Username: "shortpw", Password: "short"}
		rr := doJSON(router, http.MethodPost, "/api/v1/auth/register", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestLogin(t *testing.T, env *Env) {
	router := env.Router

	regBody := dto.RegisterRequest{Username: "loginuser", Password: "password123"}
	rr := doJSON(router, http.MethodPost, "/api/v1/auth/register", regBody)
	require.Equal(t, http.StatusCreated, rr.Code)

	t.Run("success", func(t *testing.T) {
		token := login(t, router, "loginuser", "password123")

		claims, err := auth.ValidateToken(env.JWTSecret, token)
		require.NoError(t, err)
		assert.Equal(t, "loginuser", claims.Username)
		assert.Equal(t, users.RoleUser, claims.Role)
		assert.NotEmpty(t, claims.UserID)
	})

	t.Run("wrong password", func(t *testing.T) {
		body := dto.LoginRequest{Username: "loginuser", Password: "wrongpassword"}
		rr := doJSON(router, http.MethodPost, "/api/v1/auth/login", body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("nonexistent user", func(t *testing.T) {
		body := dto.LoginRequest{Username: "nouser", Password: "password123"}
		rr := doJSON(router, http.MethodPost, "/api/v1/auth/login", body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
