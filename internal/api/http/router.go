package http

import (
	"time"

	"github.com/EternisAI/silo-desktop/internal/agents"
	"github.com/EternisAI/silo-desktop/internal/api/http/handler"
	"github.com/EternisAI/silo-desktop/internal/api/http/middleware"
	"github.com/EternisAI/silo-desktop/internal/auth"
	"github.com/EternisAI/silo-desktop/internal/users"
	wsserver "github.com/EternisAI/silo-desktop/internal/ws/server"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type Services struct {
	AgentService *agents.Service
	AuthService  *auth.Service
	UserService  *users.Service
	Channel      *wsserver.Server
	JWTSecret    string
	Version      string
}

// NewEngine builds the API engine with CORS, recovery and request logging.
func NewEngine(config Config, srvs *Services) *gin.Engine {
	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	SetupRoute(engine, config, srvs)
	return engine
}

func SetupRoute(engine *gin.Engine, config Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Version)
	engine.GET("/health", healthHandler.Check)
	engine.GET("/ping", healthHandler.Ping)

	api := engine.Group("/api/v1")

	authHandler := handler.NewAuthHandler(srvs.AuthService)
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)

	protected := api.Group("", middleware.JWTAuth(srvs.JWTSecret))

	agentsHandler := handler.NewAgentsHandler(srvs.AgentService, srvs.Channel)
	protected.POST("/agents", agentsHandler.CreateAgent)
	protected.GET("/agents", agentsHandler.ListAgents)
	protected.GET("/agents/:id", agentsHandler.GetAgent)
	protected.DELETE("/agents/:id", agentsHandler.DeleteAgent)
	protected.POST("/agents/:id/revoke", agentsHandler.RevokeAgent)
	protected.POST("/agents/:id/rotate-token", agentsHandler.RotateToken)
	protected.POST("/agents/:id/commands", agentsHandler.SendCommand)
	protected.GET("/agents/:id/commands", agentsHandler.ListCommands)
	protected.GET("/agents/:id/connections", agentsHandler.ListConnections)
	protected.GET("/agents/:id/logs", agentsHandler.ListLogs)

	userHandler := handler.NewUserHandler(srvs.UserService, srvs.AgentService, srvs.Channel)
	protected.DELETE("/users/me", userHandler.DeleteUser)
	protected.GET("/users", middleware.RequireRole(users.RoleAdmin), userHandler.ListUsers)

	adminHandler := handler.NewAdminHandler(srvs.Channel)
	admin := engine.Group("/admin", middleware.APIKeyAuth(config.AdminAPIKey))
	admin.GET("/connections", adminHandler.ListConnections)

	engine.NoRoute(handler.NewStaticHandler(config.StaticDir).Serve)
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
