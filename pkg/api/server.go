// Package api exposes the agent over HTTP: chat management, a
// streaming turn endpoint, plugin and task administration, and model
// configuration. All routes under /api require HTTP Basic credentials.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/genesis-bot/genesis/pkg/agent/orchestrator"
	"github.com/genesis-bot/genesis/pkg/config"
	"github.com/genesis-bot/genesis/pkg/database"
	"github.com/genesis-bot/genesis/pkg/llm"
	"github.com/genesis-bot/genesis/pkg/plugins"
	"github.com/genesis-bot/genesis/pkg/scheduler"
	"github.com/genesis-bot/genesis/pkg/services"
)

// Server holds the API's dependencies and its handlers.
type Server struct {
	db       *database.Client
	users    *services.UserService
	chats    *services.ChatService
	perms    *services.PermissionService
	registry *plugins.Registry
	sched    *scheduler.Scheduler
	keys     *llm.KeyStore
	settings *config.Settings
	orch     *orchestrator.Orchestrator
}

// NewServer creates the API server.
func NewServer(db *database.Client, users *services.UserService, chats *services.ChatService, perms *services.PermissionService, registry *plugins.Registry, sched *scheduler.Scheduler, keys *llm.KeyStore, settings *config.Settings, orch *orchestrator.Orchestrator) *Server {
	return &Server{
		db:       db,
		users:    users,
		chats:    chats,
		perms:    perms,
		registry: registry,
		sched:    sched,
		keys:     keys,
		settings: settings,
		orch:     orch,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.Health)

	api := router.Group("/api", s.authenticate())
	{
		api.GET("/models", s.ListModels)
		api.PUT("/me/model", s.SetPreferredModel)
		api.POST("/keys", s.requireAdmin(), s.SetKey)

		api.POST("/chats", s.CreateChat)
		api.GET("/chats", s.ListChats)
		api.GET("/chats/:id", s.GetChat)
		api.DELETE("/chats/:id", s.DeleteChat)
		api.GET("/chats/:id/items", s.ChatItems)
		api.POST("/chats/:id/clear", s.ClearChat)
		api.POST("/chats/:id/messages", s.SendMessage)
		api.POST("/chats/:id/cancel", s.CancelChat)

		api.POST("/permissions/grant", s.GrantPermission)

		api.GET("/plugins", s.ListPlugins)
		api.POST("/plugins", s.InstallPlugin)
		api.DELETE("/plugins/:id", s.DeletePlugin)

		api.GET("/tasks", s.ListTasks)
		api.POST("/tasks", s.CreateTask)
		api.POST("/tasks/:id/run", s.RunTask)
		api.PUT("/tasks/:id/status", s.SetTaskStatus)
		api.DELETE("/tasks/:id", s.DeleteTask)
	}

	return router
}

// Health reports process and database status.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.DB().PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": string(s.db.Dialect()),
	})
}
