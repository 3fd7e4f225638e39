// Package api assembles the HTTP surface: route registration, access
// control, and server lifecycle.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/blime4/KiroProxy/internal/api/handlers"
	claudehandlers "github.com/blime4/KiroProxy/internal/api/handlers/claude"
	geminihandlers "github.com/blime4/KiroProxy/internal/api/handlers/gemini"
	"github.com/blime4/KiroProxy/internal/api/handlers/management"
	openaihandlers "github.com/blime4/KiroProxy/internal/api/handlers/openai"
	"github.com/blime4/KiroProxy/internal/auth"
	"github.com/blime4/KiroProxy/internal/config"
	"github.com/blime4/KiroProxy/internal/engine"
	"github.com/blime4/KiroProxy/internal/logging"
	"github.com/blime4/KiroProxy/internal/monitor"
	"github.com/blime4/KiroProxy/internal/scheduler"
	"github.com/blime4/KiroProxy/internal/util"

	// Dialect translators register themselves with the default registry.
	_ "github.com/blime4/KiroProxy/internal/translator/kiro/claude"
	_ "github.com/blime4/KiroProxy/internal/translator/kiro/gemini"
	_ "github.com/blime4/KiroProxy/internal/translator/kiro/openai/chat-completions"
	_ "github.com/blime4/KiroProxy/internal/translator/kiro/openai/responses"
)

// Server owns the gin engine and the HTTP listener.
type Server struct {
	cfg  *config.Config
	base *handlers.BaseAPIHandler
	mgmt *management.Handler
	srv  *http.Server
}

// NewServer assembles routes for the dialect surfaces, the management
// surface, and the health probe.
func NewServer(cfg *config.Config, eng *engine.Engine, auths *auth.Manager, cooldowns *scheduler.Cooldowns, mon *monitor.Monitor) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	base := handlers.NewBaseAPIHandler(cfg, eng)
	claudeAPI := claudehandlers.NewClaudeAPIHandler(base)
	openaiAPI := openaihandlers.NewOpenAIAPIHandler(base)
	geminiAPI := geminihandlers.NewGeminiAPIHandler(base)
	mgmt := management.NewHandler(cfg, auths, cooldowns, mon)

	s := &Server{cfg: cfg, base: base, mgmt: mgmt}

	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(logging.GinLogrusLogger())
	router.Use(logging.GinLogrusRecovery())

	router.GET("/health", func(c *gin.Context) {
		total, available := 0, 0
		for _, identity := range auths.List() {
			total++
			if identity.Schedulable() && cooldowns.Available(identity.ID) {
				available++
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": gin.H{"total": total, "available": available}})
	})

	v1 := router.Group("/v1", s.apiKeyAuth())
	{
		v1.POST("/messages", claudeAPI.Messages)
		v1.POST("/messages/count_tokens", claudeAPI.CountTokens)
		v1.POST("/chat/completions", openaiAPI.ChatCompletions)
		v1.POST("/responses", openaiAPI.Responses)
		v1.GET("/models", openaiAPI.Models)
	}

	v1beta := router.Group("/v1beta", s.apiKeyAuth())
	{
		v1beta.GET("/models", geminiAPI.Models)
		// The model and action share one path segment (model:action).
		v1beta.POST("/models/*modelAction", geminiAPI.Generate)
	}

	mgmtGroup := router.Group("/v0/management", s.managementAuth())
	{
		mgmtGroup.GET("/accounts", mgmt.ListAccounts)
		mgmtGroup.PATCH("/accounts/:id", mgmt.PatchAccount)
		mgmtGroup.DELETE("/accounts/:id", mgmt.DeleteAccount)
		mgmtGroup.POST("/accounts/:id/refresh", mgmt.RefreshAccount)
		mgmtGroup.POST("/accounts/:id/restore", mgmt.RestoreAccount)
		mgmtGroup.POST("/accounts/import", mgmt.ImportAccounts)
		mgmtGroup.GET("/flows", mgmt.Flows)
		mgmtGroup.GET("/flows/export", mgmt.ExportFlows)
		mgmtGroup.GET("/stats", mgmt.Stats)
		mgmtGroup.GET("/usage", mgmt.Usage)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.Infof("listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// SetConfig propagates a reloaded configuration to the handler layers.
// Listener address changes require a restart and are ignored here.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfg = cfg
	s.base.SetConfig(cfg)
	s.mgmt.SetConfig(cfg)
}

// apiKeyAuth guards the dialect surfaces. An empty key list leaves the
// surfaces open, matching a trusted-network deployment.
func (s *Server) apiKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := s.cfg.APIKeys
		if len(keys) == 0 {
			c.Next()
			return
		}
		if util.InArray(keys, presentedKey(c)) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"message": "invalid or missing api key", "type": "authentication_error"},
		})
	}
}

// managementAuth guards /v0/management. With no management key configured
// the surface is disabled outright rather than left open.
func (s *Server) managementAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := s.cfg.ManagementKey
		if key == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management surface disabled: no management key configured"})
			return
		}
		if presented := presentedKey(c); presented == key {
			c.Next()
			return
		}
		if c.GetHeader("X-Management-Key") == key {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
	}
}

// presentedKey extracts the client credential from the places the served
// dialects put it.
func presentedKey(c *gin.Context) string {
	if v := c.GetHeader("Authorization"); v != "" {
		return strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
	}
	if v := c.GetHeader("x-api-key"); v != "" {
		return v
	}
	if v := c.GetHeader("x-goog-api-key"); v != "" {
		return v
	}
	return c.Query("key")
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		logging.SetGinRequestID(c, id)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
