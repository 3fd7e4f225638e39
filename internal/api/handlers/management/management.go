// Package management exposes the operator surface under /v0/management:
// account inspection and control, credential import, flow monitoring, and
// aggregate usage.
package management

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/blime4/KiroProxy/internal/auth"
	"github.com/blime4/KiroProxy/internal/config"
	"github.com/blime4/KiroProxy/internal/monitor"
	"github.com/blime4/KiroProxy/internal/scheduler"
)

// Handler serves the management endpoints.
type Handler struct {
	cfg       *config.Config
	auths     *auth.Manager
	cooldowns *scheduler.Cooldowns
	monitor   *monitor.Monitor
}

// NewHandler wires the management surface.
func NewHandler(cfg *config.Config, auths *auth.Manager, cooldowns *scheduler.Cooldowns, mon *monitor.Monitor) *Handler {
	return &Handler{cfg: cfg, auths: auths, cooldowns: cooldowns, monitor: mon}
}

// SetConfig swaps the active configuration on hot reload.
func (h *Handler) SetConfig(cfg *config.Config) { h.cfg = cfg }

// accountView is the wire shape of one identity, credentials redacted.
type accountView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Enabled       bool   `json:"enabled"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message,omitempty"`
	AuthMethod    string `json:"auth_method,omitempty"`
	Region        string `json:"region,omitempty"`
	RequestCount  int64  `json:"request_count"`
	ErrorCount    int64  `json:"error_count"`
	LastUsed      string `json:"last_used,omitempty"`
	CooldownLeft  string `json:"cooldown_left,omitempty"`
	CooldownWhy   string `json:"cooldown_reason,omitempty"`
}

// ListAccounts handles GET /v0/management/accounts.
func (h *Handler) ListAccounts(c *gin.Context) {
	cooldowns := h.cooldowns.Snapshot()
	identities := h.auths.List()
	out := make([]accountView, 0, len(identities))
	for _, identity := range identities {
		view := accountView{
			ID:            identity.ID,
			Name:          identity.Name,
			Enabled:       identity.Enabled,
			Status:        string(identity.Status),
			StatusMessage: identity.StatusMessage,
			RequestCount:  identity.RequestCount,
			ErrorCount:    identity.ErrorCount,
		}
		if identity.Credentials != nil {
			view.AuthMethod = identity.Credentials.Method()
			view.Region = identity.Credentials.Region
		}
		if !identity.LastUsed.IsZero() {
			view.LastUsed = identity.LastUsed.UTC().Format("2006-01-02T15:04:05Z")
		}
		if rec, ok := cooldowns[identity.ID]; ok {
			view.CooldownLeft = h.cooldowns.Remaining(identity.ID).Truncate(1e9).String()
			view.CooldownWhy = rec.Reason
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out, "total": len(out)})
}

// PatchAccount handles PATCH /v0/management/accounts/:id to flip enablement.
func (h *Handler) PatchAccount(c *gin.Context) {
	id := c.Param("id")
	if h.auths.Get(id) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry an enabled flag"})
		return
	}
	if err := h.auths.SetEnabled(c.Request.Context(), id, *body.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": *body.Enabled})
}

// RefreshAccount handles POST /v0/management/accounts/:id/refresh.
func (h *Handler) RefreshAccount(c *gin.Context) {
	id := c.Param("id")
	identity, err := h.auths.Refresh(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("refresh failed: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": identity.ID, "status": identity.Status})
}

// RestoreAccount handles POST /v0/management/accounts/:id/restore: clears the
// cooldown and returns a suspended identity to rotation.
func (h *Handler) RestoreAccount(c *gin.Context) {
	id := c.Param("id")
	if h.auths.Get(id) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	h.cooldowns.Restore(id)
	if err := h.auths.Restore(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": auth.StatusActive})
}

// DeleteAccount handles DELETE /v0/management/accounts/:id.
func (h *Handler) DeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.auths.Remove(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "deleted": true})
}

// ImportAccounts handles POST /v0/management/accounts/import. It scans a
// directory of cached SSO token files and adopts every credential set that
// carries a refresh token.
func (h *Handler) ImportAccounts(c *gin.Context) {
	var body struct {
		Dir string `json:"dir"`
	}
	_ = c.ShouldBindJSON(&body)
	dir := strings.TrimSpace(body.Dir)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no import directory given and home directory unknown"})
			return
		}
		dir = filepath.Join(home, ".aws", "sso", "cache")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("read import dir: %v", err)})
		return
	}

	imported := make([]string, 0)
	skipped := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, errRead := os.ReadFile(filepath.Join(dir, entry.Name()))
		if errRead != nil {
			skipped++
			continue
		}
		var creds auth.Credentials
		if errJSON := json.Unmarshal(raw, &creds); errJSON != nil || creds.RefreshToken == "" {
			skipped++
			continue
		}
		identity, errAdd := h.auths.Add(c.Request.Context(), entry.Name(), &creds)
		if errAdd != nil {
			log.WithError(errAdd).Warnf("import: adopting %s failed", entry.Name())
			skipped++
			continue
		}
		imported = append(imported, identity.ID)
	}
	c.JSON(http.StatusOK, gin.H{"imported": imported, "skipped": skipped})
}

// Flows handles GET /v0/management/flows with optional state, model,
// identity, and limit filters.
func (h *Handler) Flows(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	flows := h.monitor.Flows(monitor.Query{
		State:    monitor.State(c.Query("state")),
		Model:    c.Query("model"),
		Identity: c.Query("identity"),
		Limit:    limit,
	})
	c.JSON(http.StatusOK, gin.H{"flows": flows, "total": len(flows)})
}

// ExportFlows handles GET /v0/management/flows/export as JSON lines.
func (h *Handler) ExportFlows(c *gin.Context) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", `attachment; filename="flows.jsonl"`)
	if err := h.monitor.ExportJSONL(c.Writer); err != nil {
		log.WithError(err).Warn("flow export failed")
	}
}

// Stats handles GET /v0/management/stats.
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.Snapshot())
}

// Usage handles GET /v0/management/usage: per-identity counters plus the
// token totals accumulated by the flow monitor.
func (h *Handler) Usage(c *gin.Context) {
	stats := h.monitor.Snapshot()
	identities := h.auths.List()
	perIdentity := make([]gin.H, 0, len(identities))
	var requests, errors int64
	for _, identity := range identities {
		requests += identity.RequestCount
		errors += identity.ErrorCount
		perIdentity = append(perIdentity, gin.H{
			"id":            identity.ID,
			"request_count": identity.RequestCount,
			"error_count":   identity.ErrorCount,
			"flows":         stats.ByIdentity[identity.ID],
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"total_requests": requests,
		"total_errors":   errors,
		"input_tokens":   stats.InputTokens,
		"output_tokens":  stats.OutputTokens,
		"accounts":       perIdentity,
	})
}
