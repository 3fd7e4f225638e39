// Package claude exposes the Anthropic Messages surface: message creation
// with streaming, token counting, and the Anthropic-flavored model listing.
package claude

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/blime4/KiroProxy/internal/api/handlers"
	"github.com/blime4/KiroProxy/internal/engine"
	"github.com/blime4/KiroProxy/internal/executor"
	"github.com/blime4/KiroProxy/internal/registry"
	"github.com/blime4/KiroProxy/internal/translator"
)

// ClaudeAPIHandler serves the Anthropic Messages endpoints.
type ClaudeAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewClaudeAPIHandler builds the Anthropic surface on the shared core.
func NewClaudeAPIHandler(base *handlers.BaseAPIHandler) *ClaudeAPIHandler {
	return &ClaudeAPIHandler{BaseAPIHandler: base}
}

// Messages handles POST /v1/messages for both streaming and non-streaming
// requests.
func (h *ClaudeAPIHandler) Messages(c *gin.Context) {
	body, ok := h.ReadBody(c)
	if !ok {
		return
	}

	req := engine.Request{
		Dialect:   translator.Claude,
		Model:     gjson.GetBytes(body, "model").String(),
		RawJSON:   body,
		Stream:    gjson.GetBytes(body, "stream").Bool(),
		RequestID: h.RequestID(c),
	}

	if !req.Stream {
		out, errMsg := h.Engine.Execute(c.Request.Context(), req)
		if errMsg != nil {
			handlers.WriteClaudeError(c, errMsg)
			return
		}
		c.Data(http.StatusOK, "application/json", []byte(out))
		return
	}

	events, errMsg := h.Engine.ExecuteStream(c.Request.Context(), req)
	if errMsg != nil {
		handlers.WriteClaudeError(c, errMsg)
		return
	}
	handlers.SetSSEHeaders(c)
	h.ForwardStream(c, events, handlers.StreamForwardOptions{
		// Claude stream chunks arrive as complete named SSE events.
		WriteChunk: func(chunk string) {
			_, _ = c.Writer.WriteString(chunk)
		},
		WriteTerminalError: func(errMsg *engine.RequestError) {
			handlers.WriteClaudeStreamError(c, errMsg)
		},
	})
}

// CountTokens handles POST /v1/messages/count_tokens with a local estimate;
// the upstream offers no counting endpoint.
func (h *ClaudeAPIHandler) CountTokens(c *gin.Context) {
	body, ok := h.ReadBody(c)
	if !ok {
		return
	}
	model := gjson.GetBytes(body, "model").String()
	translated := translator.TranslateRequest(translator.Claude, translator.Kiro, model, body, false)
	c.JSON(http.StatusOK, gin.H{"input_tokens": executor.CountTokens(translated)})
}

// Models handles GET /v1/models in the Anthropic listing shape.
func (h *ClaudeAPIHandler) Models(c *gin.Context) {
	models := registry.GetKiroModels()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		if m == nil {
			continue
		}
		data = append(data, gin.H{
			"type":         "model",
			"id":           m.ID,
			"display_name": m.DisplayName,
			"created_at":   m.Created,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "has_more": false, "first_id": firstID(models), "last_id": lastID(models)})
}

func firstID(models []*registry.ModelInfo) string {
	if len(models) == 0 {
		return ""
	}
	return models[0].ID
}

func lastID(models []*registry.ModelInfo) string {
	if len(models) == 0 {
		return ""
	}
	return models[len(models)-1].ID
}
