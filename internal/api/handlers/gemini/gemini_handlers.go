// Package gemini exposes the Gemini generateContent surface and the Gemini
// model listing.
package gemini

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/blime4/KiroProxy/internal/api/handlers"
	"github.com/blime4/KiroProxy/internal/engine"
	"github.com/blime4/KiroProxy/internal/executor"
	"github.com/blime4/KiroProxy/internal/registry"
	"github.com/blime4/KiroProxy/internal/translator"
)

// GeminiAPIHandler serves the /v1beta Gemini endpoints.
type GeminiAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewGeminiAPIHandler builds the Gemini surface on the shared core.
func NewGeminiAPIHandler(base *handlers.BaseAPIHandler) *GeminiAPIHandler {
	return &GeminiAPIHandler{BaseAPIHandler: base}
}

// Generate handles POST /v1beta/models/{model}:{action}, dispatching on the
// action suffix. Gin cannot route on the colon, so the combined segment is
// split here.
func (h *GeminiAPIHandler) Generate(c *gin.Context) {
	segment := strings.TrimPrefix(c.Param("modelAction"), "/")
	model, action, found := strings.Cut(segment, ":")
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": 404, "message": "unknown endpoint", "status": "NOT_FOUND"}})
		return
	}

	switch action {
	case "generateContent":
		h.generate(c, model, false)
	case "streamGenerateContent":
		h.generate(c, model, true)
	case "countTokens":
		h.countTokens(c, model)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": 404, "message": "unsupported action " + action, "status": "NOT_FOUND"}})
	}
}

func (h *GeminiAPIHandler) generate(c *gin.Context, model string, stream bool) {
	body, ok := h.ReadBody(c)
	if !ok {
		return
	}

	req := engine.Request{
		Dialect:   translator.Gemini,
		Model:     model,
		RawJSON:   body,
		Stream:    stream,
		RequestID: h.RequestID(c),
	}

	if !stream {
		out, errMsg := h.Engine.Execute(c.Request.Context(), req)
		if errMsg != nil {
			handlers.WriteGeminiError(c, errMsg)
			return
		}
		c.Data(http.StatusOK, "application/json", []byte(out))
		return
	}

	events, errMsg := h.Engine.ExecuteStream(c.Request.Context(), req)
	if errMsg != nil {
		handlers.WriteGeminiError(c, errMsg)
		return
	}
	handlers.SetSSEHeaders(c)
	h.ForwardStream(c, events, handlers.StreamForwardOptions{
		WriteChunk: func(chunk string) {
			handlers.WriteSSEData(c, chunk)
		},
		WriteTerminalError: func(errMsg *engine.RequestError) {
			handlers.WriteGeminiStreamError(c, errMsg)
		},
	})
}

func (h *GeminiAPIHandler) countTokens(c *gin.Context, model string) {
	body, ok := h.ReadBody(c)
	if !ok {
		return
	}
	translated := translator.TranslateRequest(translator.Gemini, translator.Kiro, model, body, false)
	c.JSON(http.StatusOK, gin.H{"totalTokens": executor.CountTokens(translated)})
}

// Models handles GET /v1beta/models in the Gemini listing shape.
func (h *GeminiAPIHandler) Models(c *gin.Context) {
	models := registry.GetKiroModels()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		if m == nil {
			continue
		}
		data = append(data, gin.H{
			"name":                       "models/" + m.ID,
			"version":                    m.Version,
			"displayName":                m.DisplayName,
			"description":                m.Description,
			"inputTokenLimit":            m.InputTokenLimit,
			"outputTokenLimit":           m.OutputTokenLimit,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent", "countTokens"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": data})
}
