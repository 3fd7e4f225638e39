// Package openai exposes the OpenAI-compatible surfaces: Chat Completions,
// the Responses API, and the OpenAI model listing.
package openai

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/blime4/KiroProxy/internal/api/handlers"
	"github.com/blime4/KiroProxy/internal/engine"
	"github.com/blime4/KiroProxy/internal/registry"
	"github.com/blime4/KiroProxy/internal/translator"
)

// OpenAIAPIHandler serves the Chat Completions and Responses endpoints.
type OpenAIAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewOpenAIAPIHandler builds the OpenAI surface on the shared core.
func NewOpenAIAPIHandler(base *handlers.BaseAPIHandler) *OpenAIAPIHandler {
	return &OpenAIAPIHandler{BaseAPIHandler: base}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIAPIHandler) ChatCompletions(c *gin.Context) {
	h.serve(c, translator.OpenAI)
}

// Responses handles POST /v1/responses.
func (h *OpenAIAPIHandler) Responses(c *gin.Context) {
	h.serve(c, translator.OpenAIResponse)
}

// serve runs one OpenAI-family exchange; both surfaces share data: framing
// and the [DONE] sentinel.
func (h *OpenAIAPIHandler) serve(c *gin.Context, dialect translator.Format) {
	body, ok := h.ReadBody(c)
	if !ok {
		return
	}

	req := engine.Request{
		Dialect:   dialect,
		Model:     gjson.GetBytes(body, "model").String(),
		RawJSON:   body,
		Stream:    gjson.GetBytes(body, "stream").Bool(),
		RequestID: h.RequestID(c),
	}

	if !req.Stream {
		out, errMsg := h.Engine.Execute(c.Request.Context(), req)
		if errMsg != nil {
			handlers.WriteOpenAIError(c, errMsg)
			return
		}
		c.Data(http.StatusOK, "application/json", []byte(out))
		return
	}

	events, errMsg := h.Engine.ExecuteStream(c.Request.Context(), req)
	if errMsg != nil {
		handlers.WriteOpenAIError(c, errMsg)
		return
	}
	handlers.SetSSEHeaders(c)
	h.ForwardStream(c, events, handlers.StreamForwardOptions{
		WriteChunk: func(chunk string) {
			handlers.WriteSSEData(c, chunk)
		},
		WriteTerminalError: func(errMsg *engine.RequestError) {
			handlers.WriteOpenAIStreamError(c, errMsg)
		},
		WriteDone: func() {
			_, _ = c.Writer.WriteString("data: [DONE]\n\n")
		},
	})
}

// Models handles GET /v1/models in the OpenAI listing shape.
func (h *OpenAIAPIHandler) Models(c *gin.Context) {
	models := registry.GetKiroModels()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		if m == nil {
			continue
		}
		data = append(data, gin.H{
			"id":       m.ID,
			"object":   m.Object,
			"created":  m.Created,
			"owned_by": m.OwnedBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
