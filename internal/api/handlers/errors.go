package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/blime4/KiroProxy/internal/engine"
)

// Each dialect renders engine failures in its own envelope. The streaming
// variants return the SSE-framed form written after headers are committed.

// ClaudeErrorBody renders the Anthropic error envelope.
func ClaudeErrorBody(errMsg *engine.RequestError) gin.H {
	return gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errMsg.Type,
			"message": errMsg.Message,
		},
	}
}

// WriteClaudeError responds with an Anthropic error body.
func WriteClaudeError(c *gin.Context, errMsg *engine.RequestError) {
	c.JSON(errMsg.StatusCode, ClaudeErrorBody(errMsg))
}

// WriteClaudeStreamError writes a named error event mid-stream.
func WriteClaudeStreamError(c *gin.Context, errMsg *engine.RequestError) {
	_, _ = fmt.Fprintf(c.Writer, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":%q,\"message\":%q}}\n\n", errMsg.Type, errMsg.Message)
}

// OpenAIErrorBody renders the OpenAI error envelope, shared by the Chat
// Completions and Responses surfaces.
func OpenAIErrorBody(errMsg *engine.RequestError) gin.H {
	return gin.H{
		"error": gin.H{
			"message": errMsg.Message,
			"type":    errMsg.Type,
			"code":    errMsg.StatusCode,
		},
	}
}

// WriteOpenAIError responds with an OpenAI error body.
func WriteOpenAIError(c *gin.Context, errMsg *engine.RequestError) {
	c.JSON(errMsg.StatusCode, OpenAIErrorBody(errMsg))
}

// WriteOpenAIStreamError writes an error chunk in data: framing mid-stream.
func WriteOpenAIStreamError(c *gin.Context, errMsg *engine.RequestError) {
	_, _ = fmt.Fprintf(c.Writer, "data: {\"error\":{\"message\":%q,\"type\":%q,\"code\":%d}}\n\n", errMsg.Message, errMsg.Type, errMsg.StatusCode)
}

// GeminiErrorBody renders the Gemini error envelope.
func GeminiErrorBody(errMsg *engine.RequestError) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    errMsg.StatusCode,
			"message": errMsg.Message,
			"status":  geminiStatus(errMsg.StatusCode),
		},
	}
}

// WriteGeminiError responds with a Gemini error body.
func WriteGeminiError(c *gin.Context, errMsg *engine.RequestError) {
	c.JSON(errMsg.StatusCode, GeminiErrorBody(errMsg))
}

// WriteGeminiStreamError writes an error chunk in data: framing mid-stream.
func WriteGeminiStreamError(c *gin.Context, errMsg *engine.RequestError) {
	_, _ = fmt.Fprintf(c.Writer, "data: {\"error\":{\"code\":%d,\"message\":%q,\"status\":%q}}\n\n", errMsg.StatusCode, errMsg.Message, geminiStatus(errMsg.StatusCode))
}

func geminiStatus(code int) string {
	switch code {
	case 400:
		return "INVALID_ARGUMENT"
	case 401:
		return "UNAUTHENTICATED"
	case 403:
		return "PERMISSION_DENIED"
	case 404:
		return "NOT_FOUND"
	case 429:
		return "RESOURCE_EXHAUSTED"
	case 499:
		return "CANCELLED"
	case 503:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
