// Package handlers hosts the shared plumbing for the dialect endpoint
// handlers: the base handler type, the stream forwarding loop, and the
// dialect-specific error shapes.
package handlers

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/blime4/KiroProxy/internal/config"
	"github.com/blime4/KiroProxy/internal/engine"
	"github.com/blime4/KiroProxy/internal/logging"
)

// BaseAPIHandler carries the dependencies every dialect handler needs.
type BaseAPIHandler struct {
	Cfg    *config.Config
	Engine *engine.Engine
}

// NewBaseAPIHandler builds the shared handler core.
func NewBaseAPIHandler(cfg *config.Config, eng *engine.Engine) *BaseAPIHandler {
	return &BaseAPIHandler{Cfg: cfg, Engine: eng}
}

// SetConfig swaps the active configuration on hot reload.
func (h *BaseAPIHandler) SetConfig(cfg *config.Config) { h.Cfg = cfg }

// ReadBody drains the request body, responding with a dialect-agnostic 400
// on failure.
func (h *BaseAPIHandler) ReadBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "failed to read request body", "type": "invalid_request"}})
		return nil, false
	}
	return body, true
}

// RequestID returns the id stamped on the gin context by the logging
// middleware, minting one if the middleware did not run.
func (h *BaseAPIHandler) RequestID(c *gin.Context) string {
	if id := logging.GetGinRequestID(c); id != "" {
		return id
	}
	return logging.GenerateRequestID()
}

// SetSSEHeaders prepares the response for server-sent events.
func SetSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// StreamForwardOptions customizes how translated chunks and terminal
// conditions are written for one dialect.
type StreamForwardOptions struct {
	// WriteChunk writes one translated chunk. It should not flush.
	WriteChunk func(chunk string)
	// WriteTerminalError writes an in-band error after headers are committed.
	WriteTerminalError func(errMsg *engine.RequestError)
	// WriteDone writes the dialect's terminal marker, when it has one.
	WriteDone func()
}

// ForwardStream relays engine stream events to the client, emitting SSE
// comment heartbeats while the upstream is quiet. It returns when the stream
// ends, errors, or the client disconnects.
func (h *BaseAPIHandler) ForwardStream(c *gin.Context, events <-chan engine.StreamEvent, opts StreamForwardOptions) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		log.Error("response writer does not support flushing, aborting stream")
		return
	}

	keepAliveInterval := time.Duration(h.Cfg.Streaming.KeepAliveSeconds) * time.Second
	var keepAliveC <-chan time.Time
	if keepAliveInterval > 0 {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		keepAliveC = ticker.C
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				if opts.WriteDone != nil {
					opts.WriteDone()
				}
				flusher.Flush()
				return
			}
			if ev.Err != nil {
				if opts.WriteTerminalError != nil {
					opts.WriteTerminalError(ev.Err)
				}
				flusher.Flush()
				return
			}
			if opts.WriteChunk != nil {
				opts.WriteChunk(ev.Chunk)
			}
			flusher.Flush()
		case <-keepAliveC:
			_, _ = c.Writer.WriteString(": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// WriteSSEData writes one bare JSON chunk in data: framing.
func WriteSSEData(c *gin.Context, chunk string) {
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", chunk)
}
