package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/blime4/KiroProxy/internal/auth"
	"github.com/blime4/KiroProxy/internal/config"
	"github.com/blime4/KiroProxy/internal/eventstream"
	"github.com/blime4/KiroProxy/internal/kiro"
	"github.com/blime4/KiroProxy/internal/logging"
	"github.com/blime4/KiroProxy/internal/util"
)

const (
	nonStreamTimeout = 120 * time.Second
	streamTimeout    = 300 * time.Second

	// errorBodyLimit caps how much of an error response is read back.
	errorBodyLimit = 64 * 1024
)

// doneSentinel terminates every stream after the synthetic usage payload.
var doneSentinel = []byte("[DONE]")

// KiroExecutor sends conversationState bodies to the CodeWhisperer endpoint
// on behalf of one identity per call. It is safe for concurrent use; the
// active configuration is swapped wholesale on reload.
type KiroExecutor struct {
	cfg    *config.Config
	reqLog *logging.FileRequestLogger
}

// NewKiroExecutor builds an executor bound to the given configuration.
func NewKiroExecutor(cfg *config.Config) *KiroExecutor {
	return &KiroExecutor{
		cfg:    cfg,
		reqLog: logging.NewFileRequestLogger(cfg.RequestLog, filepath.Join(util.WritablePath(), "logs"), 0),
	}
}

// Identifier names the upstream this executor serves.
func (e *KiroExecutor) Identifier() string { return "kiro" }

// SetConfig swaps the active configuration on hot reload.
func (e *KiroExecutor) SetConfig(cfg *config.Config) {
	e.cfg = cfg
	e.reqLog.SetEnabled(cfg.RequestLog)
}

// upstreamExchange captures the outgoing leg of one upstream call for the
// request logger.
type upstreamExchange struct {
	url     string
	headers http.Header
	body    []byte
	started time.Time
}

// Execute performs a non-streaming exchange. The whole event stream is
// decoded and aggregated into a single reply payload carrying the assistant
// text, assembled tool calls, stop reason, and estimated usage.
func (e *KiroExecutor) Execute(ctx context.Context, identity *auth.Identity, req Request, opts Options) (Response, error) {
	cfg := e.cfg
	resp, exch, err := e.send(ctx, cfg, identity, req, nonStreamTimeout, opts)
	if err != nil {
		return Response{}, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Debug("kiro executor: close response body")
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &UpstreamError{Err: fmt.Errorf("read response: %w", err)}
	}

	var (
		decoder   eventstream.Decoder
		assembler eventstream.ToolAssembler
		content   bytes.Buffer
		toolUses  []*eventstream.ToolUse
	)
	for _, payload := range decoder.Feed(raw) {
		ev := eventstream.Classify(payload)
		switch ev.Kind {
		case eventstream.KindContent:
			content.WriteString(ev.Content)
		case eventstream.KindToolUse:
			if use := assembler.Add(ev); use != nil {
				toolUses = append(toolUses, use)
			}
		case eventstream.KindError:
			return Response{}, &UpstreamError{Status: resp.StatusCode, Body: ev.Message, InBand: true}
		}
	}
	if pending := assembler.PendingIDs(); len(pending) > 0 {
		log.Warnf("kiro executor: response ended with %d unterminated tool calls", len(pending))
	}

	inputTokens, outputTokens := estimateUsage(opts.Model, req.Payload, content.String(), toolUses)

	out := `{"content":"","toolUses":[],"stopReason":"","usage":{"input_tokens":0,"output_tokens":0}}`
	out, _ = sjson.Set(out, "content", content.String())
	for _, use := range toolUses {
		item := `{"id":"","name":"","input":{}}`
		item, _ = sjson.Set(item, "id", use.ID)
		item, _ = sjson.Set(item, "name", use.Name)
		if use.Input != "" && gjson.Valid(use.Input) {
			item, _ = sjson.SetRaw(item, "input", use.Input)
		}
		out, _ = sjson.SetRaw(out, "toolUses.-1", item)
	}
	stopReason := "end_turn"
	if len(toolUses) > 0 {
		stopReason = "tool_use"
	}
	out, _ = sjson.Set(out, "stopReason", stopReason)
	out, _ = sjson.Set(out, "usage.input_tokens", inputTokens)
	out, _ = sjson.Set(out, "usage.output_tokens", outputTokens)

	if e.reqLog.IsEnabled() {
		if errLog := e.reqLog.LogRequest(exch.url, http.MethodPost, exch.headers, exch.body, resp.StatusCode, resp.Header, []byte(out), nil, nil, opts.RequestID, exch.started, time.Now()); errLog != nil {
			log.WithError(errLog).Debug("kiro executor: exchange logging failed")
		}
	}
	return Response{Payload: []byte(out)}, nil
}

// ExecuteStream performs a streaming exchange. The HTTP exchange is opened
// synchronously so pre-stream failures surface as a plain error the caller
// can retry on another identity; once the channel is returned, failures
// arrive as an Err chunk. Every decoded frame payload is emitted as-is,
// followed by a synthetic usage payload and the [DONE] sentinel.
func (e *KiroExecutor) ExecuteStream(ctx context.Context, identity *auth.Identity, req Request, opts Options) (<-chan StreamChunk, error) {
	cfg := e.cfg
	resp, exch, err := e.send(ctx, cfg, identity, req, streamTimeout, opts)
	if err != nil {
		return nil, err
	}

	var streamLog logging.StreamingLogWriter
	if e.reqLog.IsEnabled() {
		if streamLog, err = e.reqLog.LogStreamingRequest(exch.url, http.MethodPost, exch.headers, exch.body, opts.RequestID); err != nil {
			log.WithError(err).Debug("kiro executor: stream exchange logging failed")
			streamLog = nil
		} else if errStatus := streamLog.WriteStatus(resp.StatusCode, resp.Header); errStatus != nil {
			log.WithError(errStatus).Debug("kiro executor: stream status logging failed")
		}
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer func() {
			if errClose := resp.Body.Close(); errClose != nil {
				log.WithError(errClose).Debug("kiro executor: close stream body")
			}
		}()
		defer func() {
			if streamLog != nil {
				if errClose := streamLog.Close(); errClose != nil {
					log.WithError(errClose).Debug("kiro executor: close stream log")
				}
			}
		}()

		var (
			decoder    eventstream.Decoder
			content    bytes.Buffer
			buf        = make([]byte, 4096)
			firstChunk = true
		)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				for _, payload := range decoder.Feed(buf[:n]) {
					if streamLog != nil {
						if firstChunk {
							firstChunk = false
							streamLog.SetFirstChunkTimestamp(time.Now())
						}
						line := make([]byte, 0, len(payload)+1)
						line = append(append(line, payload...), '\n')
						streamLog.WriteChunkAsync(line)
					}
					ev := eventstream.Classify(payload)
					switch ev.Kind {
					case eventstream.KindError:
						select {
						case out <- StreamChunk{Err: &UpstreamError{Status: resp.StatusCode, Body: ev.Message, InBand: true}}:
						case <-ctx.Done():
						}
						return
					case eventstream.KindContent:
						content.WriteString(ev.Content)
					case eventstream.KindToolUse:
						content.WriteString(ev.Input)
					}
					select {
					case out <- StreamChunk{Payload: payload}:
					case <-ctx.Done():
						return
					}
				}
			}
			if readErr != nil {
				if readErr != io.EOF {
					select {
					case out <- StreamChunk{Err: &UpstreamError{Err: readErr}}:
					case <-ctx.Done():
					}
					return
				}
				break
			}
		}

		inputTokens, outputTokens := estimateUsage(opts.Model, req.Payload, content.String(), nil)
		usage := fmt.Sprintf(`{"kiroUsage":{"inputTokens":%d,"outputTokens":%d}}`, inputTokens, outputTokens)
		for _, payload := range [][]byte{[]byte(usage), doneSentinel} {
			select {
			case out <- StreamChunk{Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// send injects the profile ARN, signs the request for the identity, and
// performs the HTTP exchange. Non-2xx responses are drained, captured by the
// request logger, and returned as an UpstreamError.
func (e *KiroExecutor) send(ctx context.Context, cfg *config.Config, identity *auth.Identity, req Request, timeout time.Duration, opts Options) (*http.Response, *upstreamExchange, error) {
	if identity == nil || identity.Credentials == nil {
		return nil, nil, &UpstreamError{Err: fmt.Errorf("identity has no credentials")}
	}

	body := req.Payload
	arn := identity.Credentials.ProfileARN
	if arn == "" {
		arn = cfg.Kiro.ProfileARN
	}
	if arn != "" {
		body, _ = sjson.SetBytes(body, "profileArn", arn)
	}
	if origin := cfg.Kiro.Origin; origin != "" && origin != kiro.DefaultOrigin {
		body = kiro.OverrideOrigin(body, origin)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Kiro.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, &UpstreamError{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header = kiro.BuildHeaders(identity.Credentials.AccessToken, cfg.Kiro.Version, kiro.MachineID(identity.ID), cfg.Kiro.AgentMode)

	log.WithFields(log.Fields{
		"request_id": opts.RequestID,
		"identity":   identity.ID,
		"stream":     opts.Stream,
		"bytes":      len(body),
	}).Debug("kiro executor: dispatching upstream request")

	exch := &upstreamExchange{url: cfg.Kiro.BaseURL, headers: httpReq.Header, body: body, started: time.Now()}
	client := util.NewHTTPClient(cfg, timeout)
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, nil, &UpstreamError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Debug("kiro executor: close error body")
		}
		if errLog := e.reqLog.LogRequest(exch.url, http.MethodPost, exch.headers, exch.body, resp.StatusCode, resp.Header, errBody, nil, nil, opts.RequestID, exch.started, time.Now()); errLog != nil {
			log.WithError(errLog).Debug("kiro executor: error exchange logging failed")
		}
		return nil, nil, &UpstreamError{Status: resp.StatusCode, Body: string(errBody)}
	}
	return resp, exch, nil
}
