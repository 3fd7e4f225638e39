// Package engine orchestrates one proxied exchange end to end: request
// translation, history budgeting, identity selection, credential freshness,
// pacing, the upstream call, and the retry/failover policy driven by error
// classification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/blime4/KiroProxy/internal/auth"
	"github.com/blime4/KiroProxy/internal/config"
	"github.com/blime4/KiroProxy/internal/eventstream"
	"github.com/blime4/KiroProxy/internal/executor"
	"github.com/blime4/KiroProxy/internal/history"
	"github.com/blime4/KiroProxy/internal/kiro"
	"github.com/blime4/KiroProxy/internal/monitor"
	"github.com/blime4/KiroProxy/internal/scheduler"
	"github.com/blime4/KiroProxy/internal/translator"
)

// maxAttempts caps the total upstream attempts per request regardless of
// configuration.
const maxAttempts = 3

// maxHalvings caps how many times the history budget shrinks on length
// errors before the request fails.
const maxHalvings = 2

// transientBackoff is the base delay before a same-identity retry; it
// doubles with each attempt.
const transientBackoff = 500 * time.Millisecond

// UpstreamExecutor is the executor surface the engine drives. Satisfied by
// executor.KiroExecutor and by stubs in tests.
type UpstreamExecutor interface {
	Execute(ctx context.Context, identity *auth.Identity, req executor.Request, opts executor.Options) (executor.Response, error)
	ExecuteStream(ctx context.Context, identity *auth.Identity, req executor.Request, opts executor.Options) (<-chan executor.StreamChunk, error)
}

// Request is one client exchange to orchestrate.
type Request struct {
	// Dialect is the client schema the request arrived in.
	Dialect translator.Format
	// Model is the client-facing model id.
	Model string
	// RawJSON is the original client body.
	RawJSON []byte
	// Stream selects the streaming exchange.
	Stream bool
	// RequestID tags logs and the flow record.
	RequestID string
}

// RequestError is a classified failure ready for dialect-specific rendering.
type RequestError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// StreamEvent is one element of an orchestrated stream. Chunk carries a
// translated payload; a non-nil Err terminates the stream.
type StreamEvent struct {
	Chunk string
	Err   *RequestError
}

// Engine wires the scheduling, credential, and executor layers together.
type Engine struct {
	cfg       *config.Config
	auths     *auth.Manager
	sched     *scheduler.Scheduler
	cooldowns *scheduler.Cooldowns
	limiter   *scheduler.RateLimiter
	exec      UpstreamExecutor
	monitor   *monitor.Monitor

	classifier *kiro.Classifier

	// sleep is swappable in tests.
	sleep func(context.Context, time.Duration)
}

// New assembles an engine from its collaborators.
func New(cfg *config.Config, auths *auth.Manager, sched *scheduler.Scheduler, cooldowns *scheduler.Cooldowns, limiter *scheduler.RateLimiter, exec UpstreamExecutor, mon *monitor.Monitor) *Engine {
	return &Engine{
		cfg:        cfg,
		auths:      auths,
		sched:      sched,
		cooldowns:  cooldowns,
		limiter:    limiter,
		exec:       exec,
		monitor:    mon,
		classifier: kiro.NewClassifier(cfg.LengthErrorMarkers, cfg.QuotaMarkers),
		sleep:      sleepCtx,
	}
}

// SetConfig swaps the active configuration on hot reload. Marker lists are
// re-merged so classifier changes take effect immediately.
func (e *Engine) SetConfig(cfg *config.Config) {
	e.cfg = cfg
	e.classifier = kiro.NewClassifier(cfg.LengthErrorMarkers, cfg.QuotaMarkers)
}

// Execute runs a non-streaming exchange and returns the translated response
// body for the request's dialect.
func (e *Engine) Execute(ctx context.Context, req Request) (string, *RequestError) {
	flowID := e.monitor.Begin(string(req.Dialect), req.Model, false, preview(req.RawJSON))

	body, budget, fingerprint := e.prepare(req)
	opts := executor.Options{Model: req.Model, Stream: false, RequestID: req.RequestID}

	var lastErr *RequestError
	exclude := ""
	refreshed := false
	halvings := 0

	for attempt := 0; attempt < e.attempts(); attempt++ {
		identity := e.pickIdentity(ctx, flowID, exclude, fingerprint)
		if identity == nil {
			lastErr = noIdentityError()
			break
		}

		resp, err := e.exec.Execute(ctx, identity, executor.Request{Payload: body}, opts)
		if err == nil {
			e.limiter.Record(identity.ID)
			e.auths.MarkUsed(identity.ID)
			var param any
			out := translator.TranslateNonStream(ctx, translator.Kiro, req.Dialect, req.Model, req.RawJSON, body, resp.Payload, &param)
			e.monitor.AppendResponse(flowID, gjson.GetBytes(resp.Payload, "content").String())
			e.monitor.Complete(flowID,
				gjson.GetBytes(resp.Payload, "usage.input_tokens").Int(),
				gjson.GetBytes(resp.Payload, "usage.output_tokens").Int())
			return out, nil
		}
		if ctx.Err() != nil {
			// Client went away; no counters, no cooldowns.
			e.monitor.Fail(flowID, "request cancelled")
			return "", &RequestError{StatusCode: 499, Type: "request_cancelled", Message: "request cancelled"}
		}

		verdict := e.classify(err)
		lastErr = externalError(verdict)
		e.auths.RecordFailure(identity.ID, verdict.UserMessage)
		log.WithFields(log.Fields{
			"request_id": req.RequestID,
			"identity":   identity.ID,
			"kind":       verdict.Kind,
			"attempt":    attempt + 1,
		}).Warn("upstream attempt failed")

		action := e.react(ctx, identity, verdict, attempt, &exclude, &refreshed, &halvings, &body, &budget)
		if action == actionGiveUp {
			break
		}
	}

	if lastErr == nil {
		lastErr = noIdentityError()
	}
	e.monitor.Fail(flowID, lastErr.Message)
	return "", lastErr
}

// ExecuteStream runs a streaming exchange. Failover applies until the
// upstream stream opens; after the first byte the identity is committed and
// failures surface in-band as a terminal StreamEvent.
func (e *Engine) ExecuteStream(ctx context.Context, req Request) (<-chan StreamEvent, *RequestError) {
	flowID := e.monitor.Begin(string(req.Dialect), req.Model, true, preview(req.RawJSON))

	body, budget, fingerprint := e.prepare(req)
	opts := executor.Options{Model: req.Model, Stream: true, RequestID: req.RequestID}

	var lastErr *RequestError
	exclude := ""
	refreshed := false
	halvings := 0

	for attempt := 0; attempt < e.attempts(); attempt++ {
		identity := e.pickIdentity(ctx, flowID, exclude, fingerprint)
		if identity == nil {
			lastErr = noIdentityError()
			break
		}

		upstream, err := e.exec.ExecuteStream(ctx, identity, executor.Request{Payload: body}, opts)
		if err == nil {
			events := make(chan StreamEvent, 16)
			go e.forward(ctx, flowID, req, body, identity, upstream, events)
			return events, nil
		}
		if ctx.Err() != nil {
			e.monitor.Fail(flowID, "request cancelled")
			return nil, &RequestError{StatusCode: 499, Type: "request_cancelled", Message: "request cancelled"}
		}

		verdict := e.classify(err)
		lastErr = externalError(verdict)
		e.auths.RecordFailure(identity.ID, verdict.UserMessage)
		log.WithFields(log.Fields{
			"request_id": req.RequestID,
			"identity":   identity.ID,
			"kind":       verdict.Kind,
			"attempt":    attempt + 1,
		}).Warn("upstream stream attempt failed")

		action := e.react(ctx, identity, verdict, attempt, &exclude, &refreshed, &halvings, &body, &budget)
		if action == actionGiveUp {
			break
		}
	}

	if lastErr == nil {
		lastErr = noIdentityError()
	}
	e.monitor.Fail(flowID, lastErr.Message)
	return nil, lastErr
}

// forward relays upstream chunks through the response translator until the
// stream ends.
func (e *Engine) forward(ctx context.Context, flowID string, req Request, translatedBody []byte, identity *auth.Identity, upstream <-chan executor.StreamChunk, events chan<- StreamEvent) {
	defer close(events)

	var param any
	var inputTokens, outputTokens int64
	failed := false

	for chunk := range upstream {
		if chunk.Err != nil {
			failed = true
			verdict := e.classify(chunk.Err)
			// The identity carried a real exchange up to the failure point,
			// so usage counters move as for a completed request.
			e.limiter.Record(identity.ID)
			e.auths.MarkUsed(identity.ID)
			e.auths.RecordFailure(identity.ID, verdict.UserMessage)
			e.monitor.Fail(flowID, verdict.UserMessage)
			select {
			case events <- StreamEvent{Err: externalError(verdict)}:
			case <-ctx.Done():
			}
			return
		}

		e.monitor.MarkStreaming(flowID)
		ev := eventstream.Classify(chunk.Payload)
		switch ev.Kind {
		case eventstream.KindContent:
			e.monitor.AppendResponse(flowID, ev.Content)
		case eventstream.KindToolUse:
			if ev.Stop {
				e.monitor.AddToolCall(flowID)
			}
		}
		if usage := gjson.GetBytes(chunk.Payload, "kiroUsage"); usage.Exists() {
			inputTokens = usage.Get("inputTokens").Int()
			outputTokens = usage.Get("outputTokens").Int()
		}

		for _, out := range translator.TranslateStream(ctx, translator.Kiro, req.Dialect, req.Model, req.RawJSON, translatedBody, chunk.Payload, &param) {
			select {
			case events <- StreamEvent{Chunk: out}:
			case <-ctx.Done():
				e.monitor.Fail(flowID, "request cancelled")
				return
			}
		}
	}

	if failed {
		return
	}
	if ctx.Err() != nil {
		e.monitor.Fail(flowID, "request cancelled")
		return
	}
	e.limiter.Record(identity.ID)
	e.auths.MarkUsed(identity.ID)
	e.monitor.Complete(flowID, inputTokens, outputTokens)
}

// prepare translates the client body to the upstream schema and applies the
// configured history budget. The conversation id doubles as the scheduling
// affinity fingerprint.
func (e *Engine) prepare(req Request) ([]byte, history.Budget, string) {
	cfg := e.cfg
	body := translator.TranslateRequest(req.Dialect, translator.Kiro, req.Model, req.RawJSON, req.Stream)
	budget := history.Budget{MaxChars: cfg.History.MaxChars, MaxTurns: cfg.History.MaxTurns}
	body, truncated := history.Truncate(body, budget)
	if truncated {
		log.WithField("request_id", req.RequestID).Debug("history truncated to configured budget")
	}
	fingerprint := gjson.GetBytes(body, "conversationState.conversationId").String()
	return body, budget, fingerprint
}

// pickIdentity selects and freshens the identity for the next attempt. Local
// rate pacing waits out the window on the chosen identity rather than
// switching, so session affinity survives a paced identity.
func (e *Engine) pickIdentity(ctx context.Context, flowID, exclude, fingerprint string) *auth.Identity {
	var identity *auth.Identity
	if exclude == "" {
		identity = e.sched.Pick(fingerprint)
	} else {
		identity = e.sched.PickOther(exclude, fingerprint)
	}
	if identity == nil {
		return nil
	}

	for pacing := 0; pacing < 2; pacing++ {
		ok, wait, reason := e.limiter.CanRequest(identity.ID)
		if ok || ctx.Err() != nil {
			break
		}
		log.Debugf("identity %s paced (%s), waiting %s", identity.ID, reason, wait)
		e.sleep(ctx, wait)
	}

	if fresh, err := e.auths.EnsureFresh(ctx, identity.ID, auth.RefreshLead); err == nil && fresh != nil {
		identity = fresh
	} else if err != nil {
		log.WithError(err).Warnf("identity %s: pre-flight refresh failed", identity.ID)
	}

	e.monitor.SetIdentity(flowID, identity.ID)
	return identity
}

type reaction int

const (
	actionRetry reaction = iota
	actionGiveUp
)

// react applies the policy verdict to engine state and decides whether the
// attempt loop continues.
func (e *Engine) react(ctx context.Context, identity *auth.Identity, verdict kiro.Classification, attempt int, exclude *string, refreshed *bool, halvings *int, body *[]byte, budget *history.Budget) reaction {
	switch {
	case verdict.LengthError:
		if *halvings >= maxHalvings {
			return actionGiveUp
		}
		*halvings++
		*budget = budget.Halve()
		shrunk, changed := history.Truncate(*body, *budget)
		if !changed {
			// Nothing left to drop; shrinking further cannot help.
			return actionGiveUp
		}
		*body = shrunk
		return actionRetry

	case verdict.Refresh:
		if *refreshed {
			// The freshened token was rejected too; move to another identity.
			*exclude = identity.ID
			return actionRetry
		}
		*refreshed = true
		if _, err := e.auths.Refresh(ctx, identity.ID); err != nil {
			log.WithError(err).Warnf("identity %s: refresh after auth error failed", identity.ID)
			e.auths.SetStatus(identity.ID, auth.StatusUnhealthy, "token refresh failed")
			*exclude = identity.ID
		}
		return actionRetry

	case verdict.Kind == kiro.KindRateLimit:
		e.cooldowns.Mark(identity.ID, verdict.UserMessage, e.cooldown())
		*exclude = identity.ID
		// A short jittered pause avoids hammering the next identity with the
		// burst that exhausted the previous one.
		e.sleep(ctx, time.Duration(200+rand.Intn(200))*time.Millisecond)
		return actionRetry

	case verdict.Disable:
		e.auths.Suspend(ctx, identity.ID, verdict.UserMessage)
		*exclude = identity.ID
		return actionRetry

	case verdict.RetrySame:
		e.sleep(ctx, transientBackoff<<uint(attempt))
		return actionRetry

	case verdict.Switch:
		*exclude = identity.ID
		return actionRetry
	}
	return actionGiveUp
}

// classify unpacks an executor error into a policy verdict.
func (e *Engine) classify(err error) kiro.Classification {
	var upstream *executor.UpstreamError
	if errors.As(err, &upstream) {
		return e.classifier.Classify(upstream.Status, upstream.Body, upstream.Err)
	}
	return e.classifier.Classify(0, "", err)
}

func (e *Engine) attempts() int {
	n := e.cfg.RequestRetry + 1
	if n < 1 {
		n = 1
	}
	if n > maxAttempts {
		n = maxAttempts
	}
	return n
}

func (e *Engine) cooldown() time.Duration {
	minutes := e.cfg.QuotaCooldownMinutes
	if minutes <= 0 {
		minutes = 15
	}
	return time.Duration(minutes) * time.Minute
}

// externalError renders a verdict into the client-facing error shape.
func externalError(verdict kiro.Classification) *RequestError {
	return &RequestError{
		StatusCode: statusFor(verdict.Kind),
		Type:       verdict.Kind.ExternalType(),
		Message:    verdict.UserMessage,
	}
}

func statusFor(kind kiro.Kind) int {
	switch kind {
	case kiro.KindRateLimit:
		return http.StatusTooManyRequests
	case kiro.KindAuthExpired:
		return http.StatusUnauthorized
	case kiro.KindAuthInvalid:
		return http.StatusForbidden
	case kiro.KindContentTooLong, kiro.KindBadRequest:
		return http.StatusBadRequest
	case kiro.KindTransient:
		return http.StatusServiceUnavailable
	case kiro.KindServerError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func noIdentityError() *RequestError {
	return &RequestError{
		StatusCode: http.StatusServiceUnavailable,
		Type:       "overloaded_error",
		Message:    "no usable accounts available",
	}
}

// preview clips a request body for the flow record.
func preview(raw []byte) string {
	const n = 200
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n])
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
