package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blime4/KiroProxy/internal/auth"
	"github.com/blime4/KiroProxy/internal/config"
	"github.com/blime4/KiroProxy/internal/executor"
	"github.com/blime4/KiroProxy/internal/monitor"
	"github.com/blime4/KiroProxy/internal/scheduler"
	"github.com/blime4/KiroProxy/internal/translator"
)

// scriptedExecutor plays back a list of outcomes, one per upstream attempt,
// and records which identity carried each attempt.
type scriptedExecutor struct {
	mu       sync.Mutex
	outcomes []error // nil means success
	response executor.Response
	chunks   []executor.StreamChunk

	identities []string
	payloads   [][]byte
}

func (s *scriptedExecutor) next(identity *auth.Identity, req executor.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities = append(s.identities, identity.ID)
	s.payloads = append(s.payloads, req.Payload)
	if len(s.outcomes) == 0 {
		return nil
	}
	err := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return err
}

func (s *scriptedExecutor) Execute(_ context.Context, identity *auth.Identity, req executor.Request, _ executor.Options) (executor.Response, error) {
	if err := s.next(identity, req); err != nil {
		return executor.Response{}, err
	}
	return s.response, nil
}

func (s *scriptedExecutor) ExecuteStream(_ context.Context, identity *auth.Identity, req executor.Request, _ executor.Options) (<-chan executor.StreamChunk, error) {
	if err := s.next(identity, req); err != nil {
		return nil, err
	}
	out := make(chan executor.StreamChunk, len(s.chunks))
	for _, chunk := range s.chunks {
		out <- chunk
	}
	close(out)
	return out, nil
}

func (s *scriptedExecutor) attempts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.identities...)
}

type harness struct {
	cfg       *config.Config
	auths     *auth.Manager
	cooldowns *scheduler.Cooldowns
	exec      *scriptedExecutor
	engine    *Engine
	monitor   *monitor.Monitor
	sleeps    []time.Duration
}

func newHarness(t *testing.T, exec *scriptedExecutor, accounts ...string) *harness {
	t.Helper()
	cfg := &config.Config{
		RequestRetry:         2,
		QuotaCooldownMinutes: 15,
	}
	cfg.History.MaxChars = 200_000
	cfg.History.MaxTurns = 100

	auths := auth.NewManager(auth.NewFileStore(t.TempDir()), auth.NewRefresher(cfg))
	for _, name := range accounts {
		if _, err := auths.Add(context.Background(), name+".json", &auth.Credentials{AccessToken: "tok-" + name}); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	cooldowns := scheduler.NewCooldowns()
	mon := monitor.NewMonitor(monitor.DefaultCapacity)
	eng := New(cfg, auths, scheduler.NewScheduler(auths, cooldowns), cooldowns, scheduler.NewRateLimiter(0), exec, mon)

	h := &harness{cfg: cfg, auths: auths, cooldowns: cooldowns, exec: exec, engine: eng, monitor: mon}
	eng.sleep = func(_ context.Context, d time.Duration) { h.sleeps = append(h.sleeps, d) }
	return h
}

// requestBody is already upstream-shaped; with no translator registered for
// the upstream format it passes through prepare unchanged.
func requestBody(conversationID string) []byte {
	return []byte(fmt.Sprintf(
		`{"conversationState":{"conversationId":%q,"currentMessage":{"userInputMessage":{"content":"hi"}},"history":[]}}`,
		conversationID,
	))
}

func testRequest(stream bool) Request {
	return Request{
		Dialect:   translator.Kiro,
		Model:     "claude-sonnet-4",
		RawJSON:   requestBody("conv-1"),
		Stream:    stream,
		RequestID: "req-1",
	}
}

const aggregate = `{"content":"hello","toolUses":[],"stopReason":"end_turn","usage":{"input_tokens":3,"output_tokens":5}}`

func TestExecute_Success(t *testing.T) {
	exec := &scriptedExecutor{response: executor.Response{Payload: []byte(aggregate)}}
	h := newHarness(t, exec, "a")

	out, reqErr := h.engine.Execute(context.Background(), testRequest(false))
	if reqErr != nil {
		t.Fatalf("unexpected error: %v", reqErr)
	}
	if out != aggregate {
		t.Errorf("response = %s", out)
	}
	if got := h.auths.Get("a.json").RequestCount; got != 1 {
		t.Errorf("request count = %d, want 1", got)
	}

	flows := h.monitor.Flows(monitor.Query{})
	if len(flows) != 1 {
		t.Fatalf("flows = %d, want 1", len(flows))
	}
	flow := flows[0]
	if flow.State != monitor.StateCompleted {
		t.Errorf("flow state = %s", flow.State)
	}
	if flow.InputTokens != 3 || flow.OutputTokens != 5 {
		t.Errorf("flow tokens = %d/%d, want 3/5", flow.InputTokens, flow.OutputTokens)
	}
}

func TestExecute_RateLimitSwitchesIdentity(t *testing.T) {
	exec := &scriptedExecutor{
		outcomes: []error{&executor.UpstreamError{Status: 429, Body: "throttled"}},
		response: executor.Response{Payload: []byte(aggregate)},
	}
	h := newHarness(t, exec, "a", "b")

	_, reqErr := h.engine.Execute(context.Background(), testRequest(false))
	if reqErr != nil {
		t.Fatalf("unexpected error: %v", reqErr)
	}

	attempts := exec.attempts()
	if len(attempts) != 2 {
		t.Fatalf("attempts = %v, want 2", attempts)
	}
	if attempts[0] == attempts[1] {
		t.Errorf("both attempts on %s, want a switch", attempts[0])
	}

	left := h.cooldowns.Remaining(attempts[0])
	if left <= 14*time.Minute || left > 15*time.Minute {
		t.Errorf("cooldown remaining = %s, want about 15m", left)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] < 200*time.Millisecond || h.sleeps[0] >= 400*time.Millisecond {
		t.Errorf("jitter sleeps = %v, want one in [200ms, 400ms)", h.sleeps)
	}
}

func TestExecute_PacedIdentityWaitsInsteadOfSwitching(t *testing.T) {
	exec := &scriptedExecutor{response: executor.Response{Payload: []byte(aggregate)}}
	h := newHarness(t, exec, "a", "b")

	// One dispatch per minute, window already spent on the ranked identity.
	limiter := scheduler.NewRateLimiter(1)
	limiter.Record("a.json")
	h.engine = New(h.cfg, h.auths, scheduler.NewScheduler(h.auths, h.cooldowns), h.cooldowns, limiter, exec, h.monitor)
	h.engine.sleep = func(_ context.Context, d time.Duration) { h.sleeps = append(h.sleeps, d) }

	_, reqErr := h.engine.Execute(context.Background(), testRequest(false))
	if reqErr != nil {
		t.Fatalf("unexpected error: %v", reqErr)
	}

	attempts := exec.attempts()
	if len(attempts) != 1 || attempts[0] != "a.json" {
		t.Fatalf("attempts = %v, local pacing must not switch identities", attempts)
	}
	if len(h.sleeps) == 0 {
		t.Fatal("pacing must wait out the window")
	}
	if h.sleeps[0] <= 50*time.Second || h.sleeps[0] > time.Minute {
		t.Errorf("pacing wait = %s, want close to the window remainder", h.sleeps[0])
	}
}

func TestExecute_TransientBackoffDoubles(t *testing.T) {
	exec := &scriptedExecutor{
		outcomes: []error{
			&executor.UpstreamError{Status: 503, Body: "unavailable"},
			&executor.UpstreamError{Status: 503, Body: "unavailable"},
		},
		response: executor.Response{Payload: []byte(aggregate)},
	}
	h := newHarness(t, exec, "a")

	_, reqErr := h.engine.Execute(context.Background(), testRequest(false))
	if reqErr != nil {
		t.Fatalf("unexpected error: %v", reqErr)
	}
	if got := len(exec.attempts()); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(h.sleeps) != 2 || h.sleeps[0] != want[0] || h.sleeps[1] != want[1] {
		t.Errorf("backoff sleeps = %v, want %v", h.sleeps, want)
	}
}

func TestExecute_AuthExpiredRefreshesAndRetriesSame(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"accessToken":"fresh","expiresIn":3600}`)
	}))
	defer tokenServer.Close()

	exec := &scriptedExecutor{
		outcomes: []error{&executor.UpstreamError{Status: 401, Body: "ExpiredTokenException"}},
		response: executor.Response{Payload: []byte(aggregate)},
	}
	h := newHarness(t, exec, "a")
	h.cfg.Kiro.RefreshURL = tokenServer.URL

	// Replace the manager so it carries a refresher aimed at the test server.
	auths := auth.NewManager(auth.NewFileStore(t.TempDir()), auth.NewRefresher(h.cfg))
	if _, err := auths.Add(context.Background(), "a.json", &auth.Credentials{AccessToken: "stale", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	cooldowns := scheduler.NewCooldowns()
	h.engine = New(h.cfg, auths, scheduler.NewScheduler(auths, cooldowns), cooldowns, scheduler.NewRateLimiter(0), exec, h.monitor)
	h.engine.sleep = func(context.Context, time.Duration) {}

	_, reqErr := h.engine.Execute(context.Background(), testRequest(false))
	if reqErr != nil {
		t.Fatalf("unexpected error: %v", reqErr)
	}

	attempts := exec.attempts()
	if len(attempts) != 2 || attempts[0] != "a.json" || attempts[1] != "a.json" {
		t.Fatalf("attempts = %v, want two on a.json", attempts)
	}
	if got := auths.Get("a.json").Credentials.AccessToken; got != "fresh" {
		t.Errorf("access token after retry = %q, want refreshed", got)
	}
}

func TestExecute_SecondAuthFailureSwitchesIdentity(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"accessToken":"fresh","expiresIn":3600}`)
	}))
	defer tokenServer.Close()

	exec := &scriptedExecutor{
		outcomes: []error{
			&executor.UpstreamError{Status: 401, Body: "ExpiredTokenException"},
			&executor.UpstreamError{Status: 401, Body: "ExpiredTokenException"},
		},
		response: executor.Response{Payload: []byte(aggregate)},
	}
	h := newHarness(t, exec, "a", "b")
	h.cfg.Kiro.RefreshURL = tokenServer.URL

	auths := auth.NewManager(auth.NewFileStore(t.TempDir()), auth.NewRefresher(h.cfg))
	for _, name := range []string{"a", "b"} {
		if _, err := auths.Add(context.Background(), name+".json", &auth.Credentials{AccessToken: "stale-" + name, RefreshToken: "r-" + name}); err != nil {
			t.Fatal(err)
		}
	}
	cooldowns := scheduler.NewCooldowns()
	h.engine = New(h.cfg, auths, scheduler.NewScheduler(auths, cooldowns), cooldowns, scheduler.NewRateLimiter(0), exec, h.monitor)
	h.engine.sleep = func(context.Context, time.Duration) {}

	// Refresh succeeds but the upstream rejects the fresh token too; the
	// third attempt must land on the other identity.
	_, reqErr := h.engine.Execute(context.Background(), testRequest(false))
	if reqErr != nil {
		t.Fatalf("unexpected error: %v", reqErr)
	}

	attempts := exec.attempts()
	if len(attempts) != 3 {
		t.Fatalf("attempts = %v, want 3", attempts)
	}
	if attempts[0] != attempts[1] {
		t.Errorf("attempts = %v, second attempt must stay on the refreshed identity", attempts)
	}
	if attempts[2] == attempts[0] {
		t.Errorf("attempts = %v, third attempt must switch identities", attempts)
	}
}

func TestExecute_RefreshFailureExcludesIdentity(t *testing.T) {
	exec := &scriptedExecutor{
		outcomes: []error{
			&executor.UpstreamError{Status: 401, Body: "expired token"},
			&executor.UpstreamError{Status: 401, Body: "expired token"},
			&executor.UpstreamError{Status: 401, Body: "expired token"},
		},
	}
	// Credentials without refresh tokens make every refresh fail fast.
	h := newHarness(t, exec, "a", "b")

	_, reqErr := h.engine.Execute(context.Background(), testRequest(false))
	if reqErr == nil {
		t.Fatal("expected failure")
	}
	if reqErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", reqErr.StatusCode)
	}

	attempts := exec.attempts()
	if len(attempts) != 3 {
		t.Fatalf("attempts = %v, want the full attempt budget", attempts)
	}
	if attempts[0] == attempts[1] {
		t.Errorf("second attempt must exclude the identity whose refresh failed")
	}
	if got := h.auths.Get(attempts[0]).Status; got != auth.StatusUnhealthy {
		t.Errorf("failed identity status = %s, want unhealthy", got)
	}
}

func TestExecute_LengthErrorShrinksHistory(t *testing.T) {
	exec := &scriptedExecutor{
		outcomes: []error{&executor.UpstreamError{Status: 400, Body: "Input is too long for this model"}},
		response: executor.Response{Payload: []byte(aggregate)},
	}
	h := newHarness(t, exec, "a")
	h.cfg.History.MaxChars = 500

	turns := make([]string, 0, 8)
	for i := 0; i < 4; i++ {
		turns = append(turns,
			fmt.Sprintf(`{"userInputMessage":{"content":%q}}`, strings.Repeat("u", 50)),
			fmt.Sprintf(`{"assistantResponseMessage":{"content":%q,"toolUses":[]}}`, strings.Repeat("a", 50)))
	}
	body := []byte(fmt.Sprintf(
		`{"conversationState":{"conversationId":"conv-2","currentMessage":{"userInputMessage":{"content":"hi"}},"history":[%s]}}`,
		strings.Join(turns, ","),
	))

	req := testRequest(false)
	req.RawJSON = body
	_, reqErr := h.engine.Execute(context.Background(), req)
	if reqErr != nil {
		t.Fatalf("unexpected error: %v", reqErr)
	}

	if len(exec.payloads) != 2 {
		t.Fatalf("attempts = %d, want 2", len(exec.payloads))
	}
	if len(exec.payloads[1]) >= len(exec.payloads[0]) {
		t.Errorf("retry payload not smaller: %d vs %d bytes", len(exec.payloads[1]), len(exec.payloads[0]))
	}
	attempts := exec.attempts()
	if attempts[0] != attempts[1] {
		t.Errorf("length retry must stay on the same identity: %v", attempts)
	}
}

func TestExecute_BadRequestFailsWithoutRetry(t *testing.T) {
	exec := &scriptedExecutor{
		outcomes: []error{&executor.UpstreamError{Status: 400, Body: "malformed conversation state"}},
	}
	h := newHarness(t, exec, "a", "b")

	_, reqErr := h.engine.Execute(context.Background(), testRequest(false))
	if reqErr == nil {
		t.Fatal("expected failure")
	}
	if reqErr.StatusCode != http.StatusBadRequest || reqErr.Type != "invalid_request" {
		t.Errorf("error = %d %s, want 400 invalid_request", reqErr.StatusCode, reqErr.Type)
	}
	if got := len(exec.attempts()); got != 1 {
		t.Errorf("attempts = %d, a bad request must not retry", got)
	}
}

func TestExecute_AttemptCapHolds(t *testing.T) {
	exec := &scriptedExecutor{
		outcomes: []error{
			&executor.UpstreamError{Status: 503, Body: "unavailable"},
			&executor.UpstreamError{Status: 503, Body: "unavailable"},
			&executor.UpstreamError{Status: 503, Body: "unavailable"},
			&executor.UpstreamError{Status: 503, Body: "unavailable"},
		},
	}
	h := newHarness(t, exec, "a")
	h.cfg.RequestRetry = 10 // clamped

	_, reqErr := h.engine.Execute(context.Background(), testRequest(false))
	if reqErr == nil {
		t.Fatal("expected failure")
	}
	if reqErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", reqErr.StatusCode)
	}
	if got := len(exec.attempts()); got != 3 {
		t.Errorf("attempts = %d, want the hard cap of 3", got)
	}
}

func TestExecute_CancelledTouchesNoCounters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &scriptedExecutor{
		outcomes: []error{fmt.Errorf("context canceled")},
	}
	h := newHarness(t, exec, "a")
	cancel()

	_, reqErr := h.engine.Execute(ctx, testRequest(false))
	if reqErr == nil || reqErr.StatusCode != 499 {
		t.Fatalf("error = %v, want 499", reqErr)
	}
	identity := h.auths.Get("a.json")
	if identity.RequestCount != 0 || identity.ErrorCount != 0 {
		t.Errorf("counters moved on a cancelled request: %d/%d", identity.RequestCount, identity.ErrorCount)
	}
	if h.cooldowns.Remaining("a.json") != 0 {
		t.Error("cancelled request must not trigger a cooldown")
	}
}

func TestExecute_NoIdentities(t *testing.T) {
	exec := &scriptedExecutor{}
	h := newHarness(t, exec) // empty pool

	_, reqErr := h.engine.Execute(context.Background(), testRequest(false))
	if reqErr == nil {
		t.Fatal("expected failure")
	}
	if reqErr.StatusCode != http.StatusServiceUnavailable || reqErr.Type != "overloaded_error" {
		t.Errorf("error = %d %s, want 503 overloaded_error", reqErr.StatusCode, reqErr.Type)
	}
}

func TestExecuteStream_RelaysAndCompletes(t *testing.T) {
	exec := &scriptedExecutor{
		chunks: []executor.StreamChunk{
			{Payload: []byte(`{"content":"hel"}`)},
			{Payload: []byte(`{"content":"lo"}`)},
			{Payload: []byte(`{"kiroUsage":{"inputTokens":7,"outputTokens":2}}`)},
			{Payload: []byte(`[DONE]`)},
		},
	}
	h := newHarness(t, exec, "a")

	events, reqErr := h.engine.ExecuteStream(context.Background(), testRequest(true))
	if reqErr != nil {
		t.Fatalf("unexpected error: %v", reqErr)
	}

	var got []string
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		got = append(got, ev.Chunk)
	}
	if len(got) != 4 || got[0] != `{"content":"hel"}` {
		t.Errorf("relayed chunks = %v", got)
	}

	if count := h.auths.Get("a.json").RequestCount; count != 1 {
		t.Errorf("request count = %d, want 1", count)
	}
	flow := h.monitor.Flows(monitor.Query{})[0]
	if flow.State != monitor.StateCompleted {
		t.Errorf("flow state = %s, want completed", flow.State)
	}
	if flow.InputTokens != 7 || flow.OutputTokens != 2 {
		t.Errorf("flow tokens = %d/%d, want 7/2", flow.InputTokens, flow.OutputTokens)
	}
	if flow.FirstByteAt.IsZero() {
		t.Error("first byte must be stamped for a streamed flow")
	}
}

func TestExecuteStream_PreStreamFailover(t *testing.T) {
	exec := &scriptedExecutor{
		outcomes: []error{&executor.UpstreamError{Status: 429, Body: "throttled"}},
		chunks: []executor.StreamChunk{
			{Payload: []byte(`{"content":"ok"}`)},
			{Payload: []byte(`[DONE]`)},
		},
	}
	h := newHarness(t, exec, "a", "b")

	events, reqErr := h.engine.ExecuteStream(context.Background(), testRequest(true))
	if reqErr != nil {
		t.Fatalf("unexpected error: %v", reqErr)
	}
	for range events {
	}

	attempts := exec.attempts()
	if len(attempts) != 2 || attempts[0] == attempts[1] {
		t.Errorf("attempts = %v, want a pre-stream identity switch", attempts)
	}
}

func TestExecuteStream_MidStreamErrorIsTerminal(t *testing.T) {
	exec := &scriptedExecutor{
		chunks: []executor.StreamChunk{
			{Payload: []byte(`{"content":"partial"}`)},
			{Err: &executor.UpstreamError{Status: 200, Body: "Improperly formed request", InBand: true}},
		},
	}
	h := newHarness(t, exec, "a", "b")

	events, reqErr := h.engine.ExecuteStream(context.Background(), testRequest(true))
	if reqErr != nil {
		t.Fatalf("unexpected error: %v", reqErr)
	}

	var terminal *RequestError
	for ev := range events {
		if ev.Err != nil {
			terminal = ev.Err
		}
	}
	if terminal == nil {
		t.Fatal("mid-stream failure must surface a terminal error event")
	}

	// The identity is committed once bytes flow; no second attempt.
	if got := len(exec.attempts()); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	served := h.auths.Get(exec.attempts()[0])
	if served.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", served.ErrorCount)
	}
	// The exchange ran; usage counters move as for a completed request.
	if served.RequestCount != 1 {
		t.Errorf("request count = %d, want 1", served.RequestCount)
	}
	flow := h.monitor.Flows(monitor.Query{})[0]
	if flow.State != monitor.StateError {
		t.Errorf("flow state = %s, want error", flow.State)
	}
}
