// Package monitor tracks in-flight and recently finished proxy exchanges in
// a bounded in-memory ring, serving the management flow and stats endpoints.
package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle phase of one exchange.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// previewLimit caps stored request/response previews.
const previewLimit = 200

// DefaultCapacity bounds the retained flow ring.
const DefaultCapacity = 500

// Flow is the record of one proxied exchange.
type Flow struct {
	ID       string `json:"id"`
	State    State  `json:"state"`
	Dialect  string `json:"dialect"`
	Model    string `json:"model"`
	Identity string `json:"identity,omitempty"`
	Stream   bool   `json:"stream"`

	StartedAt   time.Time `json:"started_at"`
	FirstByteAt time.Time `json:"first_byte_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	TTFBMS      int64     `json:"ttfb_ms,omitempty"`

	RequestPreview  string `json:"request_preview,omitempty"`
	ResponsePreview string `json:"response_preview,omitempty"`
	ToolCalls       int    `json:"tool_calls,omitempty"`
	InputTokens     int64  `json:"input_tokens,omitempty"`
	OutputTokens    int64  `json:"output_tokens,omitempty"`
	Error           string `json:"error,omitempty"`
	Attempts        int    `json:"attempts,omitempty"`
}

// Monitor holds the bounded flow ring. All methods are safe for concurrent
// use.
type Monitor struct {
	mu       sync.Mutex
	capacity int
	order    []string
	flows    map[string]*Flow
	now      func() time.Time
}

// NewMonitor builds a monitor retaining at most capacity flows; zero or
// negative selects DefaultCapacity.
func NewMonitor(capacity int) *Monitor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Monitor{
		capacity: capacity,
		flows:    make(map[string]*Flow),
		now:      time.Now,
	}
}

// Begin records a new pending flow and returns its id.
func (m *Monitor) Begin(dialect, model string, stream bool, requestPreview string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	m.flows[id] = &Flow{
		ID:             id,
		State:          StatePending,
		Dialect:        dialect,
		Model:          model,
		Stream:         stream,
		StartedAt:      m.now(),
		RequestPreview: clip(requestPreview),
	}
	m.order = append(m.order, id)
	m.evictLocked()
	return id
}

// SetIdentity records which identity is serving the flow, bumping the
// attempt counter so retries stay visible.
func (m *Monitor) SetIdentity(id, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.flows[id]; ok {
		f.Identity = identity
		f.Attempts++
	}
}

// MarkStreaming transitions the flow to the streaming state and stamps the
// first byte time once.
func (m *Monitor) MarkStreaming(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.flows[id]; ok {
		if f.State == StatePending {
			f.State = StateStreaming
		}
		if f.FirstByteAt.IsZero() {
			f.FirstByteAt = m.now()
			f.TTFBMS = f.FirstByteAt.Sub(f.StartedAt).Milliseconds()
		}
	}
}

// AppendResponse extends the stored response preview up to its cap.
func (m *Monitor) AppendResponse(id, text string) {
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.flows[id]; ok && len(f.ResponsePreview) < previewLimit {
		f.ResponsePreview = clip(f.ResponsePreview + text)
	}
}

// AddToolCall counts one tool invocation on the flow.
func (m *Monitor) AddToolCall(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.flows[id]; ok {
		f.ToolCalls++
	}
}

// Complete finishes the flow successfully with its usage estimates.
func (m *Monitor) Complete(id string, inputTokens, outputTokens int64) {
	m.finish(id, StateCompleted, "", inputTokens, outputTokens)
}

// Fail finishes the flow with an error message.
func (m *Monitor) Fail(id, message string) {
	m.finish(id, StateError, message, 0, 0)
}

func (m *Monitor) finish(id string, state State, message string, inputTokens, outputTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return
	}
	f.State = state
	f.Error = message
	f.FinishedAt = m.now()
	f.DurationMS = f.FinishedAt.Sub(f.StartedAt).Milliseconds()
	if inputTokens > 0 {
		f.InputTokens = inputTokens
	}
	if outputTokens > 0 {
		f.OutputTokens = outputTokens
	}
}

// Query filters retained flows, newest first. Empty filter fields match
// everything; limit <= 0 returns all matches.
type Query struct {
	State    State
	Model    string
	Identity string
	Limit    int
}

// Flows returns snapshot copies of the retained flows matching q.
func (m *Monitor) Flows(q Query) []Flow {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Flow, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		f, ok := m.flows[m.order[i]]
		if !ok {
			continue
		}
		if q.State != "" && f.State != q.State {
			continue
		}
		if q.Model != "" && f.Model != q.Model {
			continue
		}
		if q.Identity != "" && f.Identity != q.Identity {
			continue
		}
		out = append(out, *f)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Stats summarizes the retained flows.
type Stats struct {
	Total        int              `json:"total"`
	ByState      map[State]int    `json:"by_state"`
	ByModel      map[string]int   `json:"by_model"`
	ByIdentity   map[string]int   `json:"by_identity"`
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	AvgTTFBMS    int64            `json:"avg_ttfb_ms"`
	AvgDuration  int64            `json:"avg_duration_ms"`
}

// Snapshot computes aggregate statistics over the retained flows.
func (m *Monitor) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		ByState:    make(map[State]int),
		ByModel:    make(map[string]int),
		ByIdentity: make(map[string]int),
	}
	var ttfbSum, ttfbN, durSum, durN int64
	for _, id := range m.order {
		f, ok := m.flows[id]
		if !ok {
			continue
		}
		stats.Total++
		stats.ByState[f.State]++
		if f.Model != "" {
			stats.ByModel[f.Model]++
		}
		if f.Identity != "" {
			stats.ByIdentity[f.Identity]++
		}
		stats.InputTokens += f.InputTokens
		stats.OutputTokens += f.OutputTokens
		if f.TTFBMS > 0 {
			ttfbSum += f.TTFBMS
			ttfbN++
		}
		if f.DurationMS > 0 {
			durSum += f.DurationMS
			durN++
		}
	}
	if ttfbN > 0 {
		stats.AvgTTFBMS = ttfbSum / ttfbN
	}
	if durN > 0 {
		stats.AvgDuration = durSum / durN
	}
	return stats
}

// ExportJSONL writes the retained flows as JSON lines, oldest first.
func (m *Monitor) ExportJSONL(w io.Writer) error {
	m.mu.Lock()
	snapshot := make([]Flow, 0, len(m.order))
	for _, id := range m.order {
		if f, ok := m.flows[id]; ok {
			snapshot = append(snapshot, *f)
		}
	}
	m.mu.Unlock()

	enc := json.NewEncoder(w)
	for i := range snapshot {
		if err := enc.Encode(&snapshot[i]); err != nil {
			return fmt.Errorf("export flows: %w", err)
		}
	}
	return nil
}

// evictLocked drops the oldest flows beyond capacity, preferring finished
// ones so live exchanges stay visible under burst load.
func (m *Monitor) evictLocked() {
	for len(m.order) > m.capacity {
		evicted := false
		for i, id := range m.order {
			f, ok := m.flows[id]
			if !ok || f.State == StateCompleted || f.State == StateError {
				m.order = append(m.order[:i], m.order[i+1:]...)
				delete(m.flows, id)
				evicted = true
				break
			}
		}
		if !evicted {
			id := m.order[0]
			m.order = m.order[1:]
			delete(m.flows, id)
		}
	}
}

func clip(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit]
}
