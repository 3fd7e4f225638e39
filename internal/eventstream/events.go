package eventstream

import (
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Kind identifies the payload shapes the relay understands.
type Kind int

const (
	// KindUnknown marks payloads the relay skips (followup prompts, metering).
	KindUnknown Kind = iota
	// KindContent is an assistant text delta.
	KindContent
	// KindToolUse is a tool-use fragment, possibly one of several per call.
	KindToolUse
	// KindError is an upstream error envelope delivered in-band.
	KindError
)

// Event is a classified frame payload.
type Event struct {
	Kind Kind

	// Content holds the text delta for KindContent.
	Content string

	// Tool-use fields for KindToolUse. Input may be a fragment of the final
	// JSON arguments; fragments for one ToolUseID are concatenated until a
	// frame with Stop set arrives.
	ToolUseID string
	Name      string
	Input     string
	Stop      bool

	// Message holds the error text for KindError.
	Message string
}

// Classify inspects a frame payload and extracts the fields the relay reads.
// Payloads arrive either wrapped in their event name, e.g.
// {"assistantResponseEvent":{"content":"hi"}}, or bare, e.g. {"content":"hi"};
// both shapes are accepted.
func Classify(payload []byte) Event {
	root := gjson.ParseBytes(payload)

	if node := root.Get("assistantResponseEvent"); node.Exists() {
		return Event{Kind: KindContent, Content: node.Get("content").String()}
	}
	if node := root.Get("toolUseEvent"); node.Exists() {
		return toolUseFrom(node)
	}
	if root.Get("toolUseId").Exists() {
		return toolUseFrom(root)
	}
	if node := root.Get("content"); node.Exists() {
		return Event{Kind: KindContent, Content: node.String()}
	}
	if root.Get("__type").Exists() || root.Get("message").Exists() {
		msg := root.Get("message").String()
		if msg == "" {
			msg = root.Get("__type").String()
		}
		return Event{Kind: KindError, Message: msg}
	}
	return Event{Kind: KindUnknown}
}

func toolUseFrom(node gjson.Result) Event {
	return Event{
		Kind:      KindToolUse,
		ToolUseID: node.Get("toolUseId").String(),
		Name:      node.Get("name").String(),
		Input:     node.Get("input").String(),
		Stop:      node.Get("stop").Bool(),
	}
}

// ToolUse is a fully assembled tool invocation.
type ToolUse struct {
	ID    string
	Name  string
	Input string // canonical JSON arguments
}

// ToolAssembler concatenates tool-use fragments by toolUseId. Fragments are
// joined in arrival order; the concatenation is parsed when a Stop fragment
// arrives. Interleaved fragments for different ids are kept apart.
type ToolAssembler struct {
	pending map[string]*partialTool
	order   []string
}

type partialTool struct {
	name  string
	input strings.Builder
}

// Add merges a tool-use fragment and returns the completed call when the
// fragment carries the stop flag, nil otherwise. A final concatenation that
// does not parse as JSON yields an empty argument object.
func (a *ToolAssembler) Add(ev Event) *ToolUse {
	if ev.Kind != KindToolUse || ev.ToolUseID == "" {
		return nil
	}
	if a.pending == nil {
		a.pending = make(map[string]*partialTool)
	}
	p, ok := a.pending[ev.ToolUseID]
	if !ok {
		p = &partialTool{name: ev.Name}
		a.pending[ev.ToolUseID] = p
		a.order = append(a.order, ev.ToolUseID)
	}
	if p.name == "" {
		p.name = ev.Name
	}
	p.input.WriteString(ev.Input)
	if !ev.Stop {
		return nil
	}

	delete(a.pending, ev.ToolUseID)
	for i, id := range a.order {
		if id == ev.ToolUseID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}

	raw := strings.TrimSpace(p.input.String())
	if raw == "" {
		raw = "{}"
	}
	if !gjson.Valid(raw) {
		log.Warnf("tool use %s (%s): final input is not valid JSON, substituting empty object", ev.ToolUseID, p.name)
		raw = "{}"
	}
	return &ToolUse{ID: ev.ToolUseID, Name: p.name, Input: raw}
}

// PendingIDs lists tool calls still missing their stop fragment, in arrival
// order. Useful when the upstream stream ends early.
func (a *ToolAssembler) PendingIDs() []string {
	return append([]string(nil), a.order...)
}
