package claude

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/blime4/KiroProxy/internal/eventstream"
)

var doneTag = []byte("[DONE]")

// convertKiroResponseToClaudeParams carries per-stream encoder state.
type convertKiroResponseToClaudeParams struct {
	messageID  string
	started    bool
	blockIndex int
	// textIndex is the index of the currently open text block, -1 when none.
	textIndex int
	// toolIndexByID maps still-open tool blocks to their content block index.
	toolIndexByID map[string]int
	hasToolUse    bool
	inputTokens   int64
	outputTokens  int64
}

// ConvertKiroResponseToClaude converts upstream stream events into Anthropic
// Messages SSE blocks. Each returned string is a complete named SSE event.
// Text deltas share one text content block; every tool call opens its own
// tool_use block fed by input_json_delta fragments. The synthetic kiroUsage
// payload feeds the final message_delta and the [DONE] sentinel closes the
// message.
func ConvertKiroResponseToClaude(_ context.Context, modelName string, _, _, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &convertKiroResponseToClaudeParams{
			messageID:     "msg_" + uuid.NewString(),
			textIndex:     -1,
			toolIndexByID: make(map[string]int),
		}
	}
	p := (*param).(*convertKiroResponseToClaudeParams)

	if bytes.Equal(bytes.TrimSpace(rawJSON), doneTag) {
		return p.finish(modelName)
	}
	if usage := gjson.GetBytes(rawJSON, "kiroUsage"); usage.Exists() {
		p.inputTokens = usage.Get("inputTokens").Int()
		p.outputTokens = usage.Get("outputTokens").Int()
		return nil
	}

	ev := eventstream.Classify(rawJSON)
	var out []string
	if !p.started && (ev.Kind == eventstream.KindContent || ev.Kind == eventstream.KindToolUse) {
		p.started = true
		out = append(out, p.messageStart(modelName))
	}

	switch ev.Kind {
	case eventstream.KindContent:
		if ev.Content == "" {
			return out
		}
		if p.textIndex < 0 {
			p.textIndex = p.blockIndex
			p.blockIndex++
			start := `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`
			start, _ = sjson.Set(start, "index", p.textIndex)
			out = append(out, sseEvent("content_block_start", start))
		}
		delta := `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`
		delta, _ = sjson.Set(delta, "index", p.textIndex)
		delta, _ = sjson.Set(delta, "delta.text", ev.Content)
		out = append(out, sseEvent("content_block_delta", delta))

	case eventstream.KindToolUse:
		if ev.ToolUseID == "" {
			return out
		}
		p.hasToolUse = true
		index, open := p.toolIndexByID[ev.ToolUseID]
		if !open {
			if p.textIndex >= 0 {
				out = append(out, p.closeBlock(p.textIndex))
				p.textIndex = -1
			}
			index = p.blockIndex
			p.blockIndex++
			p.toolIndexByID[ev.ToolUseID] = index
			start := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`
			start, _ = sjson.Set(start, "index", index)
			start, _ = sjson.Set(start, "content_block.id", ev.ToolUseID)
			start, _ = sjson.Set(start, "content_block.name", ev.Name)
			out = append(out, sseEvent("content_block_start", start))
		}
		if ev.Input != "" {
			delta := `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`
			delta, _ = sjson.Set(delta, "index", index)
			delta, _ = sjson.Set(delta, "delta.partial_json", ev.Input)
			out = append(out, sseEvent("content_block_delta", delta))
		}
		if ev.Stop {
			out = append(out, p.closeBlock(index))
			delete(p.toolIndexByID, ev.ToolUseID)
		}
	}
	return out
}

func (p *convertKiroResponseToClaudeParams) messageStart(modelName string) string {
	msg := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	msg, _ = sjson.Set(msg, "message.id", p.messageID)
	msg, _ = sjson.Set(msg, "message.model", modelName)
	return sseEvent("message_start", msg)
}

func (p *convertKiroResponseToClaudeParams) closeBlock(index int) string {
	stop := `{"type":"content_block_stop","index":0}`
	stop, _ = sjson.Set(stop, "index", index)
	return sseEvent("content_block_stop", stop)
}

func (p *convertKiroResponseToClaudeParams) finish(modelName string) []string {
	var out []string
	if !p.started {
		// An empty upstream stream still yields a well-formed message.
		p.started = true
		out = append(out, p.messageStart(modelName))
	}
	if p.textIndex >= 0 {
		out = append(out, p.closeBlock(p.textIndex))
		p.textIndex = -1
	}
	for _, index := range p.toolIndexByID {
		out = append(out, p.closeBlock(index))
	}
	p.toolIndexByID = make(map[string]int)

	stopReason := "end_turn"
	if p.hasToolUse {
		stopReason = "tool_use"
	}
	delta := `{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"output_tokens":0}}`
	delta, _ = sjson.Set(delta, "delta.stop_reason", stopReason)
	delta, _ = sjson.Set(delta, "usage.output_tokens", p.outputTokens)
	out = append(out, sseEvent("message_delta", delta))
	out = append(out, sseEvent("message_stop", `{"type":"message_stop"}`))
	return out
}

func sseEvent(name, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}

// ConvertKiroResponseToClaudeNonStream converts the aggregated upstream
// response into a single Anthropic message body.
func ConvertKiroResponseToClaudeNonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	out, _ = sjson.Set(out, "id", "msg_"+uuid.NewString())
	out, _ = sjson.Set(out, "model", modelName)

	if text := root.Get("content").String(); text != "" {
		block, _ := sjson.Set(`{"type":"text","text":""}`, "text", text)
		out, _ = sjson.SetRaw(out, "content.-1", block)
	}
	toolUses := root.Get("toolUses").Array()
	for _, use := range toolUses {
		block := `{"type":"tool_use","id":"","name":"","input":{}}`
		block, _ = sjson.Set(block, "id", use.Get("id").String())
		block, _ = sjson.Set(block, "name", use.Get("name").String())
		if input := use.Get("input"); input.Exists() && input.IsObject() {
			block, _ = sjson.SetRaw(block, "input", input.Raw)
		}
		out, _ = sjson.SetRaw(out, "content.-1", block)
	}

	stopReason := root.Get("stopReason").String()
	if stopReason == "" {
		stopReason = "end_turn"
		if len(toolUses) > 0 {
			stopReason = "tool_use"
		}
	}
	out, _ = sjson.Set(out, "stop_reason", stopReason)
	out, _ = sjson.Set(out, "usage.input_tokens", root.Get("usage.input_tokens").Int())
	out, _ = sjson.Set(out, "usage.output_tokens", root.Get("usage.output_tokens").Int())
	return out
}
