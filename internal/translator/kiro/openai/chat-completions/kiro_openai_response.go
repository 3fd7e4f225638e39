package chat_completions

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/blime4/KiroProxy/internal/eventstream"
)

var doneTag = []byte("[DONE]")

// convertKiroResponseToOpenAIParams carries per-stream encoder state.
type convertKiroResponseToOpenAIParams struct {
	id         string
	created    int64
	rolePrimed bool
	// toolIndexByID maps tool use ids to their tool_calls array index.
	toolIndexByID map[string]int
	hasToolUse    bool
	inputTokens   int64
	outputTokens  int64
}

// ConvertKiroResponseToOpenAI converts upstream stream events into Chat
// Completions chunk objects. Returned strings are bare JSON; the handler
// wraps them in data: lines and appends the [DONE] sentinel. The first chunk
// carries the assistant role, tool calls open with an empty-arguments
// fragment, and the terminal chunk carries finish_reason plus usage.
func ConvertKiroResponseToOpenAI(_ context.Context, modelName string, _, _, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &convertKiroResponseToOpenAIParams{
			id:            "chatcmpl-" + uuid.NewString(),
			created:       time.Now().Unix(),
			toolIndexByID: make(map[string]int),
		}
	}
	p := (*param).(*convertKiroResponseToOpenAIParams)

	if bytes.Equal(bytes.TrimSpace(rawJSON), doneTag) {
		return []string{p.finishChunk(modelName)}
	}
	if usage := gjson.GetBytes(rawJSON, "kiroUsage"); usage.Exists() {
		p.inputTokens = usage.Get("inputTokens").Int()
		p.outputTokens = usage.Get("outputTokens").Int()
		return nil
	}

	ev := eventstream.Classify(rawJSON)
	switch ev.Kind {
	case eventstream.KindContent:
		if ev.Content == "" {
			return nil
		}
		chunk := p.baseChunk(modelName)
		chunk, _ = sjson.Set(chunk, "choices.0.delta.content", ev.Content)
		return []string{chunk}

	case eventstream.KindToolUse:
		if ev.ToolUseID == "" {
			return nil
		}
		p.hasToolUse = true
		var out []string
		index, open := p.toolIndexByID[ev.ToolUseID]
		if !open {
			index = len(p.toolIndexByID)
			p.toolIndexByID[ev.ToolUseID] = index
			chunk := p.baseChunk(modelName)
			call := `{"index":0,"id":"","type":"function","function":{"name":"","arguments":""}}`
			call, _ = sjson.Set(call, "index", index)
			call, _ = sjson.Set(call, "id", ev.ToolUseID)
			call, _ = sjson.Set(call, "function.name", ev.Name)
			chunk, _ = sjson.SetRaw(chunk, "choices.0.delta.tool_calls.-1", call)
			out = append(out, chunk)
		}
		if ev.Input != "" {
			chunk := p.baseChunk(modelName)
			call := `{"index":0,"function":{"arguments":""}}`
			call, _ = sjson.Set(call, "index", index)
			call, _ = sjson.Set(call, "function.arguments", ev.Input)
			chunk, _ = sjson.SetRaw(chunk, "choices.0.delta.tool_calls.-1", call)
			out = append(out, chunk)
		}
		return out
	}
	return nil
}

// baseChunk builds a chunk skeleton, priming the assistant role on the first
// emitted chunk of the stream.
func (p *convertKiroResponseToOpenAIParams) baseChunk(modelName string) string {
	chunk := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	chunk, _ = sjson.Set(chunk, "id", p.id)
	chunk, _ = sjson.Set(chunk, "created", p.created)
	chunk, _ = sjson.Set(chunk, "model", modelName)
	if !p.rolePrimed {
		p.rolePrimed = true
		chunk, _ = sjson.Set(chunk, "choices.0.delta.role", "assistant")
	}
	return chunk
}

func (p *convertKiroResponseToOpenAIParams) finishChunk(modelName string) string {
	finishReason := "stop"
	if p.hasToolUse {
		finishReason = "tool_calls"
	}
	chunk := p.baseChunk(modelName)
	chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", finishReason)
	chunk, _ = sjson.Set(chunk, "usage.prompt_tokens", p.inputTokens)
	chunk, _ = sjson.Set(chunk, "usage.completion_tokens", p.outputTokens)
	chunk, _ = sjson.Set(chunk, "usage.total_tokens", p.inputTokens+p.outputTokens)
	return chunk
}

// ConvertKiroResponseToOpenAINonStream converts the aggregated upstream
// response into a single chat.completion body.
func ConvertKiroResponseToOpenAINonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", "chatcmpl-"+uuid.NewString())
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.Set(out, "choices.0.message.content", root.Get("content").String())

	toolUses := root.Get("toolUses").Array()
	for _, use := range toolUses {
		call := `{"id":"","type":"function","function":{"name":"","arguments":"{}"}}`
		call, _ = sjson.Set(call, "id", use.Get("id").String())
		call, _ = sjson.Set(call, "function.name", use.Get("name").String())
		if input := use.Get("input"); input.Exists() && input.IsObject() {
			call, _ = sjson.Set(call, "function.arguments", input.Raw)
		}
		out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls.-1", call)
	}
	if len(toolUses) > 0 {
		out, _ = sjson.Set(out, "choices.0.finish_reason", "tool_calls")
	}

	inputTokens := root.Get("usage.input_tokens").Int()
	outputTokens := root.Get("usage.output_tokens").Int()
	out, _ = sjson.Set(out, "usage.prompt_tokens", inputTokens)
	out, _ = sjson.Set(out, "usage.completion_tokens", outputTokens)
	out, _ = sjson.Set(out, "usage.total_tokens", inputTokens+outputTokens)
	return out
}
