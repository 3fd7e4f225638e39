package claude

import (
	"context"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestConvertClaudeRequestToKiro_Basic(t *testing.T) {
	in := []byte(`{
		"model": "claude-sonnet-4",
		"system": "Be terse.",
		"messages": [
			{"role": "user", "content": "first question"},
			{"role": "assistant", "content": "first answer"},
			{"role": "user", "content": "second question"}
		]
	}`)
	out := ConvertClaudeRequestToKiro("claude-sonnet-4", in, false)
	root := gjson.ParseBytes(out)

	current := root.Get("conversationState.currentMessage.userInputMessage")
	if got := current.Get("content").String(); got != "second question" {
		t.Errorf("current content = %q", got)
	}
	if !current.Get("modelId").Exists() || current.Get("modelId").String() == "" {
		t.Error("current message must carry the upstream model id")
	}

	hist := root.Get("conversationState.history").Array()
	if len(hist) != 2 {
		t.Fatalf("history turns = %d, want 2", len(hist))
	}
	// The system prompt rides on the first user turn.
	first := hist[0].Get("userInputMessage.content").String()
	if !strings.HasPrefix(first, "Be terse.") || !strings.Contains(first, "first question") {
		t.Errorf("first user turn = %q, want system prompt prepended", first)
	}
	if hist[1].Get("assistantResponseMessage.content").String() != "first answer" {
		t.Errorf("assistant turn = %s", hist[1].Raw)
	}
	if root.Get("conversationState.conversationId").String() == "" {
		t.Error("conversation id missing")
	}
}

func TestConvertClaudeRequestToKiro_SystemBlocksAndSingleMessage(t *testing.T) {
	in := []byte(`{
		"system": [{"type": "text", "text": "one"}, {"type": "text", "text": "two"}],
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	out := ConvertClaudeRequestToKiro("claude-sonnet-4", in, false)
	got := gjson.GetBytes(out, "conversationState.currentMessage.userInputMessage.content").String()
	if got != "one\ntwo\n\nhi" {
		t.Errorf("content = %q", got)
	}
	if gjson.GetBytes(out, "conversationState.history").Raw != "[]" {
		t.Error("single-message request must have empty history")
	}
}

func TestConvertClaudeRequestToKiro_ToolRoundTrip(t *testing.T) {
	in := []byte(`{
		"tools": [{"name": "get_weather", "description": "look up weather", "input_schema": {"type": "object", "properties": {"city": {"type": "string"}}}}],
		"messages": [
			{"role": "user", "content": "weather in Oslo?"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "tu_1", "name": "get_weather", "input": {"city": "Oslo"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "tu_1", "content": "12C, cloudy"}
			]}
		]
	}`)
	out := ConvertClaudeRequestToKiro("claude-sonnet-4", in, false)
	root := gjson.ParseBytes(out)

	spec := root.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.tools.0.toolSpecification")
	if spec.Get("name").String() != "get_weather" {
		t.Errorf("tool spec = %s", spec.Raw)
	}
	if spec.Get("inputSchema.json.properties.city.type").String() != "string" {
		t.Errorf("input schema lost: %s", spec.Raw)
	}

	use := root.Get("conversationState.history.1.assistantResponseMessage.toolUses.0")
	if use.Get("toolUseId").String() != "tu_1" || use.Get("input.city").String() != "Oslo" {
		t.Errorf("history tool use = %s", use.Raw)
	}

	result := root.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults.0")
	if result.Get("toolUseId").String() != "tu_1" || result.Get("status").String() != "success" {
		t.Errorf("tool result = %s", result.Raw)
	}
	if result.Get("content.0.text").String() != "12C, cloudy" {
		t.Errorf("tool result text = %s", result.Raw)
	}
}

func TestConvertClaudeRequestToKiro_ErrorToolResult(t *testing.T) {
	in := []byte(`{
		"messages": [
			{"role": "user", "content": "run it"},
			{"role": "assistant", "content": [{"type": "tool_use", "id": "tu_9", "name": "run", "input": {}}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "tu_9", "content": "exploded", "is_error": true}]}
		]
	}`)
	out := ConvertClaudeRequestToKiro("claude-sonnet-4", in, false)
	status := gjson.GetBytes(out, "conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults.0.status").String()
	if status != "error" {
		t.Errorf("status = %q, want error", status)
	}
}

func TestConvertClaudeRequestToKiro_Images(t *testing.T) {
	in := []byte(`{
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "what is this?"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aGVsbG8="}}
			]}
		]
	}`)
	out := ConvertClaudeRequestToKiro("claude-sonnet-4", in, false)
	img := gjson.GetBytes(out, "conversationState.currentMessage.userInputMessage.images.0")
	if img.Get("format").String() != "png" || img.Get("source.bytes").String() != "aGVsbG8=" {
		t.Errorf("image record = %s", img.Raw)
	}
}

func streamAll(t *testing.T, payloads ...string) []string {
	t.Helper()
	var param any
	var out []string
	for _, payload := range payloads {
		out = append(out, ConvertKiroResponseToClaude(context.Background(), "claude-sonnet-4", nil, nil, []byte(payload), &param)...)
	}
	return out
}

// eventName extracts the SSE event name from one emitted block.
func eventName(t *testing.T, block string) string {
	t.Helper()
	line, _, ok := strings.Cut(block, "\n")
	if !ok || !strings.HasPrefix(line, "event: ") {
		t.Fatalf("malformed SSE block: %q", block)
	}
	return strings.TrimPrefix(line, "event: ")
}

func eventData(t *testing.T, block string) gjson.Result {
	t.Helper()
	for _, line := range strings.Split(block, "\n") {
		if strings.HasPrefix(line, "data: ") {
			return gjson.Parse(strings.TrimPrefix(line, "data: "))
		}
	}
	t.Fatalf("no data line in %q", block)
	return gjson.Result{}
}

func TestConvertKiroResponseToClaude_TextStream(t *testing.T) {
	out := streamAll(t,
		`{"content":"Hel"}`,
		`{"content":"lo"}`,
		`{"kiroUsage":{"inputTokens":9,"outputTokens":4}}`,
		`[DONE]`,
	)

	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if len(out) != len(want) {
		t.Fatalf("emitted %d events, want %d: %v", len(out), len(want), out)
	}
	for i, name := range want {
		if got := eventName(t, out[i]); got != name {
			t.Errorf("event %d = %s, want %s", i, got, name)
		}
	}

	if got := eventData(t, out[2]).Get("delta.text").String(); got != "Hel" {
		t.Errorf("first delta text = %q", got)
	}
	final := eventData(t, out[5])
	if final.Get("delta.stop_reason").String() != "end_turn" {
		t.Errorf("stop reason = %s", final.Raw)
	}
	if final.Get("usage.output_tokens").Int() != 4 {
		t.Errorf("output tokens = %s", final.Raw)
	}
}

func TestConvertKiroResponseToClaude_ToolUseStream(t *testing.T) {
	out := streamAll(t,
		`{"content":"Let me check."}`,
		`{"toolUseId":"tu_1","name":"get_weather","input":"{\"city\":"}`,
		`{"toolUseId":"tu_1","name":"get_weather","input":"\"Oslo\"}","stop":true}`,
		`[DONE]`,
	)

	want := []string{
		"message_start",
		"content_block_start", "content_block_delta", // text
		"content_block_stop",                                                // text closes before the tool opens
		"content_block_start", "content_block_delta", "content_block_delta", // tool
		"content_block_stop",
		"message_delta", "message_stop",
	}
	if len(out) != len(want) {
		t.Fatalf("emitted %d events, want %d: %v", len(out), len(want), out)
	}
	for i, name := range want {
		if got := eventName(t, out[i]); got != name {
			t.Fatalf("event %d = %s, want %s", i, got, name)
		}
	}

	toolStart := eventData(t, out[4])
	if toolStart.Get("content_block.type").String() != "tool_use" || toolStart.Get("content_block.id").String() != "tu_1" {
		t.Errorf("tool block start = %s", toolStart.Raw)
	}
	if toolStart.Get("index").Int() != 1 {
		t.Errorf("tool block index = %d, want 1", toolStart.Get("index").Int())
	}
	if got := eventData(t, out[5]).Get("delta.partial_json").String(); got != `{"city":` {
		t.Errorf("first input fragment = %q", got)
	}
	if got := eventData(t, out[8]).Get("delta.stop_reason").String(); got != "tool_use" {
		t.Errorf("stop reason = %q, want tool_use", got)
	}
}

func TestConvertKiroResponseToClaude_EmptyStream(t *testing.T) {
	out := streamAll(t, `[DONE]`)
	if len(out) != 3 {
		t.Fatalf("events = %v", out)
	}
	for i, name := range []string{"message_start", "message_delta", "message_stop"} {
		if got := eventName(t, out[i]); got != name {
			t.Errorf("event %d = %s, want %s", i, got, name)
		}
	}
}

func TestConvertKiroResponseToClaudeNonStream(t *testing.T) {
	aggregate := `{"content":"done","toolUses":[{"id":"tu_1","name":"f","input":{"x":1}}],"stopReason":"tool_use","usage":{"input_tokens":11,"output_tokens":7}}`
	var param any
	out := ConvertKiroResponseToClaudeNonStream(context.Background(), "claude-sonnet-4", nil, nil, []byte(aggregate), &param)
	root := gjson.Parse(out)

	if root.Get("type").String() != "message" || root.Get("role").String() != "assistant" {
		t.Errorf("envelope = %s", out)
	}
	if root.Get("content.0.type").String() != "text" || root.Get("content.0.text").String() != "done" {
		t.Errorf("text block = %s", root.Get("content.0").Raw)
	}
	tool := root.Get("content.1")
	if tool.Get("type").String() != "tool_use" || tool.Get("input.x").Int() != 1 {
		t.Errorf("tool block = %s", tool.Raw)
	}
	if root.Get("stop_reason").String() != "tool_use" {
		t.Errorf("stop_reason = %s", root.Get("stop_reason").String())
	}
	if root.Get("usage.input_tokens").Int() != 11 || root.Get("usage.output_tokens").Int() != 7 {
		t.Errorf("usage = %s", root.Get("usage").Raw)
	}
}
