package chat_completions

import (
	"context"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestConvertOpenAIRequestToKiro_SystemAndDeveloperMerge(t *testing.T) {
	in := []byte(`{
		"model": "claude-sonnet-4",
		"messages": [
			{"role": "system", "content": "Be brief."},
			{"role": "developer", "content": "Answer in English."},
			{"role": "user", "content": "hello"}
		]
	}`)
	out := ConvertOpenAIRequestToKiro("claude-sonnet-4", in, false)
	got := gjson.GetBytes(out, "conversationState.currentMessage.userInputMessage.content").String()
	if got != "Be brief.\nAnswer in English.\n\nhello" {
		t.Errorf("content = %q", got)
	}
}

func TestConvertOpenAIRequestToKiro_HistorySplit(t *testing.T) {
	in := []byte(`{
		"messages": [
			{"role": "user", "content": "one"},
			{"role": "assistant", "content": "two"},
			{"role": "user", "content": "three"}
		]
	}`)
	out := ConvertOpenAIRequestToKiro("claude-sonnet-4", in, false)
	root := gjson.ParseBytes(out)

	if got := root.Get("conversationState.currentMessage.userInputMessage.content").String(); got != "three" {
		t.Errorf("current = %q", got)
	}
	hist := root.Get("conversationState.history").Array()
	if len(hist) != 2 {
		t.Fatalf("history turns = %d, want 2", len(hist))
	}
	if hist[0].Get("userInputMessage.content").String() != "one" {
		t.Errorf("turn 0 = %s", hist[0].Raw)
	}
	if hist[1].Get("assistantResponseMessage.content").String() != "two" {
		t.Errorf("turn 1 = %s", hist[1].Raw)
	}
}

func TestConvertOpenAIRequestToKiro_ToolCallsAndResults(t *testing.T) {
	in := []byte(`{
		"tools": [{"type": "function", "function": {"name": "lookup", "description": "d", "parameters": {"type": "object"}}}],
		"messages": [
			{"role": "user", "content": "find it"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":\"x\"}"}},
				{"id": "call_2", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":\"y\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "found x"},
			{"role": "tool", "tool_call_id": "call_2", "content": "found y"}
		]
	}`)
	out := ConvertOpenAIRequestToKiro("claude-sonnet-4", in, false)
	root := gjson.ParseBytes(out)

	uses := root.Get("conversationState.history.1.assistantResponseMessage.toolUses").Array()
	if len(uses) != 2 {
		t.Fatalf("tool uses = %d, want 2", len(uses))
	}
	if uses[0].Get("toolUseId").String() != "call_1" || uses[0].Get("input.q").String() != "x" {
		t.Errorf("tool use 0 = %s", uses[0].Raw)
	}

	// Both tool messages fold into one current user turn.
	results := root.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults").Array()
	if len(results) != 2 {
		t.Fatalf("tool results = %d, want 2", len(results))
	}
	if results[1].Get("toolUseId").String() != "call_2" || results[1].Get("content.0.text").String() != "found y" {
		t.Errorf("tool result 1 = %s", results[1].Raw)
	}

	spec := root.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.tools.0.toolSpecification")
	if spec.Get("name").String() != "lookup" {
		t.Errorf("tool spec = %s", spec.Raw)
	}
}

func TestConvertOpenAIRequestToKiro_DataURIImage(t *testing.T) {
	in := []byte(`{
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "describe"},
				{"type": "image_url", "image_url": {"url": "data:image/jpeg;base64,Zm9v"}},
				{"type": "image_url", "image_url": {"url": "https://example.com/pic.png"}}
			]}
		]
	}`)
	out := ConvertOpenAIRequestToKiro("claude-sonnet-4", in, false)
	imgs := gjson.GetBytes(out, "conversationState.currentMessage.userInputMessage.images").Array()
	if len(imgs) != 1 {
		t.Fatalf("images = %d, want 1 (remote URLs are dropped)", len(imgs))
	}
	if imgs[0].Get("format").String() != "jpeg" || imgs[0].Get("source.bytes").String() != "Zm9v" {
		t.Errorf("image = %s", imgs[0].Raw)
	}
}

func streamAll(t *testing.T, payloads ...string) []string {
	t.Helper()
	var param any
	var out []string
	for _, payload := range payloads {
		out = append(out, ConvertKiroResponseToOpenAI(context.Background(), "claude-sonnet-4", nil, nil, []byte(payload), &param)...)
	}
	return out
}

func TestConvertKiroResponseToOpenAI_TextStream(t *testing.T) {
	out := streamAll(t,
		`{"content":"Hel"}`,
		`{"content":"lo"}`,
		`{"kiroUsage":{"inputTokens":8,"outputTokens":3}}`,
		`[DONE]`,
	)
	if len(out) != 3 {
		t.Fatalf("chunks = %d, want 3: %v", len(out), out)
	}

	first := gjson.Parse(out[0])
	if first.Get("object").String() != "chat.completion.chunk" {
		t.Errorf("object = %s", first.Get("object").String())
	}
	if first.Get("choices.0.delta.role").String() != "assistant" {
		t.Error("first chunk must prime the assistant role")
	}
	if first.Get("choices.0.delta.content").String() != "Hel" {
		t.Errorf("first delta = %s", first.Raw)
	}

	second := gjson.Parse(out[1])
	if second.Get("choices.0.delta.role").Exists() {
		t.Error("role must be primed only once")
	}
	if second.Get("id").String() != first.Get("id").String() {
		t.Error("chunk ids must be stable across the stream")
	}

	final := gjson.Parse(out[2])
	if final.Get("choices.0.finish_reason").String() != "stop" {
		t.Errorf("finish_reason = %s", final.Raw)
	}
	if final.Get("usage.prompt_tokens").Int() != 8 || final.Get("usage.total_tokens").Int() != 11 {
		t.Errorf("usage = %s", final.Get("usage").Raw)
	}
}

func TestConvertKiroResponseToOpenAI_ToolCallStream(t *testing.T) {
	out := streamAll(t,
		`{"toolUseId":"call_1","name":"lookup","input":"{\"q\":"}`,
		`{"toolUseId":"call_1","name":"lookup","input":"\"x\"}","stop":true}`,
		`[DONE]`,
	)
	// Open chunk, two argument fragments, finish.
	if len(out) != 4 {
		t.Fatalf("chunks = %d, want 4: %v", len(out), out)
	}

	open := gjson.Parse(out[0]).Get("choices.0.delta.tool_calls.0")
	if open.Get("id").String() != "call_1" || open.Get("function.name").String() != "lookup" {
		t.Errorf("open chunk = %s", open.Raw)
	}
	if open.Get("function.arguments").String() != "" {
		t.Error("tool call must open with empty arguments")
	}
	if open.Get("index").Int() != 0 {
		t.Errorf("tool index = %d", open.Get("index").Int())
	}

	frag1 := gjson.Parse(out[1]).Get("choices.0.delta.tool_calls.0.function.arguments").String()
	frag2 := gjson.Parse(out[2]).Get("choices.0.delta.tool_calls.0.function.arguments").String()
	if frag1+frag2 != `{"q":"x"}` {
		t.Errorf("assembled arguments = %q", frag1+frag2)
	}

	final := gjson.Parse(out[3])
	if final.Get("choices.0.finish_reason").String() != "tool_calls" {
		t.Errorf("finish_reason = %s", final.Get("choices.0.finish_reason").String())
	}
}

func TestConvertKiroResponseToOpenAINonStream(t *testing.T) {
	aggregate := `{"content":"done","toolUses":[{"id":"call_1","name":"lookup","input":{"q":"x"}}],"stopReason":"tool_use","usage":{"input_tokens":5,"output_tokens":2}}`
	var param any
	out := ConvertKiroResponseToOpenAINonStream(context.Background(), "claude-sonnet-4", nil, nil, []byte(aggregate), &param)
	root := gjson.Parse(out)

	if root.Get("object").String() != "chat.completion" {
		t.Errorf("object = %s", root.Get("object").String())
	}
	if root.Get("choices.0.message.content").String() != "done" {
		t.Errorf("content = %s", root.Get("choices.0.message").Raw)
	}
	call := root.Get("choices.0.message.tool_calls.0")
	if call.Get("id").String() != "call_1" {
		t.Errorf("tool call = %s", call.Raw)
	}
	// Arguments are a JSON-encoded string, not an object.
	args := call.Get("function.arguments")
	if args.Type != gjson.String {
		t.Fatalf("arguments must be a string, got %s", args.Type)
	}
	if gjson.Parse(args.String()).Get("q").String() != "x" {
		t.Errorf("arguments = %q", args.String())
	}
	if root.Get("choices.0.finish_reason").String() != "tool_calls" {
		t.Errorf("finish_reason = %s", root.Get("choices.0.finish_reason").String())
	}
	if root.Get("usage.total_tokens").Int() != 7 {
		t.Errorf("usage = %s", root.Get("usage").Raw)
	}
}

func TestConvertOpenAIRequestToKiro_EmptyCurrentGetsPlaceholder(t *testing.T) {
	in := []byte(`{
		"messages": [
			{"role": "user", "content": "q"},
			{"role": "assistant", "content": "a"}
		]
	}`)
	out := ConvertOpenAIRequestToKiro("claude-sonnet-4", in, false)
	got := gjson.GetBytes(out, "conversationState.currentMessage.userInputMessage.content").String()
	if !strings.EqualFold(got, "continue") {
		t.Errorf("trailing assistant turn must yield a placeholder current message, got %q", got)
	}
}
