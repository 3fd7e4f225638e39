package responses

import (
	"context"
	"testing"

	"github.com/tidwall/gjson"
)

func TestConvertOpenAIResponsesRequestToKiro_StringInput(t *testing.T) {
	in := []byte(`{"model": "claude-sonnet-4", "instructions": "Be brief.", "input": "hello"}`)
	out := ConvertOpenAIResponsesRequestToKiro("claude-sonnet-4", in, false)
	root := gjson.ParseBytes(out)

	if got := root.Get("conversationState.currentMessage.userInputMessage.content").String(); got != "Be brief.\n\nhello" {
		t.Errorf("content = %q", got)
	}
	if root.Get("conversationState.history").Raw != "[]" {
		t.Error("string input must produce no history")
	}
}

func TestConvertOpenAIResponsesRequestToKiro_ItemList(t *testing.T) {
	in := []byte(`{
		"input": [
			{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "one"}]},
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "two"}]},
			{"type": "message", "role": "user", "content": "three"}
		]
	}`)
	out := ConvertOpenAIResponsesRequestToKiro("claude-sonnet-4", in, false)
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

func TestConvertOpenAIResponsesRequestToKiro_FunctionCallCycle(t *testing.T) {
	in := []byte(`{
		"tools": [{"type": "function", "name": "lookup", "description": "d", "parameters": {"type": "object"}}],
		"input": [
			{"type": "message", "role": "user", "content": "find it"},
			{"type": "function_call", "call_id": "call_1", "name": "lookup", "arguments": "{\"q\":\"x\"}"},
			{"type": "function_call_output", "call_id": "call_1", "output": "found"}
		]
	}`)
	out := ConvertOpenAIResponsesRequestToKiro("claude-sonnet-4", in, false)
	root := gjson.ParseBytes(out)

	hist := root.Get("conversationState.history").Array()
	if len(hist) != 2 {
		t.Fatalf("history turns = %d, want 2: %s", len(hist), root.Get("conversationState.history").Raw)
	}
	if hist[0].Get("userInputMessage.content").String() != "find it" {
		t.Errorf("turn 0 = %s", hist[0].Raw)
	}
	use := hist[1].Get("assistantResponseMessage.toolUses.0")
	if use.Get("toolUseId").String() != "call_1" || use.Get("input.q").String() != "x" {
		t.Errorf("tool use = %s", use.Raw)
	}

	result := root.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults.0")
	if result.Get("toolUseId").String() != "call_1" || result.Get("content.0.text").String() != "found" {
		t.Errorf("tool result = %s", result.Raw)
	}

	spec := root.Get("conversationState.currentMessage.userInputMessage.userInputMessageContext.tools.0.toolSpecification")
	if spec.Get("name").String() != "lookup" {
		t.Errorf("tool spec = %s", spec.Raw)
	}
}

func TestConvertOpenAIResponsesRequestToKiro_SystemItemsJoinInstructions(t *testing.T) {
	in := []byte(`{
		"instructions": "first",
		"input": [
			{"type": "message", "role": "system", "content": "second"},
			{"type": "message", "role": "user", "content": "hi"}
		]
	}`)
	out := ConvertOpenAIResponsesRequestToKiro("claude-sonnet-4", in, false)
	got := gjson.GetBytes(out, "conversationState.currentMessage.userInputMessage.content").String()
	if got != "first\nsecond\n\nhi" {
		t.Errorf("content = %q", got)
	}
}

func streamAll(t *testing.T, payloads ...string) []string {
	t.Helper()
	var param any
	var out []string
	for _, payload := range payloads {
		out = append(out, ConvertKiroResponseToOpenAIResponses(context.Background(), "claude-sonnet-4", nil, nil, []byte(payload), &param)...)
	}
	return out
}

func TestConvertKiroResponseToOpenAIResponses_TextStream(t *testing.T) {
	out := streamAll(t,
		`{"content":"Hel"}`,
		`{"content":"lo"}`,
		`{"kiroUsage":{"inputTokens":6,"outputTokens":2}}`,
		`[DONE]`,
	)
	want := []string{"response.created", "response.output_text.delta", "response.output_text.delta", "response.output_text.done", "response.completed"}
	if len(out) != len(want) {
		t.Fatalf("events = %d, want %d: %v", len(out), len(want), out)
	}
	for i, name := range want {
		if got := gjson.Get(out[i], "type").String(); got != name {
			t.Errorf("event %d = %s, want %s", i, got, name)
		}
	}

	if gjson.Get(out[0], "response.status").String() != "in_progress" {
		t.Errorf("created event = %s", out[0])
	}
	if gjson.Get(out[1], "delta").String() != "Hel" {
		t.Errorf("first delta = %s", out[1])
	}
	if gjson.Get(out[3], "text").String() != "Hello" {
		t.Errorf("done text = %s", out[3])
	}

	resp := gjson.Get(out[4], "response")
	if resp.Get("status").String() != "completed" {
		t.Errorf("final status = %s", resp.Raw)
	}
	msg := resp.Get("output.0")
	if msg.Get("type").String() != "message" || msg.Get("content.0.text").String() != "Hello" {
		t.Errorf("output message = %s", msg.Raw)
	}
	if resp.Get("usage.total_tokens").Int() != 8 {
		t.Errorf("usage = %s", resp.Get("usage").Raw)
	}
}

func TestConvertKiroResponseToOpenAIResponses_ToolCallsSurfaceAtCompletion(t *testing.T) {
	out := streamAll(t,
		`{"toolUseId":"call_1","name":"lookup","input":"{\"q\":"}`,
		`{"toolUseId":"call_1","name":"lookup","input":"\"x\"}","stop":true}`,
		`[DONE]`,
	)
	// Tool fragments accumulate silently: created, then completed.
	if len(out) != 2 {
		t.Fatalf("events = %d, want 2: %v", len(out), out)
	}
	if gjson.Get(out[0], "type").String() != "response.created" {
		t.Errorf("first event = %s", out[0])
	}

	resp := gjson.Get(out[1], "response")
	call := resp.Get("output.0")
	if call.Get("type").String() != "function_call" {
		t.Fatalf("output = %s", resp.Get("output").Raw)
	}
	if call.Get("call_id").String() != "call_1" || call.Get("name").String() != "lookup" {
		t.Errorf("function call = %s", call.Raw)
	}
	if call.Get("arguments").String() != `{"q":"x"}` {
		t.Errorf("arguments = %q", call.Get("arguments").String())
	}
	if call.Get("status").String() != "completed" {
		t.Errorf("call status = %s", call.Raw)
	}
}

func TestConvertKiroResponseToOpenAIResponses_EmptyStream(t *testing.T) {
	out := streamAll(t, `[DONE]`)
	if len(out) != 2 {
		t.Fatalf("events = %v", out)
	}
	if gjson.Get(out[0], "type").String() != "response.created" {
		t.Errorf("first = %s", out[0])
	}
	resp := gjson.Get(out[1], "response")
	if resp.Get("output").Raw != "[]" {
		t.Errorf("output = %s", resp.Get("output").Raw)
	}
}

func TestConvertKiroResponseToOpenAIResponsesNonStream(t *testing.T) {
	aggregate := `{"content":"done","toolUses":[{"id":"call_1","name":"lookup","input":{"q":"x"}}],"stopReason":"tool_use","usage":{"input_tokens":4,"output_tokens":3}}`
	var param any
	out := ConvertKiroResponseToOpenAIResponsesNonStream(context.Background(), "claude-sonnet-4", nil, nil, []byte(aggregate), &param)
	root := gjson.Parse(out)

	if root.Get("object").String() != "response" || root.Get("status").String() != "completed" {
		t.Errorf("envelope = %s", out)
	}
	if root.Get("output.0.content.0.text").String() != "done" {
		t.Errorf("message = %s", root.Get("output.0").Raw)
	}
	call := root.Get("output.1")
	if call.Get("type").String() != "function_call" || call.Get("arguments").String() != `{"q":"x"}` {
		t.Errorf("function call = %s", call.Raw)
	}
	if root.Get("usage.total_tokens").Int() != 7 {
		t.Errorf("usage = %s", root.Get("usage").Raw)
	}
}
