package responses

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/blime4/KiroProxy/internal/eventstream"
)

var doneTag = []byte("[DONE]")

// streamToolCall accumulates one upstream tool call across fragments.
type streamToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

// convertKiroResponseToOpenAIResponsesParams carries per-stream encoder state.
type convertKiroResponseToOpenAIResponsesParams struct {
	responseID   string
	createdAt    int64
	started      bool
	text         strings.Builder
	toolOrder    []string
	toolByID     map[string]*streamToolCall
	inputTokens  int64
	outputTokens int64
}

// ConvertKiroResponseToOpenAIResponses converts upstream stream events into
// Responses API events. Returned strings are bare JSON; the handler frames
// them as data: lines. The stream opens with response.created, emits
// response.output_text.delta per content event, and closes on [DONE] with
// response.output_text.done followed by response.completed carrying the full
// output and usage.
func ConvertKiroResponseToOpenAIResponses(_ context.Context, modelName string, _, _, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &convertKiroResponseToOpenAIResponsesParams{
			responseID: "resp_" + uuid.NewString(),
			createdAt:  time.Now().Unix(),
			toolByID:   make(map[string]*streamToolCall),
		}
	}
	p := (*param).(*convertKiroResponseToOpenAIResponsesParams)

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
		out = append(out, p.createdEvent(modelName))
	}

	switch ev.Kind {
	case eventstream.KindContent:
		if ev.Content == "" {
			return out
		}
		p.text.WriteString(ev.Content)
		delta := `{"type":"response.output_text.delta","delta":""}`
		delta, _ = sjson.Set(delta, "delta", ev.Content)
		out = append(out, delta)

	case eventstream.KindToolUse:
		if ev.ToolUseID == "" {
			return out
		}
		call, seen := p.toolByID[ev.ToolUseID]
		if !seen {
			call = &streamToolCall{id: ev.ToolUseID, name: ev.Name}
			p.toolByID[ev.ToolUseID] = call
			p.toolOrder = append(p.toolOrder, ev.ToolUseID)
		}
		if call.name == "" {
			call.name = ev.Name
		}
		call.arguments.WriteString(ev.Input)
	}
	return out
}

func (p *convertKiroResponseToOpenAIResponsesParams) createdEvent(modelName string) string {
	ev := `{"type":"response.created","response":{"id":"","object":"response","created_at":0,"status":"in_progress","model":"","output":[]}}`
	ev, _ = sjson.Set(ev, "response.id", p.responseID)
	ev, _ = sjson.Set(ev, "response.created_at", p.createdAt)
	ev, _ = sjson.Set(ev, "response.model", modelName)
	return ev
}

func (p *convertKiroResponseToOpenAIResponsesParams) finish(modelName string) []string {
	var out []string
	if !p.started {
		p.started = true
		out = append(out, p.createdEvent(modelName))
	}
	if p.text.Len() > 0 {
		done := `{"type":"response.output_text.done","text":""}`
		done, _ = sjson.Set(done, "text", p.text.String())
		out = append(out, done)
	}

	response := `{"id":"","object":"response","created_at":0,"status":"completed","model":"","output":[],"usage":{"input_tokens":0,"output_tokens":0,"total_tokens":0}}`
	response, _ = sjson.Set(response, "id", p.responseID)
	response, _ = sjson.Set(response, "created_at", p.createdAt)
	response, _ = sjson.Set(response, "model", modelName)
	if p.text.Len() > 0 {
		response, _ = sjson.SetRaw(response, "output.-1", outputMessage(p.text.String()))
	}
	for _, id := range p.toolOrder {
		call := p.toolByID[id]
		response, _ = sjson.SetRaw(response, "output.-1", outputFunctionCall(call.id, call.name, call.arguments.String()))
	}
	response, _ = sjson.Set(response, "usage.input_tokens", p.inputTokens)
	response, _ = sjson.Set(response, "usage.output_tokens", p.outputTokens)
	response, _ = sjson.Set(response, "usage.total_tokens", p.inputTokens+p.outputTokens)

	completed, _ := sjson.SetRaw(`{"type":"response.completed","response":{}}`, "response", response)
	out = append(out, completed)
	return out
}

func outputMessage(text string) string {
	msg := `{"type":"message","id":"","status":"completed","role":"assistant","content":[{"type":"output_text","text":"","annotations":[]}]}`
	msg, _ = sjson.Set(msg, "id", "msg_"+uuid.NewString())
	msg, _ = sjson.Set(msg, "content.0.text", text)
	return msg
}

func outputFunctionCall(callID, name, arguments string) string {
	if arguments == "" {
		arguments = "{}"
	}
	call := `{"type":"function_call","id":"","call_id":"","name":"","arguments":"","status":"completed"}`
	call, _ = sjson.Set(call, "id", "fc_"+uuid.NewString())
	call, _ = sjson.Set(call, "call_id", callID)
	call, _ = sjson.Set(call, "name", name)
	call, _ = sjson.Set(call, "arguments", arguments)
	return call
}

// ConvertKiroResponseToOpenAIResponsesNonStream converts the aggregated
// upstream response into a single Responses API body.
func ConvertKiroResponseToOpenAIResponsesNonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","object":"response","created_at":0,"status":"completed","model":"","output":[],"usage":{"input_tokens":0,"output_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", "resp_"+uuid.NewString())
	out, _ = sjson.Set(out, "created_at", time.Now().Unix())
	out, _ = sjson.Set(out, "model", modelName)

	if text := root.Get("content").String(); text != "" {
		out, _ = sjson.SetRaw(out, "output.-1", outputMessage(text))
	}
	for _, use := range root.Get("toolUses").Array() {
		arguments := ""
		if input := use.Get("input"); input.Exists() && input.IsObject() {
			arguments = input.Raw
		}
		out, _ = sjson.SetRaw(out, "output.-1", outputFunctionCall(use.Get("id").String(), use.Get("name").String(), arguments))
	}

	inputTokens := root.Get("usage.input_tokens").Int()
	outputTokens := root.Get("usage.output_tokens").Int()
	out, _ = sjson.Set(out, "usage.input_tokens", inputTokens)
	out, _ = sjson.Set(out, "usage.output_tokens", outputTokens)
	out, _ = sjson.Set(out, "usage.total_tokens", inputTokens+outputTokens)
	return out
}
