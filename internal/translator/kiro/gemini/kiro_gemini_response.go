package gemini

import (
	"bytes"
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/blime4/KiroProxy/internal/eventstream"
)

var doneTag = []byte("[DONE]")

// convertKiroResponseToGeminiParams carries per-stream encoder state.
type convertKiroResponseToGeminiParams struct {
	assembler    *eventstream.ToolAssembler
	inputTokens  int64
	outputTokens int64
}

// ConvertKiroResponseToGemini converts upstream stream events into Gemini
// streamGenerateContent chunks. Returned strings are bare JSON; the handler
// frames them as data: lines. Text arrives as incremental candidate parts;
// tool calls are assembled across fragments and emitted as a functionCall
// part when complete. The [DONE] sentinel yields the terminal chunk with
// finishReason and usageMetadata.
func ConvertKiroResponseToGemini(_ context.Context, modelName string, _, _, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &convertKiroResponseToGeminiParams{
			assembler: &eventstream.ToolAssembler{},
		}
	}
	p := (*param).(*convertKiroResponseToGeminiParams)

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
		part, _ := sjson.Set(`{"text":""}`, "text", ev.Content)
		return []string{chunkWithPart(modelName, part, "")}

	case eventstream.KindToolUse:
		use := p.assembler.Add(ev)
		if use == nil {
			return nil
		}
		fc := `{"functionCall":{"name":"","args":{}}}`
		fc, _ = sjson.Set(fc, "functionCall.name", use.Name)
		if use.Input != "" && gjson.Valid(use.Input) {
			fc, _ = sjson.SetRaw(fc, "functionCall.args", use.Input)
		}
		return []string{chunkWithPart(modelName, fc, "")}
	}
	return nil
}

func (p *convertKiroResponseToGeminiParams) finishChunk(modelName string) string {
	// Gemini reports STOP for function-call replies too.
	chunk := chunkWithPart(modelName, "", "STOP")
	chunk, _ = sjson.Set(chunk, "usageMetadata.promptTokenCount", p.inputTokens)
	chunk, _ = sjson.Set(chunk, "usageMetadata.candidatesTokenCount", p.outputTokens)
	chunk, _ = sjson.Set(chunk, "usageMetadata.totalTokenCount", p.inputTokens+p.outputTokens)
	return chunk
}

// chunkWithPart builds a single-candidate chunk. part is a pre-serialized
// part object, empty for the terminal chunk.
func chunkWithPart(modelName, part, finishReason string) string {
	chunk := `{"candidates":[{"content":{"parts":[],"role":"model"},"index":0}],"modelVersion":""}`
	chunk, _ = sjson.Set(chunk, "modelVersion", modelName)
	if part != "" {
		chunk, _ = sjson.SetRaw(chunk, "candidates.0.content.parts.-1", part)
	}
	if finishReason != "" {
		chunk, _ = sjson.Set(chunk, "candidates.0.finishReason", finishReason)
	}
	return chunk
}

// ConvertKiroResponseToGeminiNonStream converts the aggregated upstream
// response into a single generateContent body.
func ConvertKiroResponseToGeminiNonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"candidates":[{"content":{"parts":[],"role":"model"},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":0,"candidatesTokenCount":0,"totalTokenCount":0},"modelVersion":""}`
	out, _ = sjson.Set(out, "modelVersion", modelName)

	if text := root.Get("content").String(); text != "" {
		part, _ := sjson.Set(`{"text":""}`, "text", text)
		out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
	}
	for _, use := range root.Get("toolUses").Array() {
		fc := `{"functionCall":{"name":"","args":{}}}`
		fc, _ = sjson.Set(fc, "functionCall.name", use.Get("name").String())
		if input := use.Get("input"); input.Exists() && input.IsObject() {
			fc, _ = sjson.SetRaw(fc, "functionCall.args", input.Raw)
		}
		out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", fc)
	}
	if len(gjson.Get(out, "candidates.0.content.parts").Array()) == 0 {
		part := `{"text":""}`
		out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
	}

	inputTokens := root.Get("usage.input_tokens").Int()
	outputTokens := root.Get("usage.output_tokens").Int()
	out, _ = sjson.Set(out, "usageMetadata.promptTokenCount", inputTokens)
	out, _ = sjson.Set(out, "usageMetadata.candidatesTokenCount", outputTokens)
	out, _ = sjson.Set(out, "usageMetadata.totalTokenCount", inputTokens+outputTokens)
	return out
}
