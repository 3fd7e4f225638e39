// Package gemini provides request and response translation between the
// Gemini generateContent dialect and the upstream Kiro wire format.
package gemini

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/blime4/KiroProxy/internal/kiro"
	"github.com/blime4/KiroProxy/internal/registry"
)

// ConvertGeminiRequestToKiro converts a Gemini generateContent request into
// the upstream conversationState body. The contents array alternates user and
// model roles; systemInstruction parts become the system prompt; functionCall
// and functionResponse parts map onto toolUses and toolResults.
func ConvertGeminiRequestToKiro(modelName string, inputRawJSON []byte, _ bool) []byte {
	root := gjson.ParseBytes(inputRawJSON)
	upstreamModel := registry.UpstreamModelID(modelName)

	systemText := systemInstructionText(root)

	var historyTurns []string
	var currentContent string
	var currentToolResults string
	var currentImages string

	contents := root.Get("contents").Array()
	for i, content := range contents {
		isLast := i == len(contents)-1
		role := content.Get("role").String()

		if role == "model" {
			text, toolUses := modelParts(content.Get("parts"))
			turn := `{"assistantResponseMessage":{"content":"","toolUses":[]}}`
			turn, _ = sjson.Set(turn, "assistantResponseMessage.content", text)
			if toolUses != "" {
				turn, _ = sjson.SetRaw(turn, "assistantResponseMessage.toolUses", toolUses)
			}
			historyTurns = append(historyTurns, turn)
			continue
		}

		text, toolResults, images := userPartsFrom(content.Get("parts"))
		if systemText != "" {
			// The system prompt rides on the conversation's first user turn.
			if text == "" {
				text = systemText
			} else {
				text = systemText + "\n\n" + text
			}
			systemText = ""
		}
		if isLast {
			currentContent = text
			currentToolResults = toolResults
			currentImages = images
			continue
		}
		turn := `{"userInputMessage":{"content":"","modelId":"","origin":""}}`
		if text == "" {
			text = "Continue"
		}
		turn, _ = sjson.Set(turn, "userInputMessage.content", text)
		turn, _ = sjson.Set(turn, "userInputMessage.modelId", upstreamModel)
		turn, _ = sjson.Set(turn, "userInputMessage.origin", kiro.DefaultOrigin)
		if toolResults != "" {
			turn, _ = sjson.SetRaw(turn, "userInputMessage.userInputMessageContext.toolResults", toolResults)
		}
		if images != "" {
			turn, _ = sjson.SetRaw(turn, "userInputMessage.images", images)
		}
		historyTurns = append(historyTurns, turn)
	}

	historyTurns = kiro.AlternateHistory(historyTurns, upstreamModel, kiro.DefaultOrigin)

	env := kiro.Envelope{
		ConversationID: kiro.SessionFingerprint(inputRawJSON),
		Content:        currentContent,
		ModelID:        upstreamModel,
		Origin:         kiro.DefaultOrigin,
		HistoryRaw:     kiro.JoinTurns(historyTurns),
		ToolsRaw:       geminiToolSpecs(root.Get("tools")),
		ToolResultsRaw: []byte(currentToolResults),
		ImagesRaw:      []byte(currentImages),
	}
	return kiro.BuildRequest(env)
}

// systemInstructionText flattens systemInstruction (or system_instruction)
// parts into plain text.
func systemInstructionText(root gjson.Result) string {
	instruction := root.Get("systemInstruction")
	if !instruction.Exists() {
		instruction = root.Get("system_instruction")
	}
	if !instruction.Exists() {
		return ""
	}
	if instruction.Type == gjson.String {
		return instruction.String()
	}
	var parts []string
	for _, part := range instruction.Get("parts").Array() {
		if text := part.Get("text").String(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// userPartsFrom normalizes a user content's parts into text, kiro tool
// results JSON, and kiro image records JSON.
func userPartsFrom(parts gjson.Result) (text, toolResults, images string) {
	var textParts []string
	results := ""
	imgs := ""
	for _, part := range parts.Array() {
		switch {
		case part.Get("text").Exists():
			textParts = append(textParts, part.Get("text").String())
		case part.Get("functionResponse").Exists():
			fr := part.Get("functionResponse")
			tr := `{"content":[{"text":""}],"status":"success","toolUseId":""}`
			response := fr.Get("response")
			if inner := response.Get("content"); inner.Exists() && inner.Type == gjson.String {
				tr, _ = sjson.Set(tr, "content.0.text", inner.String())
			} else {
				tr, _ = sjson.Set(tr, "content.0.text", response.Raw)
			}
			// Gemini keys function responses by name; the id falls back to it.
			id := fr.Get("id").String()
			if id == "" {
				id = fr.Get("name").String()
			}
			tr, _ = sjson.Set(tr, "toolUseId", id)
			if results == "" {
				results = "[]"
			}
			results, _ = sjson.SetRaw(results, "-1", tr)
		case part.Get("inlineData").Exists():
			data := part.Get("inlineData")
			bytesB64 := data.Get("data").String()
			if bytesB64 == "" {
				continue
			}
			rec := `{"format":"","source":{"bytes":""}}`
			rec, _ = sjson.Set(rec, "format", imageFormat(data.Get("mimeType").String()))
			rec, _ = sjson.Set(rec, "source.bytes", bytesB64)
			if imgs == "" {
				imgs = "[]"
			}
			imgs, _ = sjson.SetRaw(imgs, "-1", rec)
		}
	}
	return strings.Join(textParts, "\n"), results, imgs
}

// modelParts splits a model content's parts into text and the kiro toolUses
// array JSON.
func modelParts(parts gjson.Result) (text, toolUses string) {
	var textParts []string
	uses := ""
	for _, part := range parts.Array() {
		switch {
		case part.Get("text").Exists():
			textParts = append(textParts, part.Get("text").String())
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			use := `{"toolUseId":"","name":"","input":{}}`
			id := fc.Get("id").String()
			if id == "" {
				id = fc.Get("name").String()
			}
			use, _ = sjson.Set(use, "toolUseId", id)
			use, _ = sjson.Set(use, "name", fc.Get("name").String())
			if args := fc.Get("args"); args.Exists() && args.IsObject() {
				use, _ = sjson.SetRaw(use, "input", args.Raw)
			}
			if uses == "" {
				uses = "[]"
			}
			uses, _ = sjson.SetRaw(uses, "-1", use)
		}
	}
	return strings.Join(textParts, "\n"), uses
}

// geminiToolSpecs re-keys Gemini functionDeclarations into toolSpecification
// wrappers.
func geminiToolSpecs(tools gjson.Result) []byte {
	if !tools.Exists() || !tools.IsArray() {
		return nil
	}
	out := "[]"
	for _, tool := range tools.Array() {
		for _, fn := range tool.Get("functionDeclarations").Array() {
			spec := `{"toolSpecification":{"name":"","description":"","inputSchema":{"json":{}}}}`
			spec, _ = sjson.Set(spec, "toolSpecification.name", fn.Get("name").String())
			spec, _ = sjson.Set(spec, "toolSpecification.description", fn.Get("description").String())
			if params := fn.Get("parameters"); params.Exists() && params.IsObject() {
				spec, _ = sjson.SetRaw(spec, "toolSpecification.inputSchema.json", params.Raw)
			}
			out, _ = sjson.SetRaw(out, "-1", spec)
		}
	}
	if out == "[]" {
		return nil
	}
	return []byte(out)
}

// imageFormat extracts the upstream image format tag from a mime type such as
// image/png.
func imageFormat(mimeType string) string {
	for _, fmtName := range []string{"png", "gif", "webp"} {
		if strings.Contains(mimeType, fmtName) {
			return fmtName
		}
	}
	return "jpeg"
}
