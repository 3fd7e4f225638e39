// Package claude provides request and response translation between the
// Anthropic Messages dialect and the upstream Kiro wire format. Requests are
// normalized into a conversationState envelope; upstream events are encoded
// back into Anthropic SSE events or a single message body.
package claude

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/blime4/KiroProxy/internal/kiro"
	"github.com/blime4/KiroProxy/internal/registry"
)

// ConvertClaudeRequestToKiro converts an Anthropic Messages request into the
// upstream conversationState body. The final user message becomes the
// current message; everything before it becomes alternating history turns.
// Tool results in the final user message attach to the current message
// context; earlier ones attach to their own history turn.
func ConvertClaudeRequestToKiro(modelName string, inputRawJSON []byte, _ bool) []byte {
	root := gjson.ParseBytes(inputRawJSON)
	upstreamModel := registry.UpstreamModelID(modelName)

	systemText := systemTextFrom(root.Get("system"))

	var historyTurns []string
	var currentContent string
	var currentToolResults string
	var currentImages string

	messages := root.Get("messages").Array()
	for i, msg := range messages {
		isLast := i == len(messages)-1
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "assistant":
			text, toolUses := assistantParts(content)
			turn := `{"assistantResponseMessage":{"content":"","toolUses":[]}}`
			turn, _ = sjson.Set(turn, "assistantResponseMessage.content", text)
			if toolUses != "" {
				turn, _ = sjson.SetRaw(turn, "assistantResponseMessage.toolUses", toolUses)
			}
			historyTurns = append(historyTurns, turn)
		default: // user
			text, toolResults, images := userParts(content)
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
	}

	historyTurns = kiro.AlternateHistory(historyTurns, upstreamModel, kiro.DefaultOrigin)

	env := kiro.Envelope{
		ConversationID: kiro.SessionFingerprint(inputRawJSON),
		Content:        currentContent,
		ModelID:        upstreamModel,
		Origin:         kiro.DefaultOrigin,
		HistoryRaw:     kiro.JoinTurns(historyTurns),
		ToolsRaw:       claudeToolSpecs(root.Get("tools")),
		ToolResultsRaw: []byte(currentToolResults),
		ImagesRaw:      []byte(currentImages),
	}
	return kiro.BuildRequest(env)
}

// systemTextFrom flattens the Anthropic system field, which may be a plain
// string or a list of text blocks.
func systemTextFrom(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return system.String()
	}
	if system.IsArray() {
		var parts []string
		for _, block := range system.Array() {
			if block.Type == gjson.String {
				parts = append(parts, block.String())
				continue
			}
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}
	return ""
}

// userParts normalizes a user message's content into text, kiro tool results
// JSON, and kiro image records JSON. content may be a bare string or a block
// list.
func userParts(content gjson.Result) (text, toolResults, images string) {
	if content.Type == gjson.String {
		return content.String(), "", ""
	}
	if !content.IsArray() {
		return "", "", ""
	}
	var textParts []string
	results := ""
	imgs := ""
	for _, block := range content.Array() {
		if block.Type == gjson.String {
			textParts = append(textParts, block.String())
			continue
		}
		switch block.Get("type").String() {
		case "text":
			textParts = append(textParts, block.Get("text").String())
		case "tool_result":
			tr := `{"content":[{"text":""}],"status":"success","toolUseId":""}`
			tr, _ = sjson.Set(tr, "content.0.text", toolResultText(block.Get("content")))
			tr, _ = sjson.Set(tr, "toolUseId", block.Get("tool_use_id").String())
			if block.Get("is_error").Bool() {
				tr, _ = sjson.Set(tr, "status", "error")
			}
			if results == "" {
				results = "[]"
			}
			results, _ = sjson.SetRaw(results, "-1", tr)
		case "image":
			source := block.Get("source")
			data := source.Get("data").String()
			if data == "" {
				continue
			}
			rec := `{"format":"","source":{"bytes":""}}`
			rec, _ = sjson.Set(rec, "format", imageFormat(source.Get("media_type").String()))
			rec, _ = sjson.Set(rec, "source.bytes", data)
			if imgs == "" {
				imgs = "[]"
			}
			imgs, _ = sjson.SetRaw(imgs, "-1", rec)
		}
	}
	return strings.Join(textParts, "\n"), results, imgs
}

// assistantParts splits an assistant message into its text and the kiro
// toolUses array JSON.
func assistantParts(content gjson.Result) (text, toolUses string) {
	if content.Type == gjson.String {
		return content.String(), ""
	}
	if !content.IsArray() {
		return "", ""
	}
	var textParts []string
	uses := ""
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			textParts = append(textParts, block.Get("text").String())
		case "tool_use":
			use := `{"toolUseId":"","name":"","input":{}}`
			use, _ = sjson.Set(use, "toolUseId", block.Get("id").String())
			use, _ = sjson.Set(use, "name", block.Get("name").String())
			if input := block.Get("input"); input.Exists() && input.IsObject() {
				use, _ = sjson.SetRaw(use, "input", input.Raw)
			}
			if uses == "" {
				uses = "[]"
			}
			uses, _ = sjson.SetRaw(uses, "-1", use)
		}
	}
	return strings.Join(textParts, "\n"), uses
}

// toolResultText flattens a tool_result content field, which may be a string
// or a list of text blocks.
func toolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		for _, block := range content.Array() {
			if block.Type == gjson.String {
				parts = append(parts, block.String())
				continue
			}
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
		}
		return strings.Join(parts, "\n")
	}
	return content.Raw
}

// claudeToolSpecs re-keys Anthropic tool definitions into the upstream
// toolSpecification wrapper.
func claudeToolSpecs(tools gjson.Result) []byte {
	if !tools.Exists() || !tools.IsArray() {
		return nil
	}
	out := "[]"
	for _, tool := range tools.Array() {
		spec := `{"toolSpecification":{"name":"","description":"","inputSchema":{"json":{}}}}`
		spec, _ = sjson.Set(spec, "toolSpecification.name", tool.Get("name").String())
		spec, _ = sjson.Set(spec, "toolSpecification.description", tool.Get("description").String())
		if schema := tool.Get("input_schema"); schema.Exists() && schema.IsObject() {
			spec, _ = sjson.SetRaw(spec, "toolSpecification.inputSchema.json", schema.Raw)
		}
		out, _ = sjson.SetRaw(out, "-1", spec)
	}
	if out == "[]" {
		return nil
	}
	return []byte(out)
}

// imageFormat extracts the upstream image format tag from a media type such
// as image/png.
func imageFormat(mediaType string) string {
	for _, fmtName := range []string{"png", "gif", "webp"} {
		if strings.Contains(mediaType, fmtName) {
			return fmtName
		}
	}
	return "jpeg"
}
