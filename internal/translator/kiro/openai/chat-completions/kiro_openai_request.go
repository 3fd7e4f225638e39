// Package chat_completions provides request and response translation between
// the OpenAI Chat Completions dialect and the upstream Kiro wire format.
package chat_completions

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/blime4/KiroProxy/internal/kiro"
	"github.com/blime4/KiroProxy/internal/registry"
)

// dataURIPattern matches base64 data URIs in OpenAI image_url blocks.
var dataURIPattern = regexp.MustCompile(`^data:image/(\w+);base64,(.+)$`)

// normalizedTurn is one conversation turn after dialect normalization.
type normalizedTurn struct {
	user        bool
	text        string
	toolResults string // JSON array in kiro shape
	toolUses    string // JSON array in kiro shape
	images      string // JSON array in kiro shape
}

// ConvertOpenAIRequestToKiro converts an OpenAI Chat Completions request
// into the upstream conversationState body. System and developer messages
// are concatenated and prepended to the first user turn; tool role messages
// fold into the following user turn's tool results.
func ConvertOpenAIRequestToKiro(modelName string, inputRawJSON []byte, _ bool) []byte {
	root := gjson.ParseBytes(inputRawJSON)
	upstreamModel := registry.UpstreamModelID(modelName)

	var systemParts []string
	var turns []normalizedTurn

	for _, msg := range root.Get("messages").Array() {
		role := msg.Get("role").String()
		switch role {
		case "system", "developer":
			if text := flattenContent(msg.Get("content")); text != "" {
				systemParts = append(systemParts, text)
			}
		case "assistant":
			turns = append(turns, normalizedTurn{
				text:     flattenContent(msg.Get("content")),
				toolUses: openAIToolUses(msg.Get("tool_calls")),
			})
		case "tool":
			tr := `{"content":[{"text":""}],"status":"success","toolUseId":""}`
			tr, _ = sjson.Set(tr, "content.0.text", flattenContent(msg.Get("content")))
			tr, _ = sjson.Set(tr, "toolUseId", msg.Get("tool_call_id").String())
			// Consecutive tool results share one user turn.
			if n := len(turns); n > 0 && turns[n-1].user && turns[n-1].toolResults != "" {
				turns[n-1].toolResults, _ = sjson.SetRaw(turns[n-1].toolResults, "-1", tr)
			} else {
				results, _ := sjson.SetRaw("[]", "-1", tr)
				turns = append(turns, normalizedTurn{user: true, toolResults: results})
			}
		default: // user
			text, images := userContent(msg.Get("content"))
			turns = append(turns, normalizedTurn{user: true, text: text, images: images})
		}
	}

	systemText := strings.Join(systemParts, "\n")
	return buildFromTurns(inputRawJSON, upstreamModel, systemText, turns, openAIToolSpecs(root.Get("tools")))
}

// buildFromTurns serializes normalized turns into the conversationState
// envelope. The trailing user turn becomes the current message; the rest
// become history. Shared by the Chat Completions and Responses converters.
func buildFromTurns(inputRawJSON []byte, upstreamModel, systemText string, turns []normalizedTurn, toolsRaw []byte) []byte {
	var current normalizedTurn
	if n := len(turns); n > 0 && turns[n-1].user {
		current = turns[n-1]
		turns = turns[:n-1]
	} else {
		current = normalizedTurn{user: true}
	}

	if systemText != "" {
		// The system prompt rides on the conversation's first user turn.
		attached := false
		for i := range turns {
			if turns[i].user {
				turns[i].text = joinPrompt(systemText, turns[i].text)
				attached = true
				break
			}
		}
		if !attached {
			current.text = joinPrompt(systemText, current.text)
		}
	}

	var historyTurns []string
	for _, t := range turns {
		historyTurns = append(historyTurns, serializeTurn(t, upstreamModel))
	}
	historyTurns = kiro.AlternateHistory(historyTurns, upstreamModel, kiro.DefaultOrigin)

	env := kiro.Envelope{
		ConversationID: kiro.SessionFingerprint(inputRawJSON),
		Content:        current.text,
		ModelID:        upstreamModel,
		Origin:         kiro.DefaultOrigin,
		HistoryRaw:     kiro.JoinTurns(historyTurns),
		ToolsRaw:       toolsRaw,
		ToolResultsRaw: []byte(current.toolResults),
		ImagesRaw:      []byte(current.images),
	}
	return kiro.BuildRequest(env)
}

func serializeTurn(t normalizedTurn, upstreamModel string) string {
	if t.user {
		turn := `{"userInputMessage":{"content":"","modelId":"","origin":""}}`
		text := t.text
		if text == "" {
			text = "Continue"
		}
		turn, _ = sjson.Set(turn, "userInputMessage.content", text)
		turn, _ = sjson.Set(turn, "userInputMessage.modelId", upstreamModel)
		turn, _ = sjson.Set(turn, "userInputMessage.origin", kiro.DefaultOrigin)
		if t.toolResults != "" {
			turn, _ = sjson.SetRaw(turn, "userInputMessage.userInputMessageContext.toolResults", t.toolResults)
		}
		if t.images != "" {
			turn, _ = sjson.SetRaw(turn, "userInputMessage.images", t.images)
		}
		return turn
	}
	turn := `{"assistantResponseMessage":{"content":"","toolUses":[]}}`
	turn, _ = sjson.Set(turn, "assistantResponseMessage.content", t.text)
	if t.toolUses != "" {
		turn, _ = sjson.SetRaw(turn, "assistantResponseMessage.toolUses", t.toolUses)
	}
	return turn
}

func joinPrompt(system, text string) string {
	if text == "" {
		return system
	}
	return system + "\n\n" + text
}

// flattenContent reduces a string-or-list content field to plain text.
func flattenContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	for _, block := range content.Array() {
		if block.Type == gjson.String {
			parts = append(parts, block.String())
			continue
		}
		if t := block.Get("type").String(); t == "text" || t == "input_text" || t == "output_text" {
			parts = append(parts, block.Get("text").String())
		}
	}
	return strings.Join(parts, "\n")
}

// userContent extracts text and image records from a user message.
func userContent(content gjson.Result) (text, images string) {
	if content.Type == gjson.String {
		return content.String(), ""
	}
	if !content.IsArray() {
		return "", ""
	}
	var parts []string
	imgs := ""
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, block.Get("text").String())
		case "image_url":
			url := block.Get("image_url.url").String()
			m := dataURIPattern.FindStringSubmatch(url)
			if m == nil {
				continue
			}
			rec := `{"format":"","source":{"bytes":""}}`
			rec, _ = sjson.Set(rec, "format", m[1])
			rec, _ = sjson.Set(rec, "source.bytes", m[2])
			if imgs == "" {
				imgs = "[]"
			}
			imgs, _ = sjson.SetRaw(imgs, "-1", rec)
		}
	}
	return strings.Join(parts, "\n"), imgs
}

// openAIToolUses converts assistant tool_calls into the kiro toolUses array.
func openAIToolUses(toolCalls gjson.Result) string {
	if !toolCalls.Exists() || !toolCalls.IsArray() {
		return ""
	}
	out := "[]"
	for _, call := range toolCalls.Array() {
		use := `{"toolUseId":"","name":"","input":{}}`
		use, _ = sjson.Set(use, "toolUseId", call.Get("id").String())
		use, _ = sjson.Set(use, "name", call.Get("function.name").String())
		if args := call.Get("function.arguments").String(); args != "" && gjson.Valid(args) {
			use, _ = sjson.SetRaw(use, "input", args)
		}
		out, _ = sjson.SetRaw(out, "-1", use)
	}
	if out == "[]" {
		return ""
	}
	return out
}

// openAIToolSpecs re-keys OpenAI function tools into toolSpecification
// wrappers.
func openAIToolSpecs(tools gjson.Result) []byte {
	if !tools.Exists() || !tools.IsArray() {
		return nil
	}
	out := "[]"
	for _, tool := range tools.Array() {
		fn := tool.Get("function")
		if !fn.Exists() {
			fn = tool
		}
		spec := `{"toolSpecification":{"name":"","description":"","inputSchema":{"json":{}}}}`
		spec, _ = sjson.Set(spec, "toolSpecification.name", fn.Get("name").String())
		spec, _ = sjson.Set(spec, "toolSpecification.description", fn.Get("description").String())
		if params := fn.Get("parameters"); params.Exists() && params.IsObject() {
			spec, _ = sjson.SetRaw(spec, "toolSpecification.inputSchema.json", params.Raw)
		}
		out, _ = sjson.SetRaw(out, "-1", spec)
	}
	if out == "[]" {
		return nil
	}
	return []byte(out)
}
