// Package responses provides request and response translation between the
// OpenAI Responses dialect and the upstream Kiro wire format.
package responses

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/blime4/KiroProxy/internal/kiro"
	"github.com/blime4/KiroProxy/internal/registry"
)

var dataURIPattern = regexp.MustCompile(`^data:image/(\w+);base64,(.+)$`)

// ConvertOpenAIResponsesRequestToKiro converts a Responses API request into
// the upstream conversationState body. The input field may be a bare string
// or an item list mixing messages, function_call records, and
// function_call_output records; instructions become the system prompt.
func ConvertOpenAIResponsesRequestToKiro(modelName string, inputRawJSON []byte, _ bool) []byte {
	root := gjson.ParseBytes(inputRawJSON)
	upstreamModel := registry.UpstreamModelID(modelName)

	systemText := root.Get("instructions").String()

	var historyTurns []string
	var currentContent string
	var currentToolResults string
	var currentImages string

	appendUserTurn := func(text, toolResults, images string) {
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
	flushCurrent := func() {
		if currentContent == "" && currentToolResults == "" && currentImages == "" {
			return
		}
		appendUserTurn(currentContent, currentToolResults, currentImages)
		currentContent, currentToolResults, currentImages = "", "", ""
	}

	input := root.Get("input")
	if input.Type == gjson.String {
		currentContent = input.String()
	} else if input.IsArray() {
		for _, item := range input.Array() {
			switch item.Get("type").String() {
			case "function_call":
				// A historical assistant tool call; the preceding user text
				// moves into history ahead of it.
				flushCurrent()
				use := `{"toolUseId":"","name":"","input":{}}`
				use, _ = sjson.Set(use, "toolUseId", item.Get("call_id").String())
				use, _ = sjson.Set(use, "name", item.Get("name").String())
				if args := item.Get("arguments").String(); args != "" && gjson.Valid(args) {
					use, _ = sjson.SetRaw(use, "input", args)
				}
				turn := `{"assistantResponseMessage":{"content":"","toolUses":[]}}`
				turn, _ = sjson.SetRaw(turn, "assistantResponseMessage.toolUses.-1", use)
				historyTurns = append(historyTurns, turn)
			case "function_call_output":
				tr := `{"content":[{"text":""}],"status":"success","toolUseId":""}`
				tr, _ = sjson.Set(tr, "content.0.text", item.Get("output").String())
				tr, _ = sjson.Set(tr, "toolUseId", item.Get("call_id").String())
				if currentToolResults == "" {
					currentToolResults = "[]"
				}
				currentToolResults, _ = sjson.SetRaw(currentToolResults, "-1", tr)
			default:
				role := item.Get("role").String()
				text, images := itemContent(item.Get("content"))
				switch role {
				case "system", "developer":
					if text != "" {
						if systemText != "" {
							systemText += "\n"
						}
						systemText += text
					}
				case "assistant":
					flushCurrent()
					turn := `{"assistantResponseMessage":{"content":"","toolUses":[]}}`
					turn, _ = sjson.Set(turn, "assistantResponseMessage.content", text)
					historyTurns = append(historyTurns, turn)
				default: // user
					flushCurrent()
					currentContent = text
					currentImages = images
				}
			}
		}
	}

	if systemText != "" {
		// The system prompt rides on the conversation's first user turn.
		attached := false
		for i, turn := range historyTurns {
			if gjson.Get(turn, "userInputMessage").Exists() {
				joined := systemText
				if text := gjson.Get(turn, "userInputMessage.content").String(); text != "" && text != "Continue" {
					joined = systemText + "\n\n" + text
				}
				historyTurns[i], _ = sjson.Set(turn, "userInputMessage.content", joined)
				attached = true
				break
			}
		}
		if !attached {
			if currentContent == "" {
				currentContent = systemText
			} else {
				currentContent = systemText + "\n\n" + currentContent
			}
		}
	}

	historyTurns = kiro.AlternateHistory(historyTurns, upstreamModel, kiro.DefaultOrigin)

	env := kiro.Envelope{
		ConversationID: kiro.SessionFingerprint(inputRawJSON),
		Content:        currentContent,
		ModelID:        upstreamModel,
		Origin:         kiro.DefaultOrigin,
		HistoryRaw:     kiro.JoinTurns(historyTurns),
		ToolsRaw:       responsesToolSpecs(root.Get("tools")),
		ToolResultsRaw: []byte(currentToolResults),
		ImagesRaw:      []byte(currentImages),
	}
	return kiro.BuildRequest(env)
}

// itemContent flattens a Responses message content field, which may be a
// string or a list of input_text / output_text / input_image blocks.
func itemContent(content gjson.Result) (text, images string) {
	if content.Type == gjson.String {
		return content.String(), ""
	}
	if !content.IsArray() {
		return "", ""
	}
	var parts []string
	imgs := ""
	for _, block := range content.Array() {
		if block.Type == gjson.String {
			parts = append(parts, block.String())
			continue
		}
		switch block.Get("type").String() {
		case "input_text", "output_text", "text":
			parts = append(parts, block.Get("text").String())
		case "input_image":
			m := dataURIPattern.FindStringSubmatch(block.Get("image_url").String())
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

// responsesToolSpecs re-keys Responses function tools, which carry name and
// parameters at the top level, into toolSpecification wrappers.
func responsesToolSpecs(tools gjson.Result) []byte {
	if !tools.Exists() || !tools.IsArray() {
		return nil
	}
	out := "[]"
	for _, tool := range tools.Array() {
		if t := tool.Get("type").String(); t != "" && t != "function" {
			continue
		}
		fn := tool
		if nested := tool.Get("function"); nested.Exists() {
			fn = nested
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
