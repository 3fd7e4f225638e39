package executor

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"

	"github.com/blime4/KiroProxy/internal/eventstream"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// sharedCodec returns the process-wide token codec. The upstream does not
// report usage, so counts are estimates; cl100k is close enough for the
// Claude family served here.
func sharedCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// countTokens estimates the token count of text, falling back to a bytes/4
// heuristic when the codec is unavailable.
func countTokens(text string) int64 {
	if text == "" {
		return 0
	}
	if c := sharedCodec(); c != nil {
		if n, err := c.Count(text); err == nil {
			return int64(n)
		}
	}
	return int64(len(text)+3) / 4
}

// estimateUsage derives input and output token estimates for one exchange.
// Input counts the text carried by the conversationState body; output counts
// the generated text plus assembled tool arguments.
func estimateUsage(_ string, requestPayload []byte, outputText string, toolUses []*eventstream.ToolUse) (inputTokens, outputTokens int64) {
	inputTokens = countTokens(requestText(requestPayload))

	var out strings.Builder
	out.WriteString(outputText)
	for _, use := range toolUses {
		out.WriteString(use.Name)
		out.WriteString(use.Input)
	}
	outputTokens = countTokens(out.String())
	return inputTokens, outputTokens
}

// requestText collects the user-visible text of a conversationState body:
// the current message, history contents, and tool result texts.
func requestText(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	var parts []string
	add := func(s string) {
		if s != "" {
			parts = append(parts, s)
		}
	}

	state := gjson.GetBytes(payload, "conversationState")
	add(state.Get("currentMessage.userInputMessage.content").String())
	for _, tr := range state.Get("currentMessage.userInputMessage.userInputMessageContext.toolResults").Array() {
		for _, block := range tr.Get("content").Array() {
			add(block.Get("text").String())
		}
	}
	for _, turn := range state.Get("history").Array() {
		add(turn.Get("userInputMessage.content").String())
		add(turn.Get("assistantResponseMessage.content").String())
		for _, use := range turn.Get("assistantResponseMessage.toolUses").Array() {
			add(use.Get("input").Raw)
		}
	}
	return strings.Join(parts, "\n")
}

// CountTokens estimates prompt tokens for a translated payload ahead of any
// upstream call, serving the count-tokens endpoints.
func CountTokens(requestPayload []byte) int64 {
	return countTokens(requestText(requestPayload))
}
