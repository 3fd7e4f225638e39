package translator

import "github.com/blime4/KiroProxy/internal/constant"

// Well-known formats served by this proxy.
var (
	// Claude is the Anthropic Messages dialect.
	Claude = Format(constant.Claude)
	// OpenAI is the OpenAI Chat Completions dialect.
	OpenAI = Format(constant.OpenAI)
	// OpenAIResponse is the OpenAI Responses dialect.
	OpenAIResponse = Format(constant.OpenAIResponse)
	// Gemini is the Google generateContent dialect.
	Gemini = Format(constant.Gemini)
	// Kiro is the upstream CodeWhisperer wire format.
	Kiro = Format(constant.Kiro)
)
