// Package constant defines dialect and provider name constants used
// throughout the proxy, ensuring consistent naming across the application.
package constant

const (
	// Claude represents the Anthropic Messages dialect identifier.
	Claude = "claude"

	// OpenAI represents the OpenAI Chat Completions dialect identifier.
	OpenAI = "openai"

	// OpenAIResponse represents the OpenAI Responses dialect identifier.
	OpenAIResponse = "openai-response"

	// Gemini represents the Google Gemini dialect identifier.
	Gemini = "gemini"

	// Kiro represents the upstream Kiro (CodeWhisperer) wire format identifier.
	Kiro = "kiro"
)
