package claude

import (
	"github.com/blime4/KiroProxy/internal/translator"
)

func init() {
	translator.Register(
		translator.Claude, translator.Kiro,
		ConvertClaudeRequestToKiro,
		translator.ResponseTransform{
			Stream:    ConvertKiroResponseToClaude,
			NonStream: ConvertKiroResponseToClaudeNonStream,
		},
	)
}
