package chat_completions

import (
	"github.com/blime4/KiroProxy/internal/translator"
)

func init() {
	translator.Register(
		translator.OpenAI, translator.Kiro,
		ConvertOpenAIRequestToKiro,
		translator.ResponseTransform{
			Stream:    ConvertKiroResponseToOpenAI,
			NonStream: ConvertKiroResponseToOpenAINonStream,
		},
	)
}
