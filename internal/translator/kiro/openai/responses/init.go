package responses

import (
	"github.com/blime4/KiroProxy/internal/translator"
)

func init() {
	translator.Register(
		translator.OpenAIResponse, translator.Kiro,
		ConvertOpenAIResponsesRequestToKiro,
		translator.ResponseTransform{
			Stream:    ConvertKiroResponseToOpenAIResponses,
			NonStream: ConvertKiroResponseToOpenAIResponsesNonStream,
		},
	)
}
