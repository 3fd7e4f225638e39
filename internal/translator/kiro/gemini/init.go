package gemini

import (
	"github.com/blime4/KiroProxy/internal/translator"
)

func init() {
	translator.Register(
		translator.Gemini, translator.Kiro,
		ConvertGeminiRequestToKiro,
		translator.ResponseTransform{
			Stream:    ConvertKiroResponseToGemini,
			NonStream: ConvertKiroResponseToGeminiNonStream,
		},
	)
}
