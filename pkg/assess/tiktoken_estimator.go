package assess

import (
	tiktoken "github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

// NewTikTokenEstimator returns an Estimator backed by tiktoken-go for the given
// model. Models tiktoken does not know (gemini, newer OpenAI names) fall back
// to cl100k_base, which is close enough for a budget check.
func NewTikTokenEstimator(model string) (Estimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, err
		}
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}
