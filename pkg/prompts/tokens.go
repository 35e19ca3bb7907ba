package prompts

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken

	// loadEncoding is replaced in tests.
	loadEncoding = func() (*tiktoken.Tiktoken, error) {
		return tiktoken.GetEncoding(encodingName)
	}
)

// EstimateTokens approximates the token count of text. When the encoding
// cannot be loaded it falls back to four characters per token.
func EstimateTokens(text string) int {
	encOnce.Do(func() {
		e, err := loadEncoding()
		if err == nil {
			enc = e
		}
	})
	if enc == nil {
		return roughTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func roughTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
