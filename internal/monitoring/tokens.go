package monitoring

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/promptgate/promptgate/internal/config"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens estimates the token count of a prompt using the cl100k_base
// encoding. The encoder is loaded once; if loading fails (offline BPE data,
// unusual environments) the estimate falls back to a bytes-per-token ratio.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("token encoder unavailable, using ratio estimate")
			return
		}
		encoding = enc
	})
	if encoding == nil {
		return (len(text) + config.TokenEstimateRatio - 1) / config.TokenEstimateRatio
	}
	return len(encoding.Encode(text, nil, nil))
}
