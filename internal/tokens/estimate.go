// Package tokens estimates token counts for pre-flight budget checks
// and for streams that never report usage.
package tokens

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/relaygate/llm-gateway/internal/provider"
)

// perMessageOverhead approximates the chat-format framing tokens each
// message adds on OpenAI-style endpoints.
const perMessageOverhead = 4

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("tiktoken encoding unavailable, falling back to character heuristic")
			return
		}
		enc = e
	})
	return enc
}

// Count estimates the token count of a single text.
func Count(text string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	// Rough estimate: 1 token per 4 characters.
	return (len(text) + 3) / 4
}

// CountMessages estimates the prompt token count of a message list,
// including per-message chat framing overhead.
func CountMessages(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += Count(m.Content) + perMessageOverhead
	}
	return total
}
