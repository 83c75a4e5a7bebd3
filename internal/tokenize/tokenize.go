// Package tokenize estimates token counts for routing and quota decisions.
// It uses the cl100k_base BPE when the encoding can be loaded, and falls
// back to the chars/4 heuristic otherwise (the estimate only needs to be
// stable, not exact).
package tokenize

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rudironsoni/synaxis/internal/router"
)

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	once.Do(func() {
		// Error is deliberately ignored: the heuristic path covers
		// environments where the encoding files are unavailable.
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	})
	return enc
}

// Warm eagerly loads the BPE encoding, typically at server start.
func Warm() {
	encoding()
}

// Count returns the token count of a single text.
func Count(text string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// EstimateRequest estimates the input tokens of a chat request. A non-zero
// client-provided estimate is trusted as-is.
func EstimateRequest(req router.ChatRequest) int {
	if req.EstimatedInputTokens > 0 {
		return req.EstimatedInputTokens
	}
	total := 0
	for _, msg := range req.Messages {
		total += Count(msg.Content)
	}
	return total
}
