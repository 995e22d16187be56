// Package window keeps a conversation inside the model's token budget. It
// estimates token cost, folds old turns into a synthetic summary when the
// budget is approached, and produces progressively smaller histories for
// retrying after the provider rejects a request as too large.
package window

import (
	"unicode/utf8"

	"github.com/neboloop/glance/internal/agent/ai"
	"github.com/neboloop/glance/internal/agent/session"
)

// Token estimation constants
const (
	CharsPerToken      = 4    // ASCII runes per token
	MessageOverhead    = 4    // role and framing tokens per message
	ImageTokenEstimate = 2000 // flat cost of one image part
)

// EstimateTokens approximates the prompt cost of msgs. ASCII text counts a
// token per four runes, rounded up, and every other rune counts as a token of
// its own, which keeps CJK text from being badly underestimated.
func EstimateTokens(msgs []session.Message) int {
	total := 0
	for i := range msgs {
		total += estimateMessage(&msgs[i])
	}
	return total
}

// EstimateText approximates the token cost of a bare string.
func EstimateText(s string) int {
	ascii, other := 0, 0
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		if r < utf8.RuneSelf {
			ascii++
		} else {
			other++
		}
	}
	return (ascii+CharsPerToken-1)/CharsPerToken + other
}

func estimateMessage(m *session.Message) int {
	n := MessageOverhead + EstimateText(m.Text())
	for _, p := range m.Parts {
		if p.Type == session.PartImage {
			n += ImageTokenEstimate
		}
	}
	for _, tc := range m.ToolCalls {
		n += EstimateText(tc.Name) + EstimateText(string(tc.Arguments))
	}
	return n
}

// IsContextOverflow reports whether err is a provider rejection for an
// oversized request.
func IsContextOverflow(err error) bool {
	return ai.IsContextOverflow(err)
}
