// Package textchunk splits long scripts into synthesis-safe fragments.
//
// The voice service rejects requests past a model-dependent token budget, so
// long text is planned into ordered chunks that each stay under the cap while
// breaking only on sentence or word boundaries. Token counts are estimated
// from byte length; the upstream tokenizer averages roughly three characters
// per token on the languages the platform ships.
package textchunk

import (
	"strings"
)

// DefaultTokenCap is the per-request token budget used when the caller does
// not override it.
const DefaultTokenCap = 200

// Chunk is one planned synthesis request.
type Chunk struct {
	// Text is the fragment to synthesize, always ending in sentence
	// punctuation so the model closes its prosody contour.
	Text string

	// Tokens is the estimated token count of Text.
	Tokens int
}

// EstimateTokens approximates the upstream tokenizer as ceil(len/3).
func EstimateTokens(s string) int {
	return (len(s) + 2) / 3
}

// Plan splits text into ordered chunks whose estimated token counts stay at
// or under tokenCap. Sentences are greedy-packed; a sentence that alone
// exceeds the budget is split on spaces with the same greedy rule; a single
// word past the budget becomes its own chunk rather than being cut mid-word.
// A non-positive tokenCap falls back to DefaultTokenCap.
//
// Concatenating the chunk texts reproduces the source up to whitespace
// normalization and the sentence punctuation appended to unterminated
// fragments.
func Plan(text string, tokenCap int) []Chunk {
	if tokenCap <= 0 {
		tokenCap = DefaultTokenCap
	}
	budget := 3 * tokenCap

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var (
		chunks []Chunk
		cur    strings.Builder
	)
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		chunks = append(chunks, finishChunk(cur.String()))
		cur.Reset()
	}

	for _, sentence := range sentences {
		if len(sentence) > budget {
			// Too big to pack whole; emit what we have, then word-split.
			flush()
			for _, part := range splitWords(sentence, budget) {
				chunks = append(chunks, finishChunk(part))
			}
			continue
		}
		if projected(cur.Len(), len(sentence)) > budget {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(sentence)
	}
	flush()
	return chunks
}

// projected is the chunk length after appending a fragment of length n,
// accounting for the joining space.
func projected(current, n int) int {
	if current == 0 {
		return n
	}
	return current + 1 + n
}

// splitSentences breaks text on sentence-terminating punctuation, keeping the
// terminator with its sentence, trimming whitespace and dropping empties.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

// splitWords greedy-packs space-separated words up to budget characters per
// part. A single word longer than the budget is emitted alone.
func splitWords(sentence string, budget int) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, word := range strings.Fields(sentence) {
		if projected(cur.Len(), len(word)) > budget && cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// finishChunk appends a period to fragments that lost their terminator to a
// word split, then attaches the token estimate.
func finishChunk(text string) Chunk {
	if !endsWithTerminator(text) {
		text += "."
	}
	return Chunk{Text: text, Tokens: EstimateTokens(text)}
}

func endsWithTerminator(s string) bool {
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
