package transcript

import (
	"strings"
)

// TermMatcher aligns a word or phrase with a known domain term. Implemented
// by the phonetic subpackage.
type TermMatcher interface {
	Match(word string, terms []string) (corrected string, confidence float64, matched bool)
}

// defaultMinConfidence is the minimum match confidence required before a
// replacement is applied to a transcript.
const defaultMinConfidence = 0.8

// CorrectorOption configures a Corrector.
type CorrectorOption func(*Corrector)

// WithMinConfidence overrides the confidence floor for replacements.
func WithMinConfidence(min float64) CorrectorOption {
	return func(c *Corrector) { c.minConfidence = min }
}

// Corrector canonicalizes known domain terms (project names, locations) in
// transcribed user speech. Speech models routinely mangle proper nouns; the
// corrector aligns token windows against the term list so the archived
// transcript carries the real names.
//
// A Corrector is read-only after construction and safe for concurrent use.
type Corrector struct {
	matcher       TermMatcher
	terms         []string
	maxTokens     int
	minConfidence float64
}

// NewCorrector creates a Corrector over the given terms. Multi-word terms
// widen the token window the corrector scans with.
func NewCorrector(matcher TermMatcher, terms []string, opts ...CorrectorOption) *Corrector {
	maxTokens := 1
	kept := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		kept = append(kept, t)
		if n := len(strings.Fields(t)); n > maxTokens {
			maxTokens = n
		}
	}
	c := &Corrector{
		matcher:       matcher,
		terms:         kept,
		maxTokens:     maxTokens,
		minConfidence: defaultMinConfidence,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct rewrites text, replacing token windows that align with a known
// term. Longer windows are tried first so split words ("grand view") resolve
// before their fragments. Trailing punctuation on the window's last token is
// preserved. Whitespace is normalized to single spaces.
func (c *Corrector) Correct(text string) string {
	if c == nil || len(c.terms) == 0 || strings.TrimSpace(text) == "" {
		return text
	}

	tokens := strings.Fields(text)
	var out []string

	for i := 0; i < len(tokens); {
		replaced := false
		for n := min(c.maxTokens, len(tokens)-i); n >= 1 && !replaced; n-- {
			window := tokens[i : i+n]
			candidate, trailing := stripWindow(window)
			if candidate == "" {
				continue
			}
			corrected, conf, matched := c.matcher.Match(candidate, c.terms)
			if matched && conf >= c.minConfidence {
				out = append(out, corrected+trailing)
				i += n
				replaced = true
			}
		}
		if !replaced {
			out = append(out, tokens[i])
			i++
		}
	}

	return strings.Join(out, " ")
}

// stripWindow joins a token window into a match candidate, removing trailing
// punctuation from the last token and returning it separately.
func stripWindow(window []string) (candidate, trailing string) {
	joined := strings.Join(window, " ")
	trimmed := strings.TrimRight(joined, ".,!?;:")
	return trimmed, joined[len(trimmed):]
}
