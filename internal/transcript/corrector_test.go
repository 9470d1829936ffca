package transcript_test

import (
	"strings"
	"testing"

	"github.com/Moasy1/LIA-Sales-Agent/internal/transcript"
	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime"
)

// tableMatcher maps lowercase candidates to scripted match results.
type tableMatcher struct {
	results map[string]tableMatch
}

type tableMatch struct {
	corrected  string
	confidence float64
}

func (m tableMatcher) Match(word string, _ []string) (string, float64, bool) {
	if r, ok := m.results[strings.ToLower(word)]; ok {
		return r.corrected, r.confidence, true
	}
	return word, 0, false
}

func TestCorrector_ReplacesSingleWord(t *testing.T) {
	t.Parallel()

	m := tableMatcher{results: map[string]tableMatch{
		"grandvue": {corrected: "Grandview", confidence: 0.9},
	}}
	c := transcript.NewCorrector(m, []string{"Grandview"})

	got := c.Correct("tell me about grandvue please")
	if got != "tell me about Grandview please" {
		t.Errorf("Correct() = %q", got)
	}
}

func TestCorrector_PrefersLongerWindow(t *testing.T) {
	t.Parallel()

	m := tableMatcher{results: map[string]tableMatch{
		"solana hights": {corrected: "Solana Heights", confidence: 0.9},
		"hights":        {corrected: "Heights", confidence: 0.9},
	}}
	c := transcript.NewCorrector(m, []string{"Solana Heights"})

	got := c.Correct("is solana hights still available")
	if got != "is Solana Heights still available" {
		t.Errorf("Correct() = %q; two-token window should win", got)
	}
}

func TestCorrector_KeepsTrailingPunctuation(t *testing.T) {
	t.Parallel()

	m := tableMatcher{results: map[string]tableMatch{
		"grandvue": {corrected: "Grandview", confidence: 0.9},
	}}
	c := transcript.NewCorrector(m, []string{"Grandview"})

	got := c.Correct("what about grandvue?")
	if got != "what about Grandview?" {
		t.Errorf("Correct() = %q", got)
	}
}

func TestCorrector_RespectsConfidenceFloor(t *testing.T) {
	t.Parallel()

	m := tableMatcher{results: map[string]tableMatch{
		"grand": {corrected: "Grandview", confidence: 0.7},
	}}
	c := transcript.NewCorrector(m, []string{"Grandview"})

	got := c.Correct("a grand opening")
	if got != "a grand opening" {
		t.Errorf("Correct() = %q; low-confidence match must not replace", got)
	}

	loose := transcript.NewCorrector(m, []string{"Grandview"}, transcript.WithMinConfidence(0.6))
	if got := loose.Correct("a grand opening"); got != "a Grandview opening" {
		t.Errorf("Correct() with lowered floor = %q", got)
	}
}

func TestCorrector_NoTermsIsIdentity(t *testing.T) {
	t.Parallel()

	c := transcript.NewCorrector(tableMatcher{}, nil)
	if got := c.Correct("anything at all"); got != "anything at all" {
		t.Errorf("Correct() = %q", got)
	}
}

func TestAssembler_CorrectsUserEntriesOnly(t *testing.T) {
	t.Parallel()

	m := tableMatcher{results: map[string]tableMatch{
		"grandvue": {corrected: "Grandview", confidence: 0.9},
	}}
	a := transcript.New(transcript.WithCorrector(transcript.NewCorrector(m, []string{"Grandview"})))

	a.Append(realtime.DirectionUser, "I want grandvue")
	a.Append(realtime.DirectionModel, "Sure, grandvue it is")
	entries := a.CompleteTurn()

	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Text != "I want Grandview" {
		t.Errorf("user entry = %q", entries[0].Text)
	}
	if entries[1].Text != "Sure, grandvue it is" {
		t.Errorf("model entry = %q, must be untouched", entries[1].Text)
	}
}
