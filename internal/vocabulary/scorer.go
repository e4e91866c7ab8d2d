package vocabulary

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// Alternative is one candidate transcription for a single utterance.
type Alternative struct {
	Text       string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

const (
	exactMatchPoints   = 10
	phraseMatchPoints  = 5
	abbreviationPoints = 15
	measurementPoints  = 8
)

var (
	abbreviationRe = regexp.MustCompile(`(?i)^(AAO|PERRLA|CHF|COPD|HTN|DM|CVA|UTI|GCS|SBAR|PQRSTU)$`)
	measurementRe  = regexp.MustCompile(`(?i)^\d+(\.\d+)?(mmhg|bpm|kg|cm|ml|mg|mcg|units?|degrees?|celsius|fahrenheit|%)$`)
)

// Scorer ranks alternatives by domain relevance. It holds no per-call state;
// its catalog can be swapped while in use.
type Scorer struct {
	catalog atomic.Pointer[Catalog]
}

// NewScorer returns a scorer backed by catalog, or the default catalog when nil.
func NewScorer(catalog *Catalog) *Scorer {
	s := &Scorer{}
	s.SetCatalog(catalog)
	return s
}

// SetCatalog replaces the catalog. Selections already in progress finish
// with the old one.
func (s *Scorer) SetCatalog(catalog *Catalog) {
	if catalog == nil {
		catalog = Default()
	}
	s.catalog.Store(catalog)
}

// Catalog returns the catalog currently in use.
func (s *Scorer) Catalog() *Catalog {
	return s.catalog.Load()
}

// Score returns the additive domain score of text. Each token earns points
// from the first rule it matches, so the total is independent of token order.
func (s *Scorer) Score(text string) int {
	return score(s.catalog.Load(), text)
}

func score(catalog *Catalog, text string) int {
	score := 0
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		switch {
		case catalog.Contains(tok):
			score += exactMatchPoints
		case len(tok) > 2 && catalog.inPhrase(tok):
			score += phraseMatchPoints
		case abbreviationRe.MatchString(tok):
			score += abbreviationPoints
		case measurementRe.MatchString(tok):
			score += measurementPoints
		}
	}
	return score
}

// SelectBest returns the text of the highest scoring alternative. Ties go to
// the alternative with the higher reported confidence, then to the earlier one.
func (s *Scorer) SelectBest(alternatives []Alternative) string {
	switch len(alternatives) {
	case 0:
		return ""
	case 1:
		return alternatives[0].Text
	}

	catalog := s.catalog.Load()
	best := alternatives[0]
	bestScore := score(catalog, best.Text)
	for _, alt := range alternatives[1:] {
		sc := score(catalog, alt.Text)
		if sc > bestScore || (sc == bestScore && alt.Confidence > best.Confidence) {
			best = alt
			bestScore = sc
		}
	}
	return best.Text
}

// SelectBest scores with the default catalog.
func SelectBest(alternatives []Alternative) string {
	return defaultScorer.SelectBest(alternatives)
}

var defaultScorer = NewScorer(nil)
