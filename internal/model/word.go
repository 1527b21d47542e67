package model

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Word represents one vocabulary record awaiting enrichment. ID is the
// cursor key: batches are fetched in ascending ID order.
type Word struct {
	ID          int64     `json:"id"`
	Text        string    `json:"text"`
	Category    string    `json:"category"`
	Difficulty  int       `json:"difficulty,omitempty"`
	Definition  string    `json:"definition,omitempty"`
	QuizPhrase  string    `json:"quiz_phrase,omitempty"`
	Distractors []string  `json:"distractors,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NaturalKey returns the stable key used to match a service response
// entry back to this word, independent of array position.
func (w Word) NaturalKey() string {
	return NaturalKey(w.Text)
}

// Enriched reports whether every generated field has been filled in.
func (w Word) Enriched() bool {
	return w.Definition != "" && w.QuizPhrase != "" && len(w.Distractors) > 0
}

// NaturalKey normalizes a word's text for response matching: NFC
// composition, case folding, and whitespace trimming. The content
// service is free to change case or decompose accents in its reply;
// matching must survive that. Casers are stateful, so one is built
// per call rather than shared.
func NaturalKey(text string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(text)))
}
