package stage

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/wordtrail/enrich-cli/internal/model"
)

// DefaultStages returns the standard enrichment sequence: definitions,
// then quiz phrases, then distractors.
func DefaultStages() []Stage {
	return []Stage{Definitions{}, QuizPhrases{}, Distractors{}}
}

// ByNames resolves a configured stage list. Unknown names are an error
// so a typo in config fails fast instead of silently skipping a stage.
func ByNames(names []string) ([]Stage, error) {
	all := map[string]Stage{}
	for _, st := range DefaultStages() {
		all[st.Name()] = st
	}
	out := make([]Stage, 0, len(names))
	for _, n := range names {
		st, ok := all[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, eris.Errorf("stage: unknown stage %q", n)
		}
		out = append(out, st)
	}
	return out, nil
}

// entry is one element of the structured JSON array every stage expects
// back from the service.
type entry struct {
	Word        string   `json:"word"`
	Definition  string   `json:"definition,omitempty"`
	QuizPhrase  string   `json:"quiz_phrase,omitempty"`
	Distractors []string `json:"distractors,omitempty"`
}

// parseEntries decodes the service reply into natural-key-indexed
// outputs. Markdown code fences around the JSON are tolerated since
// models add them even when told not to.
func parseEntries(raw string, pick func(e entry) Output) (map[string]Output, error) {
	text := strings.TrimSpace(raw)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	var entries []entry
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return nil, eris.Wrap(err, "stage: decode response array")
	}

	out := make(map[string]Output, len(entries))
	for _, e := range entries {
		if e.Word == "" {
			continue
		}
		out[model.NaturalKey(e.Word)] = pick(e)
	}
	return out, nil
}

func listWords(batch []model.Word) string {
	var b strings.Builder
	for _, w := range batch {
		fmt.Fprintf(&b, "- %s", w.Text)
		if w.Category != "" {
			fmt.Fprintf(&b, " (%s", w.Category)
			if w.Difficulty > 0 {
				fmt.Fprintf(&b, ", level %d", w.Difficulty)
			}
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func listWordsWithDefinitions(batch []model.Word) string {
	var b strings.Builder
	for _, w := range batch {
		fmt.Fprintf(&b, "- %s: %s\n", w.Text, w.Definition)
	}
	return b.String()
}

// Definitions generates a learner-friendly definition for every word in
// the batch.
type Definitions struct{}

func (Definitions) Name() string  { return "definitions" }
func (Definitions) Field() string { return "definition" }

func (Definitions) SystemPrompt() string {
	return "You write concise dictionary definitions for language learners. " +
		"Reply with a JSON array only, no prose: " +
		`[{"word": "...", "definition": "..."}]`
}

func (Definitions) BuildPrompt(batch []model.Word) string {
	return "Define each of the following words in one short learner-friendly sentence:\n\n" +
		listWords(batch)
}

func (Definitions) Parse(raw string) (map[string]Output, error) {
	return parseEntries(raw, func(e entry) Output {
		return Output{Definition: strings.TrimSpace(e.Definition)}
	})
}

func (Definitions) Apply(w *model.Word, out Output) bool {
	if out.Definition == "" {
		return false
	}
	changed := w.Definition != out.Definition
	w.Definition = out.Definition
	return changed
}

// QuizPhrases generates a fill-in-the-blank phrase for every word,
// consuming the definitions produced by the previous stage.
type QuizPhrases struct{}

func (QuizPhrases) Name() string  { return "quiz_phrases" }
func (QuizPhrases) Field() string { return "quiz_phrase" }

func (QuizPhrases) SystemPrompt() string {
	return "You write fill-in-the-blank quiz sentences for vocabulary practice. " +
		"The blank is four underscores. Reply with a JSON array only: " +
		`[{"word": "...", "quiz_phrase": "..."}]`
}

func (QuizPhrases) BuildPrompt(batch []model.Word) string {
	return "Write one quiz sentence per word where the word itself is replaced by ____. " +
		"Use the given definition to keep the sentence unambiguous:\n\n" +
		listWordsWithDefinitions(batch)
}

func (QuizPhrases) Parse(raw string) (map[string]Output, error) {
	return parseEntries(raw, func(e entry) Output {
		return Output{QuizPhrase: strings.TrimSpace(e.QuizPhrase)}
	})
}

func (QuizPhrases) Apply(w *model.Word, out Output) bool {
	if out.QuizPhrase == "" {
		return false
	}
	changed := w.QuizPhrase != out.QuizPhrase
	w.QuizPhrase = out.QuizPhrase
	return changed
}

// Distractors generates wrong-answer options for the quiz, contrasting
// with the word's definition.
type Distractors struct{}

func (Distractors) Name() string  { return "distractors" }
func (Distractors) Field() string { return "distractors" }

func (Distractors) SystemPrompt() string {
	return "You produce plausible but wrong multiple-choice options for vocabulary quizzes. " +
		"Reply with a JSON array only: " +
		`[{"word": "...", "distractors": ["...", "...", "..."]}]`
}

func (Distractors) BuildPrompt(batch []model.Word) string {
	return "For each word give three distractor words of the same part of speech " +
		"that do NOT match the definition:\n\n" +
		listWordsWithDefinitions(batch)
}

func (Distractors) Parse(raw string) (map[string]Output, error) {
	return parseEntries(raw, func(e entry) Output {
		cleaned := make([]string, 0, len(e.Distractors))
		for _, d := range e.Distractors {
			if d = strings.TrimSpace(d); d != "" {
				cleaned = append(cleaned, d)
			}
		}
		return Output{Distractors: cleaned}
	})
}

func (Distractors) Apply(w *model.Word, out Output) bool {
	if len(out.Distractors) == 0 {
		return false
	}
	changed := !slices.Equal(w.Distractors, out.Distractors)
	w.Distractors = out.Distractors
	return changed
}
