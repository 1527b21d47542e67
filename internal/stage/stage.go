// Package stage defines the ordered content-generation steps applied to
// a whole batch of words at once. Stages are strictly sequential: quiz
// phrases reference the definitions generated one stage earlier, and
// distractors must contrast with the definition as well.
package stage

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wordtrail/enrich-cli/internal/model"
)

// Output holds the fields one stage produced for a single word. A stage
// fills only its own field(s); merge leaves the rest untouched.
type Output struct {
	Definition  string   `json:"definition,omitempty"`
	QuizPhrase  string   `json:"quiz_phrase,omitempty"`
	Distractors []string `json:"distractors,omitempty"`
}

// Stage is one batch-level transformation. BuildPrompt produces one
// outbound request body describing every word in the batch; Parse maps
// the structured reply back onto words by natural key, never by
// position, because the service may omit or reorder entries.
type Stage interface {
	Name() string
	Field() string
	SystemPrompt() string
	BuildPrompt(batch []model.Word) string
	Parse(raw string) (map[string]Output, error)
	Apply(w *model.Word, out Output) bool
}

// Caller issues one content-service request for a stage and batch. The
// content client implements it.
type Caller interface {
	Call(ctx context.Context, st Stage, batch []model.Word) (map[string]Output, error)
}

// Pipeline runs a fixed ordered list of stages over batches.
type Pipeline struct {
	stages []Stage
	caller Caller
	stats  *model.RunStats
}

// NewPipeline builds a Pipeline. stats may be nil.
func NewPipeline(stages []Stage, caller Caller, stats *model.RunStats) *Pipeline {
	if stats == nil {
		stats = model.NewRunStats()
	}
	return &Pipeline{stages: stages, caller: caller, stats: stats}
}

// Stages returns the configured stage list in execution order.
func (p *Pipeline) Stages() []Stage { return p.stages }

// Run executes every stage in order over a copy of batch and returns
// the enriched words. Items absent from a stage's parsed response keep
// their prior field values; that is not an error. A stage-level failure
// aborts the whole batch with nothing applied to the returned slice's
// caller: the orchestrator skips the batch and nothing is persisted.
func (p *Pipeline) Run(ctx context.Context, batch []model.Word) ([]model.Word, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	// Work on a copy so an aborted run leaves the caller's batch intact.
	words := make([]model.Word, len(batch))
	copy(words, batch)

	for _, st := range p.stages {
		outputs, err := p.caller.Call(ctx, st, words)
		if err != nil {
			return nil, eris.Wrapf(err, "stage %s", st.Name())
		}

		changed := 0
		missing := 0
		for i := range words {
			out, ok := outputs[words[i].NaturalKey()]
			if !ok {
				missing++
				continue
			}
			if st.Apply(&words[i], out) {
				changed++
			}
		}
		p.stats.FieldChanged(st.Field(), changed)

		if missing > 0 {
			zap.L().Warn("stage: response omitted items, keeping prior values",
				zap.String("stage", st.Name()),
				zap.Int("missing", missing),
				zap.Int("batch", len(words)),
			)
		}
	}

	return words, nil
}
