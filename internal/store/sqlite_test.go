package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wordtrail/enrich-cli/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "words.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedWords(t *testing.T, s *SQLiteStore, texts ...string) {
	t.Helper()
	words := make([]model.Word, 0, len(texts))
	for _, txt := range texts {
		words = append(words, model.Word{Text: txt, Category: "noun", Difficulty: 2})
	}
	n, err := s.InsertWords(context.Background(), words)
	require.NoError(t, err)
	require.Equal(t, int64(len(texts)), n)
}

func TestSQLite_InsertAndFetch(t *testing.T) {
	s := newTestStore(t)
	seedWords(t, s, "ephemeral", "sonder", "petrichor")

	words, err := s.FetchBatch(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, words, 3)
	assert.Equal(t, "ephemeral", words[0].Text)
	assert.Equal(t, "noun", words[0].Category)
	assert.Empty(t, words[0].Definition)
	assert.Empty(t, words[0].Distractors)
}

func TestSQLite_InsertDuplicatesIgnored(t *testing.T) {
	s := newTestStore(t)
	seedWords(t, s, "ephemeral")

	n, err := s.InsertWords(context.Background(), []model.Word{{Text: "ephemeral"}, {Text: "sonder"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLite_FetchBatch_OffsetWindows(t *testing.T) {
	s := newTestStore(t)
	seedWords(t, s, "alpha", "bravo", "charlie", "delta", "echo")

	first, err := s.FetchBatch(context.Background(), 0, 2)
	require.NoError(t, err)
	second, err := s.FetchBatch(context.Background(), 2, 2)
	require.NoError(t, err)
	last, err := s.FetchBatch(context.Background(), 4, 2)
	require.NoError(t, err)
	empty, err := s.FetchBatch(context.Background(), 5, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "bravo"}, texts(first))
	assert.Equal(t, []string{"charlie", "delta"}, texts(second))
	assert.Equal(t, []string{"echo"}, texts(last))
	assert.Empty(t, empty)
}

func TestSQLite_UpdateWords_Idempotent(t *testing.T) {
	s := newTestStore(t)
	seedWords(t, s, "ephemeral")

	words, err := s.FetchBatch(context.Background(), 0, 1)
	require.NoError(t, err)

	words[0].Definition = "lasting for a very short time"
	words[0].QuizPhrase = "The ____ beauty of a sunset."
	words[0].Distractors = []string{"eternal", "mundane", "opaque"}

	// Overwrites by ID are pure: applying the same update twice yields
	// the same stored row.
	require.NoError(t, s.UpdateWords(context.Background(), words))
	require.NoError(t, s.UpdateWords(context.Background(), words))

	got, err := s.FetchBatch(context.Background(), 0, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, words[0].Definition, got[0].Definition)
	assert.Equal(t, words[0].QuizPhrase, got[0].QuizPhrase)
	assert.Equal(t, words[0].Distractors, got[0].Distractors)
	assert.True(t, got[0].Enriched())
}

func TestSQLite_Counts(t *testing.T) {
	s := newTestStore(t)
	seedWords(t, s, "alpha", "bravo", "charlie")

	total, err := s.CountWords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	enriched, err := s.CountEnriched(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), enriched)

	words, err := s.FetchBatch(context.Background(), 0, 1)
	require.NoError(t, err)
	words[0].Definition = "first letter"
	words[0].QuizPhrase = "____ comes before bravo."
	words[0].Distractors = []string{"zulu", "yankee"}
	require.NoError(t, s.UpdateWords(context.Background(), words))

	enriched, err = s.CountEnriched(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), enriched)
}

func TestSQLite_UpdateWords_Empty(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateWords(context.Background(), nil))
}

func texts(words []model.Word) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		out = append(out, w.Text)
	}
	return out
}
