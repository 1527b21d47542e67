package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "words.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadWordsCSV(t *testing.T) {
	path := writeCSV(t, "text,category,difficulty\napple,fruit,1\nbanana,fruit,2\ncliff,,\n")

	words, err := readWordsCSV(path)
	require.NoError(t, err)
	require.Len(t, words, 3)

	assert.Equal(t, "apple", words[0].Text)
	assert.Equal(t, "fruit", words[0].Category)
	assert.Equal(t, 1, words[0].Difficulty)
	assert.Equal(t, "cliff", words[2].Text)
	assert.Empty(t, words[2].Category)
	assert.Zero(t, words[2].Difficulty)
}

func TestReadWordsCSVNoHeader(t *testing.T) {
	path := writeCSV(t, "apple,fruit,1\n")
	words, err := readWordsCSV(path)
	require.NoError(t, err)
	require.Len(t, words, 1)
	assert.Equal(t, "apple", words[0].Text)
}

func TestReadWordsCSVBadDifficulty(t *testing.T) {
	path := writeCSV(t, "apple,fruit,hard\n")
	_, err := readWordsCSV(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "difficulty")
}

func TestReadWordsCSVEmpty(t *testing.T) {
	path := writeCSV(t, "text,category,difficulty\n")
	_, err := readWordsCSV(path)
	require.Error(t, err)
}
