// Package checkpoint persists run progress so an interrupted enrichment
// resumes where it stopped instead of re-spending API quota.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wordtrail/enrich-cli/internal/quota"
)

// Range marks a contiguous run of skipped items: [Start, Start+Count).
type Range struct {
	Start int64 `json:"start"`
	Count int   `json:"count"`
}

// Checkpoint is the persisted progress record. Cursor is the offset of
// the first item not yet processed; Skipped lists batches the run
// abandoned after errors, for a later --retry-skipped pass.
type Checkpoint struct {
	RunID     string         `json:"run_id"`
	Cursor    int64          `json:"cursor"`
	Counters  map[string]int `json:"counters,omitempty"`
	Skipped   []Range        `json:"skipped,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AddSkipped records a skipped window, merging with the previous range
// when the windows are adjacent.
func (c *Checkpoint) AddSkipped(start int64, count int) {
	if count <= 0 {
		return
	}
	if n := len(c.Skipped); n > 0 {
		last := &c.Skipped[n-1]
		if last.Start+int64(last.Count) == start {
			last.Count += count
			return
		}
	}
	c.Skipped = append(c.Skipped, Range{Start: start, Count: count})
}

// Store reads and writes the checkpoint file for one run.
type Store struct {
	path  string
	clock quota.Clock
	last  int64 // highest cursor written, guards against regressions
}

// NewStore builds a Store writing to path. clock may be nil for
// wall-clock time.
func NewStore(path string, clock quota.Clock) *Store {
	if clock == nil {
		clock = quota.RealClock()
	}
	return &Store{path: path, clock: clock, last: -1}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string { return s.path }

// Load returns the saved checkpoint, or a zero checkpoint when the file
// does not exist. A corrupt file is an error: silently restarting from
// zero would re-spend quota on work already done.
func (s *Store) Load() (Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, eris.Wrap(err, "checkpoint: read file")
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, eris.Wrapf(err, "checkpoint: corrupt file %s", s.path)
	}
	s.last = cp.Cursor
	return cp, nil
}

// Save writes the checkpoint atomically: a temp file in the same
// directory, fsync, then rename. A cursor lower than one already saved
// is refused so a late writer cannot roll progress backwards.
func (s *Store) Save(cp Checkpoint) error {
	if cp.Cursor < s.last {
		return eris.Errorf("checkpoint: cursor moved backwards (%d < %d)", cp.Cursor, s.last)
	}

	cp.UpdatedAt = s.clock.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "checkpoint: create directory")
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return eris.Wrap(err, "checkpoint: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return eris.Wrap(err, "checkpoint: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "checkpoint: close temp file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return eris.Wrap(err, "checkpoint: rename into place")
	}

	s.last = cp.Cursor
	zap.L().Debug("checkpoint: saved",
		zap.Int64("cursor", cp.Cursor),
		zap.Int("skipped_ranges", len(cp.Skipped)),
	)
	return nil
}

// Clear removes the checkpoint file after a run completes. A missing
// file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "checkpoint: remove file")
	}
	s.last = -1
	return nil
}
