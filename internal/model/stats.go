package model

import (
	"sync"
	"time"
)

// RunStats accumulates observational counters for a run. It never gates
// control flow; quota decisions live in the tracker's own counters.
type RunStats struct {
	mu sync.Mutex

	StartedAt      time.Time      `json:"started_at"`
	ItemsProcessed int            `json:"items_processed"`
	BatchesOK      int            `json:"batches_ok"`
	BatchesSkipped int            `json:"batches_skipped"`
	FieldsChanged  map[string]int `json:"fields_changed"`
	ErrorsByClass  map[string]int `json:"errors_by_class"`
	RequestsByKey  map[string]int `json:"requests_by_key"`
	ErrorsByKey    map[string]int `json:"errors_by_key"`
}

// NewRunStats returns an empty stats accumulator.
func NewRunStats() *RunStats {
	return &RunStats{
		StartedAt:     time.Now().UTC(),
		FieldsChanged: make(map[string]int),
		ErrorsByClass: make(map[string]int),
		RequestsByKey: make(map[string]int),
		ErrorsByKey:   make(map[string]int),
	}
}

// AddProcessed records n items completing the pipeline.
func (s *RunStats) AddProcessed(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ItemsProcessed += n
}

// BatchDone records a fully processed batch.
func (s *RunStats) BatchDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BatchesOK++
}

// BatchSkipped records a batch abandoned after a stage-level failure.
func (s *RunStats) BatchSkipped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BatchesSkipped++
}

// FieldChanged records a stage writing a new value for field on one item.
func (s *RunStats) FieldChanged(field string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FieldsChanged[field] += n
}

// Error records a classified failure.
func (s *RunStats) Error(class string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorsByClass[class]++
}

// Request records an outbound call attributed to a (masked) credential.
func (s *RunStats) Request(maskedKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RequestsByKey[maskedKey]++
}

// KeyError records a failed call attributed to a (masked) credential.
func (s *RunStats) KeyError(maskedKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorsByKey[maskedKey]++
}

// Snapshot returns a copy safe to serialize while the run continues.
func (s *RunStats) Snapshot() RunStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := RunStatsSnapshot{
		StartedAt:      s.StartedAt,
		ItemsProcessed: s.ItemsProcessed,
		BatchesOK:      s.BatchesOK,
		BatchesSkipped: s.BatchesSkipped,
		FieldsChanged:  make(map[string]int, len(s.FieldsChanged)),
		ErrorsByClass:  make(map[string]int, len(s.ErrorsByClass)),
		RequestsByKey:  make(map[string]int, len(s.RequestsByKey)),
		ErrorsByKey:    make(map[string]int, len(s.ErrorsByKey)),
	}
	for k, v := range s.FieldsChanged {
		snap.FieldsChanged[k] = v
	}
	for k, v := range s.ErrorsByClass {
		snap.ErrorsByClass[k] = v
	}
	for k, v := range s.RequestsByKey {
		snap.RequestsByKey[k] = v
	}
	for k, v := range s.ErrorsByKey {
		snap.ErrorsByKey[k] = v
	}
	return snap
}

// RunStatsSnapshot is a point-in-time copy of RunStats.
type RunStatsSnapshot struct {
	StartedAt      time.Time      `json:"started_at"`
	ItemsProcessed int            `json:"items_processed"`
	BatchesOK      int            `json:"batches_ok"`
	BatchesSkipped int            `json:"batches_skipped"`
	FieldsChanged  map[string]int `json:"fields_changed"`
	ErrorsByClass  map[string]int `json:"errors_by_class"`
	RequestsByKey  map[string]int `json:"requests_by_key"`
	ErrorsByKey    map[string]int `json:"errors_by_key"`
}

// Counters returns the cumulative counters persisted into checkpoints.
func (s *RunStats) Counters() map[string]int {
	snap := s.Snapshot()
	c := map[string]int{
		"items_processed": snap.ItemsProcessed,
		"batches_ok":      snap.BatchesOK,
		"batches_skipped": snap.BatchesSkipped,
	}
	for class, n := range snap.ErrorsByClass {
		c["errors_"+class] = n
	}
	return c
}
