package store

import (
	"context"

	"github.com/wordtrail/enrich-cli/internal/model"
)

// Store defines the persistence interface for the word table. Batches
// are offset reads ordered by ID: FetchBatch(cursor, size) returns up
// to size words skipping the first cursor rows, so the orchestrator's
// checkpoint cursor is simply the count of rows already covered.
//
// Writes are idempotent overwrites by ID; there is no multi-item
// transaction guarantee beyond a single UpdateWords call, so a crash
// between store write and checkpoint write may re-enrich one batch.
type Store interface {
	FetchBatch(ctx context.Context, cursor int64, size int) ([]model.Word, error)
	UpdateWords(ctx context.Context, words []model.Word) error
	InsertWords(ctx context.Context, words []model.Word) (int64, error)
	CountWords(ctx context.Context) (int64, error)
	CountEnriched(ctx context.Context) (int64, error)

	Migrate(ctx context.Context) error
	Close() error
}
