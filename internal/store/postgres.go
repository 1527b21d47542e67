package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/wordtrail/enrich-cli/internal/db"
	"github.com/wordtrail/enrich-cli/internal/model"
	"github.com/wordtrail/enrich-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot path of the batch loop.
var preparedStatements = map[string]string{
	"fetch_batch": `SELECT id, text, category, difficulty, definition, quiz_phrase, distractors, updated_at
	                FROM words ORDER BY id LIMIT $1 OFFSET $2`,
	"update_word": `UPDATE words SET definition = $1, quiz_phrase = $2, distractors = $3, updated_at = $4 WHERE id = $5`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	// The database may still be coming up when the CLI starts; retry the
	// initial ping on transient connection errors.
	pingCfg := resilience.DefaultRetryConfig()
	pingCfg.OnRetry = resilience.RetryLogger("postgres", "ping")
	if err := resilience.Do(ctx, pingCfg, pool.Ping); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS words (
	id          BIGSERIAL PRIMARY KEY,
	text        TEXT NOT NULL UNIQUE,
	category    TEXT NOT NULL DEFAULT '',
	difficulty  INT NOT NULL DEFAULT 0,
	definition  TEXT NOT NULL DEFAULT '',
	quiz_phrase TEXT NOT NULL DEFAULT '',
	distractors TEXT[] NOT NULL DEFAULT '{}',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_words_category ON words(category);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) FetchBatch(ctx context.Context, cursor int64, size int) ([]model.Word, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, text, category, difficulty, definition, quiz_phrase, distractors, updated_at
		 FROM words ORDER BY id LIMIT $1 OFFSET $2`,
		size, cursor,
	)
	if err != nil {
		return nil, resilience.StoreUnavailable(eris.Wrap(err, "postgres: fetch batch"))
	}
	defer rows.Close()

	var words []model.Word
	for rows.Next() {
		var w model.Word
		if err := rows.Scan(&w.ID, &w.Text, &w.Category, &w.Difficulty, &w.Definition, &w.QuizPhrase, &w.Distractors, &w.UpdatedAt); err != nil {
			return nil, resilience.StoreUnavailable(eris.Wrap(err, "postgres: scan word"))
		}
		words = append(words, w)
	}
	if err := rows.Err(); err != nil {
		return nil, resilience.StoreUnavailable(eris.Wrap(err, "postgres: fetch batch iterate"))
	}
	return words, nil
}

func (s *PostgresStore) UpdateWords(ctx context.Context, words []model.Word) error {
	if len(words) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return resilience.StoreUnavailable(eris.Wrap(err, "postgres: begin tx"))
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, w := range words {
		distractors := w.Distractors
		if distractors == nil {
			distractors = []string{}
		}
		_, err := tx.Exec(ctx,
			`UPDATE words SET definition = $1, quiz_phrase = $2, distractors = $3, updated_at = $4 WHERE id = $5`,
			w.Definition, w.QuizPhrase, distractors, now, w.ID,
		)
		if err != nil {
			return resilience.StoreUnavailable(eris.Wrapf(err, "postgres: update word %d", w.ID))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return resilience.StoreUnavailable(eris.Wrap(err, "postgres: commit update"))
	}
	return nil
}

func (s *PostgresStore) InsertWords(ctx context.Context, words []model.Word) (int64, error) {
	if len(words) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(words))
	for _, w := range words {
		rows = append(rows, []any{w.Text, w.Category, w.Difficulty, now})
	}

	n, err := db.CopyFrom(ctx, s.pool, "words", []string{"text", "category", "difficulty", "updated_at"}, rows)
	if err != nil {
		return 0, resilience.StoreUnavailable(eris.Wrap(err, "postgres: insert words"))
	}
	return n, nil
}

func (s *PostgresStore) CountWords(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM words`).Scan(&n); err != nil {
		return 0, resilience.StoreUnavailable(eris.Wrap(err, "postgres: count words"))
	}
	return n, nil
}

func (s *PostgresStore) CountEnriched(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM words WHERE definition != '' AND quiz_phrase != '' AND cardinality(distractors) > 0`,
	).Scan(&n)
	if err != nil {
		return 0, resilience.StoreUnavailable(eris.Wrap(err, "postgres: count enriched"))
	}
	return n, nil
}
