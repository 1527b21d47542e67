package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/wordtrail/enrich-cli/internal/model"
	"github.com/wordtrail/enrich-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS words (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	text        TEXT NOT NULL UNIQUE,
	category    TEXT NOT NULL DEFAULT '',
	difficulty  INTEGER NOT NULL DEFAULT 0,
	definition  TEXT NOT NULL DEFAULT '',
	quiz_phrase TEXT NOT NULL DEFAULT '',
	distractors TEXT NOT NULL DEFAULT '[]',
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_words_category ON words(category);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) FetchBatch(ctx context.Context, cursor int64, size int) ([]model.Word, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, category, difficulty, definition, quiz_phrase, distractors, updated_at
		 FROM words ORDER BY id LIMIT ? OFFSET ?`,
		size, cursor,
	)
	if err != nil {
		return nil, resilience.StoreUnavailable(eris.Wrap(err, "sqlite: fetch batch"))
	}
	defer rows.Close()

	var words []model.Word
	for rows.Next() {
		w, err := scanWord(rows)
		if err != nil {
			return nil, err
		}
		words = append(words, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, resilience.StoreUnavailable(eris.Wrap(err, "sqlite: fetch batch iterate"))
	}
	return words, nil
}

func (s *SQLiteStore) UpdateWords(ctx context.Context, words []model.Word) error {
	if len(words) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return resilience.StoreUnavailable(eris.Wrap(err, "sqlite: begin tx"))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE words SET definition = ?, quiz_phrase = ?, distractors = ?, updated_at = ? WHERE id = ?`,
	)
	if err != nil {
		return resilience.StoreUnavailable(eris.Wrap(err, "sqlite: prepare update"))
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, w := range words {
		distractors, err := json.Marshal(w.Distractors)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal distractors for %d", w.ID)
		}
		if _, err := stmt.ExecContext(ctx, w.Definition, w.QuizPhrase, string(distractors), now, w.ID); err != nil {
			return resilience.StoreUnavailable(eris.Wrapf(err, "sqlite: update word %d", w.ID))
		}
	}

	if err := tx.Commit(); err != nil {
		return resilience.StoreUnavailable(eris.Wrap(err, "sqlite: commit update"))
	}
	return nil
}

func (s *SQLiteStore) InsertWords(ctx context.Context, words []model.Word) (int64, error) {
	if len(words) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, resilience.StoreUnavailable(eris.Wrap(err, "sqlite: begin tx"))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO words (text, category, difficulty, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(text) DO NOTHING`,
	)
	if err != nil {
		return 0, resilience.StoreUnavailable(eris.Wrap(err, "sqlite: prepare insert"))
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var inserted int64
	for _, w := range words {
		res, err := stmt.ExecContext(ctx, w.Text, w.Category, w.Difficulty, now)
		if err != nil {
			return inserted, resilience.StoreUnavailable(eris.Wrapf(err, "sqlite: insert word %q", w.Text))
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, resilience.StoreUnavailable(eris.Wrap(err, "sqlite: commit insert"))
	}
	return inserted, nil
}

func (s *SQLiteStore) CountWords(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM words`).Scan(&n)
	if err != nil {
		return 0, resilience.StoreUnavailable(eris.Wrap(err, "sqlite: count words"))
	}
	return n, nil
}

func (s *SQLiteStore) CountEnriched(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM words WHERE definition != '' AND quiz_phrase != '' AND distractors != '[]'`,
	).Scan(&n)
	if err != nil {
		return 0, resilience.StoreUnavailable(eris.Wrap(err, "sqlite: count enriched"))
	}
	return n, nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanWord(row scannable) (*model.Word, error) {
	var w model.Word
	var distractorsJSON string

	err := row.Scan(&w.ID, &w.Text, &w.Category, &w.Difficulty, &w.Definition, &w.QuizPhrase, &distractorsJSON, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("word not found")
	}
	if err != nil {
		return nil, resilience.StoreUnavailable(eris.Wrap(err, "sqlite: scan word"))
	}

	if err := json.Unmarshal([]byte(distractorsJSON), &w.Distractors); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal distractors for %d", w.ID)
	}
	return &w, nil
}
