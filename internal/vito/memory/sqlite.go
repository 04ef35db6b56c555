package memory

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/bdobrica/vito/internal/vito/store"
)

// SQLiteStore keeps facts in the memories table of the application database.
// Every write is a single upsert statement, so a crash leaves either the old
// or the new fact, never a partial one.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore returns a store on db. The memories table must exist
// (migration 0001). If logger is nil, the default slog logger is used.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}
}

// Remember upserts the user's fact.
func (s *SQLiteStore) Remember(ctx context.Context, userID, fact string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (user_id, fact, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET fact = excluded.fact, updated_at = excluded.updated_at`,
		userID, normalize(fact), s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return store.Unavailable("memory sqlite: remember", err)
	}
	s.logger.Debug("memory sqlite: remembered", "user_id", userID, "fact_len", len(fact))
	return nil
}

// Recall reads the user's fact.
func (s *SQLiteStore) Recall(ctx context.Context, userID string) (string, bool, error) {
	var fact string
	err := s.db.QueryRowContext(ctx,
		"SELECT fact FROM memories WHERE user_id = ?", userID,
	).Scan(&fact)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, store.Unavailable("memory sqlite: recall", err)
	}
	if fact == "" {
		return "", false, nil
	}
	return fact, true, nil
}

// Forget deletes the user's fact.
func (s *SQLiteStore) Forget(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE user_id = ?", userID); err != nil {
		return store.Unavailable("memory sqlite: forget", err)
	}
	return nil
}

// Close is a no-op; the database handle is owned by store.Store.
func (s *SQLiteStore) Close() error { return nil }
