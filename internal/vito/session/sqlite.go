package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bdobrica/vito/internal/vito/store"
)

// SQLiteStore persists sessions in the sessions and session_turns tables so
// they survive a restart. Timestamps are stored as Unix milliseconds.
type SQLiteStore struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
}

// NewSQLiteStore returns a store on db. The tables must exist (migration
// 0002). If logger is nil, the default slog logger is used.
func NewSQLiteStore(db *sql.DB, opts Options, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, opts: opts.withDefaults(), logger: logger}
}

// GetOrCreate implements Store.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	var out *Session
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.liveSessionTx(ctx, tx, userID, s.opts.Now())
		if err != nil {
			return err
		}
		sess.Turns, err = loadTurnsTx(ctx, tx, userID)
		out = sess
		return err
	})
	if err != nil {
		return nil, store.Unavailable("session sqlite: get", err)
	}
	return out, nil
}

// Append implements Store. The turn insert, the limit trim and the activity
// update commit together.
func (s *SQLiteStore) Append(ctx context.Context, userID string, role Role, content string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.opts.Now()
		if _, err := s.liveSessionTx(ctx, tx, userID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO session_turns (user_id, role, content, created_at) VALUES (?, ?, ?, ?)",
			userID, string(role), content, now.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		if err := s.trimTx(ctx, tx, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE sessions SET last_activity = ? WHERE user_id = ?", now.UnixMilli(), userID,
		)
		return err
	})
	return store.Unavailable("session sqlite: append", err)
}

// Reset implements Store.
func (s *SQLiteStore) Reset(ctx context.Context, userID string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return deleteSessionTx(ctx, tx, "user_id = ?", userID)
	})
	return store.Unavailable("session sqlite: reset", err)
}

// SweepExpired implements Store.
func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.opts.TTL).UnixMilli()
	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM session_turns WHERE user_id IN (SELECT user_id FROM sessions WHERE last_activity <= ?)", cutoff,
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE last_activity <= ?", cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, store.Unavailable("session sqlite: sweep", err)
	}
	return int(removed), nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return 0, store.Unavailable("session sqlite: count", err)
	}
	return n, nil
}

// Close is a no-op; the database handle is owned by store.Store.
func (s *SQLiteStore) Close() error { return nil }

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// liveSessionTx returns the user's session row, replacing it with a fresh one
// when it is missing or expired.
func (s *SQLiteStore) liveSessionTx(ctx context.Context, tx *sql.Tx, userID string, now time.Time) (*Session, error) {
	var (
		id   string
		last int64
	)
	err := tx.QueryRowContext(ctx,
		"SELECT session_id, last_activity FROM sessions WHERE user_id = ?", userID,
	).Scan(&id, &last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("select session: %w", err)
	case !Expired(time.UnixMilli(last), s.opts.TTL, now):
		return &Session{ID: id, UserID: userID, LastActivity: time.UnixMilli(last)}, nil
	default:
		if err := deleteSessionTx(ctx, tx, "user_id = ?", userID); err != nil {
			return nil, err
		}
	}

	sess := &Session{ID: uuid.NewString(), UserID: userID, LastActivity: now}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sessions (user_id, session_id, created_at, last_activity) VALUES (?, ?, ?, ?)",
		userID, sess.ID, now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// trimTx deletes the oldest turns beyond the configured limits.
func (s *SQLiteStore) trimTx(ctx context.Context, tx *sql.Tx, userID string) error {
	limits := s.opts.Limits
	if limits.MaxTurns <= 0 && limits.MaxChars <= 0 {
		return nil
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT id, content FROM session_turns WHERE user_id = ? ORDER BY id", userID,
	)
	if err != nil {
		return fmt.Errorf("select turns: %w", err)
	}
	var (
		ids   []int64
		sizes []int
		chars int
	)
	for rows.Next() {
		var (
			id      int64
			content string
		)
		if err := rows.Scan(&id, &content); err != nil {
			rows.Close()
			return fmt.Errorf("scan turn: %w", err)
		}
		n := utf8.RuneCountInString(content)
		ids = append(ids, id)
		sizes = append(sizes, n)
		chars += n
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	drop := 0
	for drop < len(ids)-1 {
		n := len(ids) - drop
		if !(limits.MaxTurns > 0 && n > limits.MaxTurns) && !(limits.MaxChars > 0 && chars > limits.MaxChars) {
			break
		}
		chars -= sizes[drop]
		drop++
	}
	if drop == 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		"DELETE FROM session_turns WHERE user_id = ? AND id <= ?", userID, ids[drop-1],
	)
	if err == nil {
		s.logger.Debug("session sqlite: trimmed turns", "user_id", userID, "dropped", drop)
	}
	return err
}

func loadTurnsTx(ctx context.Context, tx *sql.Tx, userID string) ([]Turn, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT role, content, created_at FROM session_turns WHERE user_id = ? ORDER BY id", userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			role, content string
			at            int64
		)
		if err := rows.Scan(&role, &content, &at); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, Turn{Role: Role(role), Content: content, Timestamp: time.UnixMilli(at)})
	}
	return turns, rows.Err()
}

func deleteSessionTx(ctx context.Context, tx *sql.Tx, where string, args ...any) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM session_turns WHERE user_id IN (SELECT user_id FROM sessions WHERE "+where+")", args...,
	); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE "+where, args...); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
