package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ocrbot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite. Timestamps are unix milliseconds.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// MarkUpdate records updateID. It reports false when the update was already
// recorded.
func (s *SQLiteStore) MarkUpdate(ctx context.Context, updateID int, conversationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_updates (update_id, chat_id, received_at) VALUES (?, ?, ?)`,
		updateID, conversationID, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("mark update %d: %w", updateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) ForgetUpdate(ctx context.Context, updateID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processed_updates WHERE update_id = ?`, updateID)
	return err
}

func (s *SQLiteStore) RecordResult(ctx context.Context, rec domain.ResultRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ocr_results
		 (task_id, update_id, chat_id, kind, text_len, truncated, image_bytes, error, duration_ms, delivered, engine, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.UpdateID, rec.ConversationID, string(rec.Kind), rec.TextLen, rec.Truncated,
		rec.ImageBytes, rec.Error, rec.DurationMs, rec.Delivered, rec.Engine, rec.Confidence,
		rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record result for update %d: %w", rec.UpdateID, err)
	}
	return nil
}

// Recent returns the newest results first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]domain.ResultRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, update_id, chat_id, kind, text_len, truncated, image_bytes, error,
		        duration_ms, delivered, engine, confidence, created_at
		 FROM ocr_results ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ResultRecord
	for rows.Next() {
		var rec domain.ResultRecord
		var kind string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.UpdateID, &rec.ConversationID, &kind,
			&rec.TextLen, &rec.Truncated, &rec.ImageBytes, &rec.Error, &rec.DurationMs,
			&rec.Delivered, &rec.Engine, &rec.Confidence, &created); err != nil {
			return nil, err
		}
		rec.Kind = domain.ReplyKind(kind)
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes dedup markers and results older than olderThan.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	var total int64
	for _, q := range []string{
		`DELETE FROM processed_updates WHERE received_at < ?`,
		`DELETE FROM ocr_results WHERE created_at < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.logger.Info("store pruned", "rows", total, "older_than", olderThan)
	}
	return total, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
