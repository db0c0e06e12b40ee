// Package rowstore maintains the local replica of comment rows synced from
// the remote change feed. It is backed by an embedded sqlite database and
// supports thread-scoped queries plus in-process live-query notifications.
package rowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"tessera/syncd/internal/feed"
)

// CommentRow is one row as replicated from the remote feed. The engine never
// writes these directly; they change only through ApplyChanges.
type CommentRow struct {
	ID        int64
	MessageID int64
	ThreadID  int64
	ParentID  *int64
	AuthorID  *string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsReply reports whether the row is a reply to a top-level comment.
func (r CommentRow) IsReply() bool {
	return r.ParentID != nil
}

type Store struct {
	db  *sql.DB
	hub *hub
}

// timeLayout is RFC 3339 with a fixed-width fractional second. RFC3339Nano
// trims trailing zeros, which breaks lexicographic ORDER BY on the TEXT
// columns ("…00.15Z" would sort before "…00.1Z").
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS synced_comments (
	id INTEGER PRIMARY KEY,
	message_id INTEGER NOT NULL,
	thread_id INTEGER NOT NULL,
	parent_id INTEGER,
	author_id TEXT,
	content TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_synced_comments_thread
	ON synced_comments(thread_id, created_at);
`

// Open opens (or creates) the replica database at the given DSN. Use
// ":memory:" for an ephemeral store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open row store: %w", err)
	}
	// sqlite allows a single writer; serialize access through one connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping row store: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("init row store schema: %w", err)
	}

	return &Store{db: db, hub: newHub()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rowRecord mirrors the JSON shape of a change-feed row value.
type rowRecord struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	ThreadID  int64     `json:"thread_id"`
	ParentID  *int64    `json:"parent_id"`
	AuthorID  *string   `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApplyChanges applies a batch of replicated changes in one transaction and
// notifies live observers of every thread the batch touched.
func (s *Store) ApplyChanges(ctx context.Context, changes []feed.Change) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback()

	touched := make(map[int64]struct{})

	for _, change := range changes {
		switch change.Operation {
		case feed.OpInsert, feed.OpUpdate:
			record, err := decodeRow(change)
			if err != nil {
				return err
			}
			if err := upsertRow(ctx, tx, record); err != nil {
				return err
			}
			touched[record.ThreadID] = struct{}{}
		case feed.OpDelete:
			id, err := strconv.ParseInt(change.Key, 10, 64)
			if err != nil {
				return fmt.Errorf("parse delete key %q: %w", change.Key, err)
			}
			threadID, err := deleteRow(ctx, tx, id)
			if err != nil {
				return err
			}
			if threadID != 0 {
				touched[threadID] = struct{}{}
			}
		default:
			return fmt.Errorf("unknown change operation %q", change.Operation)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply tx: %w", err)
	}

	s.hub.notify(touched)
	return nil
}

func decodeRow(change feed.Change) (rowRecord, error) {
	var record rowRecord
	if err := json.Unmarshal(change.Value, &record); err != nil {
		return rowRecord{}, fmt.Errorf("decode row for key %q: %w", change.Key, err)
	}
	if record.ID == 0 {
		id, err := strconv.ParseInt(change.Key, 10, 64)
		if err != nil {
			return rowRecord{}, fmt.Errorf("row for key %q has no id", change.Key)
		}
		record.ID = id
	}
	return record, nil
}

func upsertRow(ctx context.Context, tx *sql.Tx, record rowRecord) error {
	const upsert = `
		INSERT INTO synced_comments (id, message_id, thread_id, parent_id, author_id, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			message_id = excluded.message_id,
			thread_id = excluded.thread_id,
			parent_id = excluded.parent_id,
			author_id = excluded.author_id,
			content = excluded.content,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`
	_, err := tx.ExecContext(ctx, upsert,
		record.ID,
		record.MessageID,
		record.ThreadID,
		record.ParentID,
		record.AuthorID,
		record.Content,
		record.CreatedAt.UTC().Format(timeLayout),
		record.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert row %d: %w", record.ID, err)
	}
	return nil
}

func deleteRow(ctx context.Context, tx *sql.Tx, id int64) (int64, error) {
	var threadID int64
	err := tx.QueryRowContext(ctx, `SELECT thread_id FROM synced_comments WHERE id = $1`, id).Scan(&threadID)
	if err == sql.ErrNoRows {
		// Deleting a row we never replicated is a no-op.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup row %d for delete: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM synced_comments WHERE id = $1`, id); err != nil {
		return 0, fmt.Errorf("delete row %d: %w", id, err)
	}
	return threadID, nil
}

// CommentsByThread returns every replicated row for the thread ordered by
// created_at ascending (id breaks ties for determinism).
func (s *Store) CommentsByThread(ctx context.Context, threadID int64) ([]CommentRow, error) {
	const query = `
		SELECT id, message_id, thread_id, parent_id, author_id, content, created_at, updated_at
		FROM synced_comments
		WHERE thread_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("query thread %d: %w", threadID, err)
	}
	defer rows.Close()

	var result []CommentRow
	for rows.Next() {
		var row CommentRow
		var createdAt, updatedAt string
		if err := rows.Scan(&row.ID, &row.MessageID, &row.ThreadID, &row.ParentID, &row.AuthorID, &row.Content, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan comment row: %w", err)
		}
		if row.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at for row %d: %w", row.ID, err)
		}
		if row.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at for row %d: %w", row.ID, err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread %d: %w", threadID, err)
	}
	return result, nil
}

// DeleteThread removes all replicated rows for a thread. Called on scope
// teardown; observers are not notified.
func (s *Store) DeleteThread(ctx context.Context, threadID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM synced_comments WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("delete thread %d: %w", threadID, err)
	}
	return nil
}

// ObserveThread registers fn to run after every applied change touching the
// thread. The returned cancel function is idempotent.
func (s *Store) ObserveThread(threadID int64, fn func()) func() {
	return s.hub.subscribe(threadID, fn)
}
