package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	opUpsert = "upsert"
	opDelete = "delete"
)

// queueEntry is one pending index write. Upserts carry the fully-built
// document so retries never depend on the store being reachable.
type queueEntry struct {
	ID        int64
	Op        string
	EmailList string
	MsgID     string
	Doc       *Document
	Attempts  int
	LastError string
}

// queue is the durable retry queue for index writes, backed by its own
// SQLite file so queued work survives a crash between store commit and
// index write.
type queue struct {
	db *sql.DB
}

func openQueue(ctx context.Context, path string) (*queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	qdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	if _, err := qdb.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		qdb.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	_, _ = qdb.ExecContext(ctx, "PRAGMA busy_timeout=5000;")

	schema := `
	CREATE TABLE IF NOT EXISTS index_queue (
		id INTEGER PRIMARY KEY,
		op TEXT NOT NULL,
		email_list TEXT NOT NULL,
		msgid TEXT NOT NULL,
		doc TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		dead INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_pending ON index_queue (dead, id);
	`
	if _, err := qdb.ExecContext(ctx, schema); err != nil {
		qdb.Close()
		return nil, fmt.Errorf("queue schema: %w", err)
	}

	return &queue{db: qdb}, nil
}

func (q *queue) close() error {
	return q.db.Close()
}

// enqueue records a pending write. A newer entry for the same identity
// supersedes older pending ones, which keeps replays in arrival order
// per message without replaying stale documents.
func (q *queue) enqueue(ctx context.Context, op, emailList, msgid string, doc *Document) error {
	var docJSON []byte
	if doc != nil {
		var err error
		docJSON, err = json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal queued document: %w", err)
		}
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM index_queue WHERE email_list = ? AND msgid = ? AND dead = 0`,
		emailList, msgid); err != nil {
		return fmt.Errorf("supersede queued write: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO index_queue (op, email_list, msgid, doc, created)
		VALUES (?,?,?,?,?)`,
		op, emailList, msgid, string(docJSON), time.Now().Unix()); err != nil {
		return fmt.Errorf("enqueue index write: %w", err)
	}

	return tx.Commit()
}

// lease returns up to limit live entries in insertion order.
func (q *queue) lease(ctx context.Context, limit int) ([]queueEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, op, email_list, msgid, doc, attempts, last_error
		FROM index_queue WHERE dead = 0 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("lease queue entries: %w", err)
	}
	defer rows.Close()

	var entries []queueEntry
	for rows.Next() {
		var e queueEntry
		var docJSON string
		if err := rows.Scan(&e.ID, &e.Op, &e.EmailList, &e.MsgID, &docJSON, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		if docJSON != "" {
			e.Doc = &Document{}
			if err := json.Unmarshal([]byte(docJSON), e.Doc); err != nil {
				return nil, fmt.Errorf("unmarshal queued document: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q *queue) complete(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM index_queue WHERE id = ?`, id)
	return err
}

// fail records a failed attempt; after maxAttempts the entry is marked
// dead. Dead entries stay in the queue for operator inspection.
func (q *queue) fail(ctx context.Context, id int64, cause string, maxAttempts int) (dead bool, err error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE index_queue
		SET attempts = attempts + 1,
		    last_error = ?,
		    dead = CASE WHEN attempts + 1 >= ? THEN 1 ELSE 0 END
		WHERE id = ?`, cause, maxAttempts, id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	var isDead int
	if err := q.db.QueryRowContext(ctx,
		`SELECT dead FROM index_queue WHERE id = ?`, id).Scan(&isDead); err != nil {
		return false, err
	}
	return isDead == 1, nil
}

// depth returns the number of live entries.
func (q *queue) depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT count(*) FROM index_queue WHERE dead = 0`).Scan(&n)
	return n, err
}
