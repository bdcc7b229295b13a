package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ietf-svn-conversion/mailarch/consts"
)

// SQLiteIndex is the search index: a SQLite database with an FTS5 table
// over subject, body text and sender, plus a documents table carrying
// the sort and facet fields.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLite opens (and creates) the index database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteIndex, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty index path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	if _, err := sdb.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	_, _ = sdb.ExecContext(ctx, "PRAGMA busy_timeout=5000;")
	_, _ = sdb.ExecContext(ctx, "PRAGMA synchronous=NORMAL;")

	idx := &SQLiteIndex{db: sdb}
	if err := idx.migrate(ctx); err != nil {
		sdb.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *SQLiteIndex) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY,
		email_list TEXT NOT NULL,
		msgid TEXT NOT NULL,
		hashcode TEXT NOT NULL,
		frm TEXT NOT NULL DEFAULT '',
		frm_name TEXT NOT NULL DEFAULT '',
		date INTEGER NOT NULL,
		tdate INTEGER NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		subject_base TEXT NOT NULL DEFAULT '',
		thread_id INTEGER NOT NULL,
		thread_order INTEGER NOT NULL,
		thread_date INTEGER NOT NULL,
		thread_depth INTEGER NOT NULL,
		torder INTEGER NOT NULL,
		spam_score INTEGER NOT NULL DEFAULT 0,
		UNIQUE (email_list, msgid)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_torder ON documents (email_list, torder);
	CREATE INDEX IF NOT EXISTS idx_documents_tdate ON documents (email_list, tdate);
	CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(subject, text, frm);
	`
	if _, err := idx.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("index schema: %w", err)
	}
	return nil
}

func (idx *SQLiteIndex) Close() error {
	return idx.db.Close()
}

// Upsert writes a document so reads after the call observe it. An
// existing document for the same (email_list, msgid) is replaced.
func (idx *SQLiteIndex) Upsert(ctx context.Context, doc *Document) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", consts.ErrIndexUnavailable, err)
	}
	defer tx.Rollback()

	// Drop any previous version of the document, FTS row included.
	var oldID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE email_list = ? AND msgid = ?`,
		doc.EmailList, doc.MsgID).Scan(&oldID)
	switch err {
	case nil:
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("delete stale document: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE rowid = ?`, oldID); err != nil {
			return fmt.Errorf("delete stale fts row: %w", err)
		}
	case sql.ErrNoRows:
	default:
		return fmt.Errorf("%w: %w", consts.ErrIndexUnavailable, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (
			email_list, msgid, hashcode, frm, frm_name, date, tdate,
			subject, subject_base, thread_id, thread_order, thread_date,
			thread_depth, torder, spam_score
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		doc.EmailList, doc.MsgID, doc.Hash, doc.Frm, doc.FrmName,
		doc.Date.Unix(), doc.TDate.Unix(), doc.Subject, doc.SubjectBase,
		doc.ThreadID, doc.ThreadOrder, doc.ThreadDate.Unix(),
		doc.ThreadDepth, doc.TOrder, doc.SpamScore)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	docID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("document id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents_fts (rowid, subject, text, frm) VALUES (?,?,?,?)`,
		docID, doc.Subject, doc.Text, doc.Frm); err != nil {
		return fmt.Errorf("insert fts row: %w", err)
	}

	return tx.Commit()
}

// Delete removes the document for (email_list, msgid). Deleting an
// absent document is a no-op.
func (idx *SQLiteIndex) Delete(ctx context.Context, emailList, msgid string) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", consts.ErrIndexUnavailable, err)
	}
	defer tx.Rollback()

	var docID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE email_list = ? AND msgid = ?`,
		emailList, msgid).Scan(&docID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", consts.ErrIndexUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE rowid = ?`, docID); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}

	return tx.Commit()
}

// Verify compares one store record against the index by identity and
// content hash.
func (idx *SQLiteIndex) Verify(ctx context.Context, emailList, msgid, hash string) (VerifyStatus, error) {
	var storedHash string
	err := idx.db.QueryRowContext(ctx,
		`SELECT hashcode FROM documents WHERE email_list = ? AND msgid = ?`,
		emailList, msgid).Scan(&storedHash)
	if err == sql.ErrNoRows {
		return VerifyAbsent, nil
	}
	if err != nil {
		return VerifyAbsent, fmt.Errorf("%w: %w", consts.ErrIndexUnavailable, err)
	}
	if storedHash != hash {
		return VerifyMismatched, nil
	}
	return VerifyPresent, nil
}

// SearchHit is one full-text search result.
type SearchHit struct {
	MsgID     string    `json:"msgid"`
	EmailList string    `json:"email_list"`
	Subject   string    `json:"subject"`
	Frm       string    `json:"frm"`
	Date      time.Time `json:"date"`
	ThreadID  int64     `json:"thread_id"`
	TOrder    int64     `json:"torder"`
}

// Search runs a full-text query over subject, body and sender,
// optionally restricted to one list, best matches first.
func (idx *SQLiteIndex) Search(ctx context.Context, query, emailList string, limit int) ([]SearchHit, error) {
	if limit <= 0 || limit > 1000 {
		limit = 40
	}

	sqlQuery := `
		SELECT d.msgid, d.email_list, d.subject, d.frm, d.date, d.thread_id, d.torder
		FROM documents_fts f
		JOIN documents d ON d.id = f.rowid
		WHERE documents_fts MATCH ?`
	args := []any{query}
	if emailList != "" {
		sqlQuery += ` AND d.email_list = ?`
		args = append(args, emailList)
	}
	sqlQuery += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := idx.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", consts.ErrIndexUnavailable, err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var date int64
		if err := rows.Scan(&h.MsgID, &h.EmailList, &h.Subject, &h.Frm, &date, &h.ThreadID, &h.TOrder); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		h.Date = time.Unix(date, 0).UTC()
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Count returns the number of indexed documents, optionally per list.
func (idx *SQLiteIndex) Count(ctx context.Context, emailList string) (int64, error) {
	var count int64
	var err error
	if emailList == "" {
		err = idx.db.QueryRowContext(ctx, `SELECT count(*) FROM documents`).Scan(&count)
	} else {
		err = idx.db.QueryRowContext(ctx,
			`SELECT count(*) FROM documents WHERE email_list = ?`, emailList).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", consts.ErrIndexUnavailable, err)
	}
	return count, nil
}
