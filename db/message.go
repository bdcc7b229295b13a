package db

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ietf-svn-conversion/mailarch/consts"
	"github.com/ietf-svn-conversion/mailarch/pkg/metrics"
)

// Message is one archived email as stored.
type Message struct {
	ID          int64
	ListID      int64
	ListName    string
	ThreadID    int64
	ThreadOrder int
	ThreadDepth int
	ThreadDate  time.Time
	MsgID       string
	Hash        string
	Subject     string
	BaseSubject string
	Frm         string
	FrmName     string
	FrmEmail    string
	Date        time.Time
	SpamScore   int
	RawPath     string
	InReplyTo   string
	References  []string
	Updated     time.Time
}

// AttachmentInsert describes one MIME part to persist with a message.
type AttachmentInsert struct {
	Sequence           int
	ContentType        string
	ContentDisposition string
	Name               string
}

// Attachment is a stored MIME part, owned by its message.
type Attachment struct {
	ID                 int64
	MessageID          int64
	Sequence           int
	ContentType        string
	ContentDisposition string
	Name               string
}

// MessageInsert carries everything needed to persist a parsed message.
type MessageInsert struct {
	ListName    string
	MsgID       string
	Hash        string
	Subject     string
	BaseSubject string
	Frm         string
	FrmName     string
	FrmEmail    string
	Date        time.Time
	SpamScore   int
	RawPath     string
	InReplyTo   string
	References  []string
	Attachments []AttachmentInsert
}

// IngestStatus is the identity decision for an ingestion attempt.
type IngestStatus int

const (
	StatusNew IngestStatus = iota
	StatusDuplicate
	StatusConflict
)

func (s IngestStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusDuplicate:
		return "duplicate"
	case StatusConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// IngestResult is returned by InsertMessage. Message is populated for
// StatusNew and StatusDuplicate (the already-stored record).
type IngestResult struct {
	Status  IngestStatus
	Message *Message
	// NewThread reports whether a thread was created for this message.
	NewThread bool
}

// ThreadPolicy holds the tunable thread-resolution heuristics.
type ThreadPolicy struct {
	// Lookback bounds the base-subject fallback search window.
	Lookback time.Duration
	// MaxDepth caps the stored reply depth; deeper messages still join
	// the thread but are recorded at the ceiling.
	MaxDepth int
}

// ingestLockKey derives the advisory-lock key serializing concurrent
// ingestion of the same (list, msgid). Distinct messages hash to distinct
// keys with overwhelming probability, so contention stays per-identity.
func ingestLockKey(listName, msgid string) int64 {
	h := fnv.New64a()
	h.Write([]byte(listName))
	h.Write([]byte{0})
	h.Write([]byte(msgid))
	return int64(h.Sum64())
}

// InsertMessage runs the ingestion critical section: duplicate detection,
// thread resolution and the message insert, all inside one transaction
// serialized per (list, msgid) by a transaction-scoped advisory lock.
// At most one of several concurrent identical deliveries persists; the
// others observe StatusDuplicate.
func (db *Database) InsertMessage(ctx context.Context, m *MessageInsert, policy ThreadPolicy) (*IngestResult, error) {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues("insert_message", "failure").Inc()
		return nil, mapStoreError("begin ingest transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ingestLockKey(m.ListName, m.MsgID)); err != nil {
		metrics.DBQueriesTotal.WithLabelValues("insert_message", "failure").Inc()
		return nil, mapStoreError("acquire ingest lock", err)
	}

	listID, err := getOrCreateListTx(ctx, tx, m.ListName)
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues("insert_message", "failure").Inc()
		return nil, err
	}

	// Identity decision against the already-archived record, if any.
	var existingID int64
	var existingHash string
	err = tx.QueryRow(ctx,
		`SELECT id, hashcode FROM messages WHERE list_id = $1 AND msgid = $2`,
		listID, m.MsgID).Scan(&existingID, &existingHash)
	switch {
	case err == nil:
		if existingHash == m.Hash {
			existing, gerr := db.getMessageTx(ctx, tx, listID, m.MsgID)
			if gerr != nil {
				return nil, gerr
			}
			metrics.DBQueriesTotal.WithLabelValues("insert_message", "duplicate").Inc()
			return &IngestResult{Status: StatusDuplicate, Message: existing}, nil
		}
		metrics.DBQueriesTotal.WithLabelValues("insert_message", "conflict").Inc()
		return &IngestResult{Status: StatusConflict},
			fmt.Errorf("msgid %s on list %s: %w", m.MsgID, m.ListName, consts.ErrMessageConflict)
	case err == pgx.ErrNoRows:
		// New message, fall through.
	default:
		metrics.DBQueriesTotal.WithLabelValues("insert_message", "failure").Inc()
		return nil, mapStoreError("duplicate check", err)
	}

	resolution, err := resolveThread(ctx, tx, listID, m, policy)
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues("insert_message", "failure").Inc()
		return nil, err
	}

	stored := &Message{
		ListID:      listID,
		ListName:    m.ListName,
		ThreadID:    resolution.ThreadID,
		ThreadOrder: resolution.Order,
		ThreadDepth: resolution.Depth,
		ThreadDate:  resolution.ThreadDate,
		MsgID:       m.MsgID,
		Hash:        m.Hash,
		Subject:     m.Subject,
		BaseSubject: m.BaseSubject,
		Frm:         m.Frm,
		FrmName:     m.FrmName,
		FrmEmail:    m.FrmEmail,
		Date:        m.Date,
		SpamScore:   m.SpamScore,
		RawPath:     m.RawPath,
		InReplyTo:   m.InReplyTo,
		References:  m.References,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO messages (
			list_id, thread_id, thread_order, thread_depth, msgid, hashcode,
			subject, base_subject, frm, frm_name, frm_email, date, spam_score,
			raw_path, in_reply_to, refs
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id, updated`,
		listID, resolution.ThreadID, resolution.Order, resolution.Depth,
		m.MsgID, m.Hash, m.Subject, m.BaseSubject, m.Frm, m.FrmName, m.FrmEmail,
		m.Date, m.SpamScore, m.RawPath, m.InReplyTo, m.References,
	).Scan(&stored.ID, &stored.Updated)
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues("insert_message", "failure").Inc()
		switch uniqueConstraint(err) {
		case "messages_identity_key":
			// The advisory lock should make this unreachable; treat a
			// racing insert of the same identity as a duplicate.
			return &IngestResult{Status: StatusDuplicate}, nil
		case "messages_thread_position_key":
			// An ordinal collision means a concurrent joiner won the
			// position. The message itself was never persisted, so the
			// caller must retry the whole ingestion; reporting a duplicate
			// here would silently drop it.
			return nil, fmt.Errorf("insert message: thread position taken: %w: %w",
				consts.ErrStoreUnavailable, err)
		}
		return nil, mapStoreError("insert message", err)
	}

	for _, att := range m.Attachments {
		_, err = tx.Exec(ctx, `
			INSERT INTO attachments (message_id, sequence, content_type, content_disposition, name)
			VALUES ($1,$2,$3,$4,$5)`,
			stored.ID, att.Sequence, att.ContentType, att.ContentDisposition, att.Name)
		if err != nil {
			metrics.DBQueriesTotal.WithLabelValues("insert_message", "failure").Inc()
			return nil, mapStoreError("insert attachment", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.DBQueriesTotal.WithLabelValues("insert_message", "failure").Inc()
		return nil, mapStoreError("commit ingest transaction", err)
	}

	metrics.DBQueriesTotal.WithLabelValues("insert_message", "success").Inc()
	return &IngestResult{Status: StatusNew, Message: stored, NewThread: resolution.Created}, nil
}

const messageColumns = `
	m.id, m.list_id, l.name, m.thread_id, m.thread_order, m.thread_depth, t.date,
	m.msgid, m.hashcode, m.subject, m.base_subject, m.frm, m.frm_name, m.frm_email,
	m.date, m.spam_score, m.raw_path, m.in_reply_to, m.refs, m.updated`

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	err := row.Scan(
		&msg.ID, &msg.ListID, &msg.ListName, &msg.ThreadID, &msg.ThreadOrder,
		&msg.ThreadDepth, &msg.ThreadDate, &msg.MsgID, &msg.Hash, &msg.Subject,
		&msg.BaseSubject, &msg.Frm, &msg.FrmName, &msg.FrmEmail, &msg.Date,
		&msg.SpamScore, &msg.RawPath, &msg.InReplyTo, &msg.References, &msg.Updated)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (db *Database) getMessageTx(ctx context.Context, tx pgx.Tx, listID int64, msgid string) (*Message, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN email_lists l ON l.id = m.list_id
		JOIN threads t ON t.id = m.thread_id
		WHERE m.list_id = $1 AND m.msgid = $2`, listID, msgid)
	msg, err := scanMessage(row)
	if err == pgx.ErrNoRows {
		return nil, consts.ErrMessageNotFound
	}
	if err != nil {
		return nil, mapStoreError("get message", err)
	}
	return msg, nil
}

// GetMessage fetches one message by list name and msgid.
func (db *Database) GetMessage(ctx context.Context, listName, msgid string) (*Message, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	row := db.ReadPool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN email_lists l ON l.id = m.list_id
		JOIN threads t ON t.id = m.thread_id
		WHERE l.name = $1 AND m.msgid = $2`, listName, msgid)
	msg, err := scanMessage(row)
	if err == pgx.ErrNoRows {
		return nil, consts.ErrMessageNotFound
	}
	if err != nil {
		return nil, mapStoreError("get message", err)
	}
	return msg, nil
}

// MessageExists reports whether (list, msgid) is archived. Used by the
// completeness check, which only needs presence, not the record.
func (db *Database) MessageExists(ctx context.Context, listName, msgid string) (bool, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	var exists bool
	err := db.ReadPool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages m
			JOIN email_lists l ON l.id = m.list_id
			WHERE l.name = $1 AND m.msgid = $2
		)`, listName, msgid).Scan(&exists)
	if err != nil {
		return false, mapStoreError("message exists", err)
	}
	return exists, nil
}

// DeleteMessage removes a message and its attachments, destroying the
// thread if this was its last member. It returns the deleted record so
// the caller can remove the index document and the raw file.
func (db *Database) DeleteMessage(ctx context.Context, listName, msgid string) (*Message, error) {
	ctx, cancel := db.writeCtx(ctx)
	defer cancel()

	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return nil, mapStoreError("begin delete transaction", err)
	}
	defer tx.Rollback(ctx)

	var listID int64
	if err := tx.QueryRow(ctx, `SELECT id FROM email_lists WHERE name = $1`, listName).Scan(&listID); err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrListNotFound
		}
		return nil, mapStoreError("lookup list", err)
	}

	msg, err := db.getMessageTx(ctx, tx, listID, msgid)
	if err != nil {
		return nil, err
	}

	// Attachments cascade via the foreign key.
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, msg.ID); err != nil {
		return nil, mapStoreError("delete message", err)
	}

	var remaining int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM messages WHERE thread_id = $1`, msg.ThreadID).Scan(&remaining); err != nil {
		return nil, mapStoreError("count thread members", err)
	}
	if remaining == 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM threads WHERE id = $1`, msg.ThreadID); err != nil {
			return nil, mapStoreError("delete empty thread", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapStoreError("commit delete transaction", err)
	}

	metrics.DBQueriesTotal.WithLabelValues("delete_message", "success").Inc()
	return msg, nil
}

// Touch bumps a message's updated timestamp, forcing the next freshness
// pass (or an async synchronizer scan) to re-sync its index document.
func (db *Database) Touch(ctx context.Context, listName, msgid string) error {
	ctx, cancel := db.writeCtx(ctx)
	defer cancel()

	tag, err := db.WritePool.Exec(ctx, `
		UPDATE messages m SET updated = now()
		FROM email_lists l
		WHERE l.id = m.list_id AND l.name = $1 AND m.msgid = $2`, listName, msgid)
	if err != nil {
		return mapStoreError("touch message", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

// ChangedSince returns up to limit messages with updated >= since, in
// (updated, id) order, starting after the given cursor. Callers page by
// passing the last returned message's (Updated, ID) back in. Keyset
// pagination keeps reconciliation scans from holding long locks.
func (db *Database) ChangedSince(ctx context.Context, since time.Time, afterUpdated time.Time, afterID int64, limit int) ([]Message, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}

	rows, err := db.ReadPool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN email_lists l ON l.id = m.list_id
		JOIN threads t ON t.id = m.thread_id
		WHERE m.updated >= $1 AND (m.updated, m.id) > ($2, $3)
		ORDER BY m.updated, m.id
		LIMIT $4`, since, afterUpdated, afterID, limit)
	if err != nil {
		return nil, mapStoreError("changed since", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, mapStoreError("scan changed message", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("iterate changed messages", err)
	}
	return messages, nil
}

// MessagesForMonth returns all messages of a list within a month in date
// order, for monthly mbox regeneration.
func (db *Database) MessagesForMonth(ctx context.Context, listName string, year int, month time.Month) ([]Message, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	rows, err := db.ReadPool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN email_lists l ON l.id = m.list_id
		JOIN threads t ON t.id = m.thread_id
		WHERE l.name = $1 AND m.date >= $2 AND m.date < $3
		ORDER BY m.date, m.id`, listName, start, end)
	if err != nil {
		return nil, mapStoreError("messages for month", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, mapStoreError("scan month message", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// ListMessages returns messages of a list newest first, for the read-only
// query interface. The visibility decision is the caller's concern.
func (db *Database) ListMessages(ctx context.Context, listName string, limit, offset int) ([]Message, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.ReadPool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN email_lists l ON l.id = m.list_id
		JOIN threads t ON t.id = m.thread_id
		WHERE l.name = $1
		ORDER BY t.date DESC, m.thread_id, m.thread_order
		LIMIT $2 OFFSET $3`, listName, limit, offset)
	if err != nil {
		return nil, mapStoreError("list messages", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, mapStoreError("scan message", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// ThreadMessages returns the members of a thread in display order.
func (db *Database) ThreadMessages(ctx context.Context, threadID int64) ([]Message, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	rows, err := db.ReadPool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN email_lists l ON l.id = m.list_id
		JOIN threads t ON t.id = m.thread_id
		WHERE m.thread_id = $1
		ORDER BY m.thread_order`, threadID)
	if err != nil {
		return nil, mapStoreError("thread messages", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, mapStoreError("scan thread message", err)
		}
		messages = append(messages, *msg)
	}
	if len(messages) == 0 {
		return nil, consts.ErrThreadNotFound
	}
	return messages, rows.Err()
}

// MessageAttachments returns the attachments of a message in sequence order.
func (db *Database) MessageAttachments(ctx context.Context, messageID int64) ([]Attachment, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	rows, err := db.ReadPool.Query(ctx, `
		SELECT id, message_id, sequence, content_type, content_disposition, name
		FROM attachments WHERE message_id = $1 ORDER BY sequence`, messageID)
	if err != nil {
		return nil, mapStoreError("message attachments", err)
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Sequence, &a.ContentType, &a.ContentDisposition, &a.Name); err != nil {
			return nil, mapStoreError("scan attachment", err)
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}
