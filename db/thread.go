package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ietf-svn-conversion/mailarch/pkg/metrics"
)

// Thread is a conversation grouping. Its date tracks the most recent
// member message, so active conversations sort first.
type Thread struct {
	ID     int64
	ListID int64
	Date   time.Time
}

// threadResolution is the outcome of placing a message in a conversation.
type threadResolution struct {
	ThreadID   int64
	ThreadDate time.Time
	Order      int
	Depth      int
	Created    bool
}

// resolveThread determines the thread a new message belongs to and its
// position within it. Resolution order:
//
//  1. In-Reply-To, then References newest-first, looked up against
//     already-archived messages of the same list.
//  2. Base-subject match within the policy lookback window.
//  3. A new thread seeded by this message.
//
// thread_order is always the next ordinal in the thread, which keeps the
// ordering key (thread_date, thread_id, thread_order) a strict total
// order. Reply nesting is carried separately in thread_depth, capped at
// the policy ceiling to bound display recursion downstream.
//
// Runs inside the ingestion transaction; any failure aborts the message's
// ingestion so a message is never persisted without a thread assignment.
func resolveThread(ctx context.Context, tx pgx.Tx, listID int64, m *MessageInsert, policy ThreadPolicy) (*threadResolution, error) {
	// Candidate parent identifiers, most specific first. References lists
	// ancestors oldest-first, so walk it backwards.
	var candidates []string
	if m.InReplyTo != "" {
		candidates = append(candidates, m.InReplyTo)
	}
	for i := len(m.References) - 1; i >= 0; i-- {
		if ref := m.References[i]; ref != "" && ref != m.InReplyTo {
			candidates = append(candidates, ref)
		}
	}

	for _, ref := range candidates {
		var threadID int64
		var parentDepth int
		err := tx.QueryRow(ctx, `
			SELECT thread_id, thread_depth FROM messages
			WHERE list_id = $1 AND msgid = $2`, listID, ref).Scan(&threadID, &parentDepth)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, mapStoreError("resolve parent", err)
		}

		res, err := joinThread(ctx, tx, threadID, m.Date)
		if err != nil {
			return nil, err
		}
		res.Depth = parentDepth + 1
		if res.Depth > policy.MaxDepth {
			res.Depth = policy.MaxDepth
		}
		metrics.ThreadsJoinedByReference.Inc()
		return res, nil
	}

	// Subject-convention replies lacking threading headers: group by
	// base_subject within the recency window. An empty base subject never
	// matches; it would glue unrelated messages together.
	if m.BaseSubject != "" && policy.Lookback > 0 {
		var threadID int64
		err := tx.QueryRow(ctx, `
			SELECT thread_id FROM messages
			WHERE list_id = $1 AND base_subject = $2 AND date >= $3
			ORDER BY date DESC
			LIMIT 1`, listID, m.BaseSubject, m.Date.Add(-policy.Lookback)).Scan(&threadID)
		switch err {
		case nil:
			res, jerr := joinThread(ctx, tx, threadID, m.Date)
			if jerr != nil {
				return nil, jerr
			}
			metrics.ThreadsJoinedBySubject.Inc()
			return res, nil
		case pgx.ErrNoRows:
			// fall through to thread creation
		default:
			return nil, mapStoreError("resolve by subject", err)
		}
	}

	var threadID int64
	err := tx.QueryRow(ctx,
		`INSERT INTO threads (list_id, date) VALUES ($1, $2) RETURNING id`,
		listID, m.Date).Scan(&threadID)
	if err != nil {
		return nil, mapStoreError("create thread", err)
	}
	metrics.ThreadsCreated.Inc()
	return &threadResolution{ThreadID: threadID, ThreadDate: m.Date, Order: 0, Depth: 0, Created: true}, nil
}

// joinThread assigns the next ordinal in an existing thread and advances
// the thread date if this message is newer.
//
// The advisory lock in InsertMessage is keyed per (list, msgid), so two
// distinct messages joining the same thread run concurrently. The UPDATE
// takes the thread row lock before the ordinal is computed; a concurrent
// joiner blocks there until this transaction commits and then reads the
// committed MAX, so ordinals never collide.
func joinThread(ctx context.Context, tx pgx.Tx, threadID int64, msgDate time.Time) (*threadResolution, error) {
	var threadDate time.Time
	err := tx.QueryRow(ctx, `
		UPDATE threads SET date = GREATEST(date, $1) WHERE id = $2 RETURNING date`,
		msgDate, threadID).Scan(&threadDate)
	if err != nil {
		return nil, mapStoreError("advance thread date", err)
	}

	var order int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(thread_order) + 1, 0) FROM messages WHERE thread_id = $1`,
		threadID).Scan(&order)
	if err != nil {
		return nil, mapStoreError("next thread order", err)
	}

	return &threadResolution{ThreadID: threadID, ThreadDate: threadDate, Order: order}, nil
}
