package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ietf-svn-conversion/mailarch/consts"
)

// EmailList is a named mailing list; its name partitions storage paths
// and index filtering.
type EmailList struct {
	ID            int64
	Name          string
	Private       bool
	Active        bool
	MembersDigest string
	CreatedAt     time.Time
}

func getOrCreateListTx(ctx context.Context, tx pgx.Tx, name string) (int64, error) {
	var id int64
	// The upsert returns the id in both the insert and the conflict case.
	err := tx.QueryRow(ctx, `
		INSERT INTO email_lists (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, name).Scan(&id)
	if err != nil {
		return 0, mapStoreError("get or create list", err)
	}
	return id, nil
}

// GetList fetches a list by name.
func (db *Database) GetList(ctx context.Context, name string) (*EmailList, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	var l EmailList
	err := db.ReadPool.QueryRow(ctx, `
		SELECT id, name, private, active, members_digest, created_at
		FROM email_lists WHERE name = $1`, name).
		Scan(&l.ID, &l.Name, &l.Private, &l.Active, &l.MembersDigest, &l.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, consts.ErrListNotFound
	}
	if err != nil {
		return nil, mapStoreError("get list", err)
	}
	return &l, nil
}

// ListNames returns all list names in order. The lookup cache in front of
// this is the usual read path.
func (db *Database) ListNames(ctx context.Context) ([]string, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	rows, err := db.ReadPool.Query(ctx, `SELECT name FROM email_lists ORDER BY name`)
	if err != nil {
		return nil, mapStoreError("list names", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, mapStoreError("scan list name", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Lists returns all lists, optionally only active ones.
func (db *Database) Lists(ctx context.Context, activeOnly bool) ([]EmailList, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	query := `SELECT id, name, private, active, members_digest, created_at FROM email_lists`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`

	rows, err := db.ReadPool.Query(ctx, query)
	if err != nil {
		return nil, mapStoreError("lists", err)
	}
	defer rows.Close()

	var lists []EmailList
	for rows.Next() {
		var l EmailList
		if err := rows.Scan(&l.ID, &l.Name, &l.Private, &l.Active, &l.MembersDigest, &l.CreatedAt); err != nil {
			return nil, mapStoreError("scan list", err)
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

// SetListActive flips a list's activity flag.
func (db *Database) SetListActive(ctx context.Context, name string, active bool) error {
	ctx, cancel := db.writeCtx(ctx)
	defer cancel()

	tag, err := db.WritePool.Exec(ctx,
		`UPDATE email_lists SET active = $2 WHERE name = $1`, name, active)
	if err != nil {
		return mapStoreError("set list active", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrListNotFound
	}
	return nil
}

// LatestMessageDate returns the date of a list's newest message, or the
// zero time for an empty list. Inactive-list detection uses it to avoid
// deactivating lists with recent traffic.
func (db *Database) LatestMessageDate(ctx context.Context, name string) (time.Time, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	var latest *time.Time
	err := db.ReadPool.QueryRow(ctx, `
		SELECT MAX(m.date) FROM messages m
		JOIN email_lists l ON l.id = m.list_id
		WHERE l.name = $1`, name).Scan(&latest)
	if err != nil {
		return time.Time{}, mapStoreError("latest message date", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

// ReplaceMembership swaps a private list's membership set and records the
// digest of the external source it came from. Membership sync compares
// digests before calling this, so unchanged lists cost one read.
func (db *Database) ReplaceMembership(ctx context.Context, name string, members []string, digest string) error {
	ctx, cancel := db.writeCtx(ctx)
	defer cancel()

	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return mapStoreError("begin membership transaction", err)
	}
	defer tx.Rollback(ctx)

	var listID int64
	err = tx.QueryRow(ctx,
		`UPDATE email_lists SET members_digest = $2 WHERE name = $1 RETURNING id`,
		name, digest).Scan(&listID)
	if err == pgx.ErrNoRows {
		return consts.ErrListNotFound
	}
	if err != nil {
		return mapStoreError("update members digest", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM list_members WHERE list_id = $1`, listID); err != nil {
		return mapStoreError("clear membership", err)
	}
	for _, address := range members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO list_members (list_id, address) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			listID, address); err != nil {
			return mapStoreError("insert member", err)
		}
	}

	return tx.Commit(ctx)
}

// Members returns the membership set of a list.
func (db *Database) Members(ctx context.Context, name string) ([]string, error) {
	ctx, cancel := db.readCtx(ctx)
	defer cancel()

	rows, err := db.ReadPool.Query(ctx, `
		SELECT lm.address FROM list_members lm
		JOIN email_lists l ON l.id = lm.list_id
		WHERE l.name = $1 ORDER BY lm.address`, name)
	if err != nil {
		return nil, mapStoreError("members", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, mapStoreError("scan member", err)
		}
		members = append(members, address)
	}
	return members, rows.Err()
}

// RecordSubscriberCount appends a subscriber-count snapshot for a list.
func (db *Database) RecordSubscriberCount(ctx context.Context, name string, count int) error {
	ctx, cancel := db.writeCtx(ctx)
	defer cancel()

	tag, err := db.WritePool.Exec(ctx, `
		INSERT INTO subscriber_counts (list_id, count)
		SELECT id, $2 FROM email_lists WHERE name = $1`, name, count)
	if err != nil {
		return mapStoreError("record subscriber count", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrListNotFound
	}
	return nil
}
