//go:build integration

package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/consts"
)

func integrationDatabase(t *testing.T) *Database {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "1" {
		t.Skip("integration tests disabled via SKIP_INTEGRATION_TESTS=1")
	}

	cfg := &config.DatabaseConfig{
		Host:     envOr("MAILARCH_TEST_DB_HOST", "localhost"),
		User:     envOr("MAILARCH_TEST_DB_USER", "postgres"),
		Password: os.Getenv("MAILARCH_TEST_DB_PASSWORD"),
		Name:     envOr("MAILARCH_TEST_DB_NAME", "mailarch_test"),
	}
	database, err := NewDatabase(context.Background(), cfg)
	if err != nil {
		t.Skipf("database unavailable, skipping integration test: %v", err)
	}
	t.Cleanup(database.Close)
	return database
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// uniqueList isolates each test run in its own list.
func uniqueList(t *testing.T) string {
	return fmt.Sprintf("t-%s-%d", t.Name()[len("Test"):], time.Now().UnixNano())
}

func testPolicy() ThreadPolicy {
	return ThreadPolicy{Lookback: 90 * 24 * time.Hour, MaxDepth: 6}
}

func insertFor(list, msgid, hash, baseSubject string, date time.Time) *MessageInsert {
	return &MessageInsert{
		ListName:    list,
		MsgID:       msgid,
		Hash:        hash,
		Subject:     baseSubject,
		BaseSubject: baseSubject,
		Frm:         "Jane Doe <jane@example.org>",
		FrmName:     "Jane Doe",
		FrmEmail:    "jane@example.org",
		Date:        date,
		RawPath:     list + "/2024-03/" + hash,
	}
}

func TestResolveThreadJoinsByReference(t *testing.T) {
	database := integrationDatabase(t)
	ctx := context.Background()
	list := uniqueList(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	root, err := database.InsertMessage(ctx, insertFor(list, "root@x", "h-root", "topic a", base), testPolicy())
	require.NoError(t, err)
	require.Equal(t, StatusNew, root.Status)
	assert.True(t, root.NewThread)
	assert.Equal(t, 0, root.Message.ThreadOrder)
	assert.Equal(t, 0, root.Message.ThreadDepth)

	reply := insertFor(list, "reply@x", "h-reply", "different subject", base.Add(time.Hour))
	reply.InReplyTo = "root@x"
	got, err := database.InsertMessage(ctx, reply, testPolicy())
	require.NoError(t, err)
	require.Equal(t, StatusNew, got.Status)
	assert.False(t, got.NewThread)
	assert.Equal(t, root.Message.ThreadID, got.Message.ThreadID)
	assert.Equal(t, 1, got.Message.ThreadOrder)
	assert.Equal(t, 1, got.Message.ThreadDepth)
}

func TestResolveThreadWalksReferencesNewestFirst(t *testing.T) {
	database := integrationDatabase(t)
	ctx := context.Background()
	list := uniqueList(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	old, err := database.InsertMessage(ctx, insertFor(list, "old@x", "h-old", "old topic", base), testPolicy())
	require.NoError(t, err)
	recent, err := database.InsertMessage(ctx, insertFor(list, "recent@x", "h-recent", "recent topic", base.Add(time.Hour)), testPolicy())
	require.NoError(t, err)
	require.NotEqual(t, old.Message.ThreadID, recent.Message.ThreadID)

	// References lists ancestors oldest-first; the resolver must prefer
	// the nearest (last) resolvable ancestor.
	reply := insertFor(list, "reply@x", "h-reply", "reply", base.Add(2*time.Hour))
	reply.References = []string{"old@x", "recent@x"}
	got, err := database.InsertMessage(ctx, reply, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, recent.Message.ThreadID, got.Message.ThreadID)
}

func TestResolveThreadSubjectFallbackWindow(t *testing.T) {
	database := integrationDatabase(t)
	ctx := context.Background()
	list := uniqueList(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	root, err := database.InsertMessage(ctx, insertFor(list, "root@x", "h-root", "agenda", base), testPolicy())
	require.NoError(t, err)

	// Same base subject inside the lookback joins the thread even with
	// no threading headers.
	inside, err := database.InsertMessage(ctx,
		insertFor(list, "inside@x", "h-inside", "agenda", base.Add(24*time.Hour)), testPolicy())
	require.NoError(t, err)
	assert.Equal(t, root.Message.ThreadID, inside.Message.ThreadID)
	assert.Equal(t, 1, inside.Message.ThreadOrder)
	assert.Equal(t, 0, inside.Message.ThreadDepth)

	// Outside the lookback a new thread starts.
	outside, err := database.InsertMessage(ctx,
		insertFor(list, "outside@x", "h-outside", "agenda", base.Add(120*24*time.Hour)), testPolicy())
	require.NoError(t, err)
	assert.NotEqual(t, root.Message.ThreadID, outside.Message.ThreadID)
	assert.True(t, outside.NewThread)
}

func TestResolveThreadEmptyBaseSubjectNeverMatches(t *testing.T) {
	database := integrationDatabase(t)
	ctx := context.Background()
	list := uniqueList(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := database.InsertMessage(ctx, insertFor(list, "a@x", "h-a", "", base), testPolicy())
	require.NoError(t, err)
	second, err := database.InsertMessage(ctx, insertFor(list, "b@x", "h-b", "", base.Add(time.Minute)), testPolicy())
	require.NoError(t, err)
	assert.NotEqual(t, first.Message.ThreadID, second.Message.ThreadID)
}

func TestResolveThreadDepthCeiling(t *testing.T) {
	database := integrationDatabase(t)
	ctx := context.Background()
	list := uniqueList(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	policy := ThreadPolicy{Lookback: 90 * 24 * time.Hour, MaxDepth: 3}

	parent := "m0@x"
	_, err := database.InsertMessage(ctx, insertFor(list, parent, "h0", "topic", base), policy)
	require.NoError(t, err)

	var last *Message
	for i := 1; i <= 5; i++ {
		m := insertFor(list, fmt.Sprintf("m%d@x", i), fmt.Sprintf("h%d", i), "topic", base.Add(time.Duration(i)*time.Minute))
		m.InReplyTo = parent
		got, err := database.InsertMessage(ctx, m, policy)
		require.NoError(t, err)
		last = got.Message
		parent = m.MsgID
	}

	// Depth is capped at the ceiling; the ordinal keeps advancing.
	assert.Equal(t, 3, last.ThreadDepth)
	assert.Equal(t, 5, last.ThreadOrder)
}

// Concurrent distinct replies to one thread must both persist with
// distinct ordinals. The advisory lock only serializes per identity, so
// ordinal assignment relies on the thread row lock taken in joinThread.
func TestConcurrentThreadJoinsKeepEveryMessage(t *testing.T) {
	database := integrationDatabase(t)
	ctx := context.Background()
	list := uniqueList(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	root, err := database.InsertMessage(ctx, insertFor(list, "root@x", "h-root", "topic", base), testPolicy())
	require.NoError(t, err)

	const joiners = 8
	var wg sync.WaitGroup
	results := make([]*IngestResult, joiners)
	errs := make([]error, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := insertFor(list, fmt.Sprintf("r%d@x", i), fmt.Sprintf("h-r%d", i), "topic", base.Add(time.Minute))
			m.InReplyTo = "root@x"
			for {
				res, err := database.InsertMessage(ctx, m, testPolicy())
				if errors.Is(err, consts.ErrStoreUnavailable) {
					continue
				}
				results[i], errs[i] = res, err
				return
			}
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{root.Message.ThreadOrder: true}
	for i := 0; i < joiners; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, StatusNew, results[i].Status, "joiner %d must persist, not report duplicate", i)
		assert.Equal(t, root.Message.ThreadID, results[i].Message.ThreadID)
		assert.False(t, seen[results[i].Message.ThreadOrder], "ordinal %d assigned twice", results[i].Message.ThreadOrder)
		seen[results[i].Message.ThreadOrder] = true
	}

	msgs, err := database.ThreadMessages(ctx, root.Message.ThreadID)
	require.NoError(t, err)
	assert.Len(t, msgs, joiners+1)
}

func TestConflictKeepsFirstMessage(t *testing.T) {
	database := integrationDatabase(t)
	ctx := context.Background()
	list := uniqueList(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := database.InsertMessage(ctx, insertFor(list, "same@x", "h-first", "topic", base), testPolicy())
	require.NoError(t, err)

	res, err := database.InsertMessage(ctx, insertFor(list, "same@x", "h-second", "topic", base.Add(time.Hour)), testPolicy())
	require.ErrorIs(t, err, consts.ErrMessageConflict)
	require.Equal(t, StatusConflict, res.Status)

	stored, err := database.GetMessage(ctx, list, "same@x")
	require.NoError(t, err)
	assert.Equal(t, "h-first", stored.Hash)
	assert.Equal(t, first.Message.ID, stored.ID)
}
