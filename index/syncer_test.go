package index

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ietf-svn-conversion/mailarch/config"
)

// flakyIndex fails the first failures calls to Upsert/Delete, then
// succeeds, recording everything applied.
type flakyIndex struct {
	mu       sync.Mutex
	failures int
	calls    int
	upserts  []*Document
	deletes  []string
}

func (f *flakyIndex) Upsert(ctx context.Context, doc *Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return fmt.Errorf("index write refused")
	}
	f.upserts = append(f.upserts, doc)
	return nil
}

func (f *flakyIndex) Delete(ctx context.Context, emailList, msgid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return fmt.Errorf("index write refused")
	}
	f.deletes = append(f.deletes, emailList+"/"+msgid)
	return nil
}

func (f *flakyIndex) Verify(ctx context.Context, emailList, msgid, hash string) (VerifyStatus, error) {
	return VerifyAbsent, nil
}

func (f *flakyIndex) applied() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts), len(f.deletes)
}

func testSyncer(t *testing.T, mode string, maxAttempts int, idx Index) *Syncer {
	t.Helper()
	cfg := &config.IndexConfig{
		Path:        filepath.Join(t.TempDir(), "index.db"),
		Mode:        mode,
		MaxAttempts: maxAttempts,
	}
	s, err := NewSyncer(context.Background(), cfg, idx)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncerSyncModeInline(t *testing.T) {
	ctx := context.Background()
	idx := &flakyIndex{}
	s := testSyncer(t, "sync", 3, idx)

	s.Upsert(ctx, testDocumentMessage("tools", "<a@example.org>", "h1"), "body")

	upserts, _ := idx.applied()
	assert.Equal(t, 1, upserts)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestSyncerSyncModeQueuesOnFailure(t *testing.T) {
	ctx := context.Background()
	idx := &flakyIndex{failures: 1}
	s := testSyncer(t, "sync", 3, idx)

	// Inline write fails; the document must land in the queue, not vanish.
	s.Upsert(ctx, testDocumentMessage("tools", "<a@example.org>", "h1"), "body")

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	s.ProcessQueue(ctx)

	upserts, _ := idx.applied()
	assert.Equal(t, 1, upserts)
	depth, err = s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestSyncerAsyncModeQueuesAlways(t *testing.T) {
	ctx := context.Background()
	idx := &flakyIndex{}
	s := testSyncer(t, "async", 3, idx)

	s.Upsert(ctx, testDocumentMessage("tools", "<a@example.org>", "h1"), "body")
	s.Delete(ctx, "tools", "<b@example.org>")

	// Nothing touched the index yet.
	upserts, deletes := idx.applied()
	assert.Equal(t, 0, upserts)
	assert.Equal(t, 0, deletes)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	s.ProcessQueue(ctx)

	upserts, deletes = idx.applied()
	assert.Equal(t, 1, upserts)
	assert.Equal(t, 1, deletes)
}

func TestSyncerQueueSupersedes(t *testing.T) {
	ctx := context.Background()
	idx := &flakyIndex{}
	s := testSyncer(t, "async", 3, idx)

	s.Upsert(ctx, testDocumentMessage("tools", "<a@example.org>", "h1"), "old body")
	s.Upsert(ctx, testDocumentMessage("tools", "<a@example.org>", "h2"), "new body")

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	s.ProcessQueue(ctx)

	require.Len(t, idx.upserts, 1)
	assert.Equal(t, "h2", idx.upserts[0].Hash)
}

func TestSyncerRetriesExhaust(t *testing.T) {
	ctx := context.Background()
	idx := &flakyIndex{failures: 1 << 30}
	s := testSyncer(t, "async", 2, idx)

	s.Upsert(ctx, testDocumentMessage("tools", "<a@example.org>", "h1"), "body")

	s.ProcessQueue(ctx) // attempt 1
	s.ProcessQueue(ctx) // attempt 2, marks dead

	// Dead entries no longer count as pending and are not re-leased.
	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	calls := idx.calls
	s.ProcessQueue(ctx)
	assert.Equal(t, calls, idx.calls)
}

func TestSyncerQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := &config.IndexConfig{
		Path:      filepath.Join(dir, "index.db"),
		QueuePath: filepath.Join(dir, "queue.db"),
		Mode:      "async",
	}

	idx := &flakyIndex{}
	s, err := NewSyncer(ctx, cfg, idx)
	require.NoError(t, err)
	s.Upsert(ctx, testDocumentMessage("tools", "<a@example.org>", "h1"), "body")
	require.NoError(t, s.Close())

	s2, err := NewSyncer(ctx, cfg, idx)
	require.NoError(t, err)
	defer s2.Close()

	depth, err := s2.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	s2.ProcessQueue(ctx)
	upserts, _ := idx.applied()
	assert.Equal(t, 1, upserts)
}
