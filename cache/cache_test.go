package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/consts"
	"github.com/ietf-svn-conversion/mailarch/db"
)

type countingSource struct {
	listLoads   atomic.Int64
	nameLoads   atomic.Int64
	memberLoads atomic.Int64
	knownList   string
	members     []string
}

func (s *countingSource) GetList(ctx context.Context, name string) (*db.EmailList, error) {
	s.listLoads.Add(1)
	if name != s.knownList {
		return nil, consts.ErrListNotFound
	}
	return &db.EmailList{ID: 1, Name: name, Active: true}, nil
}

func (s *countingSource) ListNames(ctx context.Context) ([]string, error) {
	s.nameLoads.Add(1)
	return []string{s.knownList}, nil
}

func (s *countingSource) Members(ctx context.Context, name string) ([]string, error) {
	s.memberLoads.Add(1)
	return s.members, nil
}

func newTestCache(t *testing.T, source ListSource) *ListCache {
	t.Helper()
	c, err := New(source, &config.CacheConfig{TTL: "1h", NegativeTTL: "1h"})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestGetListCachesPositiveAndNegative(t *testing.T) {
	ctx := context.Background()
	source := &countingSource{knownList: "tools"}
	c := newTestCache(t, source)

	for i := 0; i < 3; i++ {
		list, err := c.GetList(ctx, "tools")
		require.NoError(t, err)
		assert.Equal(t, "tools", list.Name)
	}
	assert.Equal(t, int64(1), source.listLoads.Load())

	for i := 0; i < 3; i++ {
		_, err := c.GetList(ctx, "nosuch")
		assert.ErrorIs(t, err, consts.ErrListNotFound)
	}
	assert.Equal(t, int64(2), source.listLoads.Load())
}

func TestListNamesAndMembersCached(t *testing.T) {
	ctx := context.Background()
	source := &countingSource{knownList: "tools", members: []string{"alice@example.org"}}
	c := newTestCache(t, source)

	for i := 0; i < 3; i++ {
		names, err := c.ListNames(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"tools"}, names)

		members, err := c.Members(ctx, "tools")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice@example.org"}, members)
	}
	assert.Equal(t, int64(1), source.nameLoads.Load())
	assert.Equal(t, int64(1), source.memberLoads.Load())
}

func TestInvalidateForcesReload(t *testing.T) {
	ctx := context.Background()
	source := &countingSource{knownList: "tools"}
	c := newTestCache(t, source)

	_, err := c.GetList(ctx, "tools")
	require.NoError(t, err)
	c.Invalidate("tools")
	_, err = c.GetList(ctx, "tools")
	require.NoError(t, err)

	assert.Equal(t, int64(2), source.listLoads.Load())
}

func TestConcurrentMissesCollapse(t *testing.T) {
	ctx := context.Background()
	source := &countingSource{knownList: "tools"}
	c := newTestCache(t, source)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			list, err := c.GetList(ctx, "tools")
			assert.NoError(t, err)
			assert.NotNil(t, list)
		}()
	}
	wg.Wait()

	// Singleflight admits at most a couple of loads under contention.
	assert.LessOrEqual(t, source.listLoads.Load(), int64(2))
}
