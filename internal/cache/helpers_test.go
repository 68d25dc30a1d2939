package cache

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// newTestStore 返回关闭磁盘余量检查、安全余量为 0 的分片缓存。
func newTestStore(t *testing.T, limit int64) *ShardedStore {
	t.Helper()
	store, err := NewShardedStore(t.TempDir(), Options{
		Limit:        limit,
		SafetyMargin: -1,
		DiskReserve:  -1,
	})
	require.NoError(t, err)
	return store
}
