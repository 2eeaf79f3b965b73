package consumer

import (
	"os"
	"testing"

	"github.com/mediocregopher/radix/v3"
	"github.com/stretchr/testify/require"

	"github.com/mediocregopher/telstar/redisconn"
)

// testClient dials a real stream server reachable at REDIS_ADDR, skipping
// the test if that variable isn't set. There's no Redis fake in the corpus
// (mredis/stream_test.go itself dials a real local instance), so
// integration-style tests are the only option here.
func testClient(t *testing.T) radix.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	pool, err := redisconn.New(redisconn.Opts{Addr: addr, PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}
