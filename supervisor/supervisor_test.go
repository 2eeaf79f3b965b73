package supervisor

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mediocregopher/radix/v3"
	"github.com/stretchr/testify/require"

	"github.com/mediocregopher/telstar/consumer"
	"github.com/mediocregopher/telstar/message"
	"github.com/mediocregopher/telstar/mrand"
	"github.com/mediocregopher/telstar/redisconn"
)

func testClient(t *testing.T) radix.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	pool, err := redisconn.New(redisconn.Opts{Addr: addr, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func xadd(t *testing.T, client radix.Client, stream string, data map[string]interface{}) {
	t.Helper()
	encoded, err := message.EncodeData(data)
	require.NoError(t, err)
	err = client.Do(radix.Cmd(nil, "XADD", message.StreamKeyPrefix+stream, "*",
		message.IDField, uuid.New().String(), message.DataField, string(encoded)))
	require.NoError(t, err)
}

func TestSupervisorRunOnceFansOutAcrossGroups(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	streamA := "stream-" + mrand.Hex(8)
	streamB := "stream-" + mrand.Hex(8)
	xadd(t, client, streamA, map[string]interface{}{"k": "a"})
	xadd(t, client, streamB, map[string]interface{}{"k": "b"})

	var mu sync.Mutex
	seen := map[string]bool{}
	handler := func(stream string) consumer.Handler {
		return func(ctx context.Context, g *consumer.Group, msg message.Message, done consumer.Done) error {
			mu.Lock()
			seen[stream] = true
			mu.Unlock()
			return done()
		}
	}

	sup := New(client, map[string]GroupConfig{
		"group-" + mrand.Hex(8): {
			ConsumerName: "consumer-a",
			Handlers:     map[string]consumer.Handler{streamA: handler(streamA)},
		},
		"group-" + mrand.Hex(8): {
			ConsumerName: "consumer-b",
			Handlers:     map[string]consumer.Handler{streamB: handler(streamB)},
		},
	})

	require.NoError(t, sup.RunOnce(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.True(t, seen[streamA])
	require.True(t, seen[streamB])
}

func TestSupervisorRunReturnsFirstChildError(t *testing.T) {
	client := testClient(t)
	stream := "stream-" + mrand.Hex(8)
	xadd(t, client, stream, map[string]interface{}{"k": "v"})

	boom := context.Canceled
	failing := func(ctx context.Context, g *consumer.Group, msg message.Message, done consumer.Done) error {
		return boom
	}

	sup := New(client, map[string]GroupConfig{
		"group-" + mrand.Hex(8): {
			ConsumerName: "consumer-a",
			Handlers:     map[string]consumer.Handler{stream: failing},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Run(ctx)
	require.ErrorIs(t, err, boom)
}
