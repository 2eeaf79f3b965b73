package once

import (
	"context"
	"os"
	"testing"

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
	pool, err := redisconn.New(redisconn.Opts{Addr: addr, PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func xadd(t *testing.T, client radix.Client, stream string, msgUID uuid.UUID, data map[string]interface{}) {
	t.Helper()
	encoded, err := message.EncodeData(data)
	require.NoError(t, err)
	err = client.Do(radix.Cmd(nil, "XADD", message.StreamKeyPrefix+stream, "*",
		message.IDField, msgUID.String(), message.DataField, string(encoded)))
	require.NoError(t, err)
}

func TestOnceConsumerRunsExactlyOnce(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	stream := "stream-" + mrand.Hex(8)
	group := "group-" + mrand.Hex(8)
	xadd(t, client, stream, uuid.New(), map[string]interface{}{"k": "v"})
	xadd(t, client, stream, uuid.New(), map[string]interface{}{"k": "v2"})

	invoked := 0
	handler := func(ctx context.Context, g *consumer.Group, msg message.Message, done consumer.Done) error {
		invoked++
		return done()
	}

	c, err := New(ctx, client, group, map[string]consumer.Handler{stream: handler}, consumer.Opts{})
	require.NoError(t, err)

	n, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, invoked)

	// A second Run must be a no-op: the applied marker is now set.
	n, err = c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 2, invoked, "handler must not be invoked again after the marker is set")
}

func TestOnceConsumerResumesPartialProgress(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	stream := "stream-" + mrand.Hex(8)
	group := "group-" + mrand.Hex(8)
	xadd(t, client, stream, uuid.New(), map[string]interface{}{"k": "v"})

	// First consumer reads the entry into its pending list but never acks.
	neverAck := func(ctx context.Context, g *consumer.Group, msg message.Message, done consumer.Done) error {
		return nil
	}
	stuck, err := New(ctx, client, group, map[string]consumer.Handler{stream: neverAck}, consumer.Opts{})
	require.NoError(t, err)
	n, err := stuck.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Since the entry was never acked, the applied marker must not be set,
	// and a fresh Run (same fixed consumer name, so it inherits the
	// pending entry) must resume it from "0" rather than waiting on ">".
	var acked bool
	ackingHandler := func(ctx context.Context, g *consumer.Group, msg message.Message, done consumer.Done) error {
		acked = true
		return done()
	}
	resumed, err := New(ctx, client, group, map[string]consumer.Handler{stream: ackingHandler}, consumer.Opts{})
	require.NoError(t, err)
	n, err = resumed.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, acked)
}
