package admin

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

func TestViewDiscoversStreamsGroupsAndPending(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	streamName := "admin-" + mrand.Hex(8)
	groupName := "group-" + mrand.Hex(8)
	msgUID := uuid.New()
	encoded, err := message.EncodeData(map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, client.Do(radix.Cmd(nil, "XADD", message.StreamKeyPrefix+streamName, "*",
		message.IDField, msgUID.String(), message.DataField, string(encoded))))

	// Create the group and read the entry without acking, so it shows up
	// as pending for the admin view to discover.
	neverAck := func(ctx context.Context, g *consumer.Group, msg message.Message, done consumer.Done) error {
		return nil
	}
	g, err := consumer.New(ctx, client, groupName, "consumer-a", map[string]consumer.Handler{streamName: neverAck}, consumer.Opts{})
	require.NoError(t, err)
	_, err = g.RunOnce(ctx)
	require.NoError(t, err)

	view := New(client)
	streams, err := view.Streams(ctx, streamName)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Equal(t, streamName, streams[0].Name)

	groups, err := streams[0].Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, groupName, groups[0].Name)
	require.EqualValues(t, 1, groups[0].Pending)

	pending, err := groups[0].PendingMessages(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "cg:"+groupName+":consumer-a", pending[0].Consumer)

	msg, err := pending[0].Read(ctx)
	require.NoError(t, err)
	require.True(t, msg.Equal(message.New(streamName, msgUID, nil)))

	consumers, err := groups[0].Consumers(ctx)
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	require.Equal(t, "cg:"+groupName+":consumer-a", consumers[0].Name)

	require.NoError(t, pending[0].Remove(ctx))

	groupsAfter, err := streams[0].Groups(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, groupsAfter[0].Pending)

	require.NoError(t, groupsAfter[0].Delete(ctx))
}
