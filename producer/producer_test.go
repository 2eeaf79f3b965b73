package producer

import (
	"context"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/mediocregopher/radix/v3"
	"github.com/stretchr/testify/require"

	"github.com/mediocregopher/telstar/mrand"
	"github.com/mediocregopher/telstar/message"
	"github.com/mediocregopher/telstar/outbox"
)

func testLoop(t *testing.T) (*Loop, radix.Client, *outbox.Repository) {
	t.Helper()
	redisAddr := os.Getenv("REDIS_ADDR")
	dsn := os.Getenv("MYSQL_DSN")
	if redisAddr == "" || dsn == "" {
		t.Skip("REDIS_ADDR and MYSQL_DSN must both be set, skipping integration test")
	}

	client, err := radix.NewPool("tcp", redisAddr, 2)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	db, err := sqlx.Connect("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS ` + outbox.TableName + ` (
		id BIGINT PRIMARY KEY AUTO_INCREMENT,
		msg_uid CHAR(36) NOT NULL,
		topic VARCHAR(255) NOT NULL,
		data TEXT NOT NULL,
		sent BOOL NOT NULL DEFAULT false,
		send_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)

	repo := outbox.New(db)
	loop := New(client, repo, Opts{BatchSize: 5})
	return loop, client, repo
}

func TestLoopSendsStagedMessages(t *testing.T) {
	loop, client, repo := testLoop(t)
	ctx := context.Background()

	stream := "stream-" + mrand.Hex(8)
	msgUID, err := repo.Create(ctx, stream, map[string]interface{}{"k": "v"}, 0)
	require.NoError(t, err)

	sent, err := loop.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	var raw []interface{}
	err = client.Do(radix.Cmd(&raw, "XRANGE", message.StreamKeyPrefix+stream, "-", "+"))
	require.NoError(t, err)
	require.Len(t, raw, 1)

	rows, err := repo.Unsent(ctx, 1000)
	require.NoError(t, err)
	for _, row := range rows {
		require.NotEqual(t, msgUID.String(), row.MsgUID, "row should be marked sent after a successful flush")
	}
}

func TestLoopRunOnceWithNothingStagedIsANoop(t *testing.T) {
	loop, _, _ := testLoop(t)
	sent, err := loop.RunOnce(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, sent, 0)
}
