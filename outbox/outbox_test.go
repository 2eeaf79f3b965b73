package outbox

import (
	"context"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// testRepository dials a real MySQL/MariaDB instance reachable at
// MYSQL_DSN, skipping the test if that variable isn't set, rather than
// mocking one.
func testRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("MYSQL_DSN not set, skipping integration test")
	}

	db, err := sqlx.Connect("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS ` + TableName + ` (
		id BIGINT PRIMARY KEY AUTO_INCREMENT,
		msg_uid CHAR(36) NOT NULL,
		topic VARCHAR(255) NOT NULL,
		data TEXT NOT NULL,
		sent BOOL NOT NULL DEFAULT false,
		send_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)

	return New(db)
}

func TestRepositoryCreateAndUnsent(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	msgUID, err := repo.Create(ctx, "orders", map[string]interface{}{"total": float64(42)}, 0)
	require.NoError(t, err)

	rows, err := repo.Unsent(ctx, 10)
	require.NoError(t, err)

	var found *Row
	for i := range rows {
		if rows[i].MsgUID == msgUID.String() {
			found = &rows[i]
		}
	}
	require.NotNil(t, found, "newly created row should appear in Unsent")
	require.False(t, found.Sent)

	msg, err := found.ToMessage()
	require.NoError(t, err)
	require.Equal(t, "orders", msg.Stream)
	require.Equal(t, float64(42), msg.Data["total"])
}

func TestRepositoryDelayedMessageNotYetUnsent(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	msgUID, err := repo.Create(ctx, "delayed", map[string]interface{}{}, time.Hour)
	require.NoError(t, err)

	rows, err := repo.Unsent(ctx, 1000)
	require.NoError(t, err)
	for _, row := range rows {
		require.NotEqual(t, msgUID.String(), row.MsgUID, "a row delayed an hour shouldn't be unsent yet")
	}
}

func TestRepositoryMarkAsSent(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	msgUID, err := repo.Create(ctx, "orders", map[string]interface{}{}, 0)
	require.NoError(t, err)

	rows, err := repo.Unsent(ctx, 1000)
	require.NoError(t, err)
	var toMark []Row
	for _, row := range rows {
		if row.MsgUID == msgUID.String() {
			toMark = append(toMark, row)
		}
	}
	require.Len(t, toMark, 1)

	require.NoError(t, repo.MarkAsSent(ctx, toMark))

	rows, err = repo.Unsent(ctx, 1000)
	require.NoError(t, err)
	for _, row := range rows {
		require.NotEqual(t, msgUID.String(), row.MsgUID, "marked-sent row must not reappear in Unsent")
	}
}

func TestRepositoryTransactionRollsBackOnError(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	sentinel := require.New(t)
	var msgUID string
	err := repo.Transaction(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		uid, err := repo.Create(ctx, "rolled-back", map[string]interface{}{}, 0)
		sentinel.NoError(err)
		msgUID = uid.String()
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	rows, err := repo.Unsent(ctx, 1000)
	require.NoError(t, err)
	for _, row := range rows {
		require.NotEqual(t, msgUID, row.MsgUID, "a rolled-back Create must not be visible")
	}
}
