// Package outbox implements the staged-message repository the producer
// loop drains: a local database table written to in the same transaction as
// whatever business logic produced the message, decoupling message
// durability from stream-server availability. It is a plain repository over
// a caller-supplied *sqlx.DB, not a process-managed component.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mediocregopher/telstar/mctx"
	"github.com/mediocregopher/telstar/merr"
	"github.com/mediocregopher/telstar/message"
)

// TableName is the staged-message table.
const TableName = "telstar_staged_message"

// Row is one staged-message row. Data is stored pre-encoded (see
// message.EncodeData) so the repository never needs to know the shape of
// the payload.
type Row struct {
	ID        int64     `db:"id"`
	MsgUID    string    `db:"msg_uid"`
	Topic     string    `db:"topic"`
	Data      string    `db:"data"`
	Sent      bool      `db:"sent"`
	SendAt    time.Time `db:"send_at"`
	CreatedAt time.Time `db:"created_at"`
}

// ToMessage decodes r into the wire Message it represents.
func (r Row) ToMessage() (message.Message, error) {
	msgUID, err := uuid.Parse(r.MsgUID)
	if err != nil {
		return message.Message{}, err
	}
	data, err := message.DecodeData([]byte(r.Data))
	if err != nil {
		return message.Message{}, err
	}
	return message.New(r.Topic, msgUID, data), nil
}

// Repository is a staged-message outbox backed by a SQL database reachable
// through sqlx. The zero value is not usable; construct with New or bind a
// handle later with Setup, for callers that need to wire the repository
// before a database connection is available.
type Repository struct {
	db *sqlx.DB
}

// New constructs a Repository around an already-connected *sqlx.DB.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Setup late-binds db onto r, for callers that construct a Repository
// before a database handle is available.
func (r *Repository) Setup(db *sqlx.DB) {
	r.db = db
}

// Create stages a message for the given topic within the current
// transaction scope (ctx should normally carry one started via
// Transaction), to be picked up by the next producer loop iteration. A
// positive delay defers the earliest send_at this row becomes eligible at.
func (r *Repository) Create(ctx context.Context, topic string, data map[string]interface{}, delay time.Duration) (uuid.UUID, error) {
	msgUID := uuid.New()
	encoded, err := message.EncodeData(data)
	if err != nil {
		return uuid.UUID{}, merr.Wrap(ctx, err)
	}

	query := `INSERT INTO ` + TableName + `
		(msg_uid, topic, data, sent, send_at, created_at)
		VALUES (?, ?, ?, false, ?, ?)`
	now := timeNow()
	_, err = r.execer(ctx).ExecContext(ctx, r.db.Rebind(query), msgUID.String(), topic, encoded, now.Add(delay), now)
	if err != nil {
		return uuid.UUID{}, merr.Wrap(mctx.Annotate(ctx, "topic", topic), err)
	}
	return msgUID, nil
}

// Unsent returns every staged row eligible to be sent: not yet sent, and
// whose send_at has arrived (with a 1-second lookahead, avoiding rows whose
// timestamp lands a hair in the future relative to the database clock),
// ordered by id ascending (oldest first).
func (r *Repository) Unsent(ctx context.Context, limit int) ([]Row, error) {
	query := `SELECT id, msg_uid, topic, data, sent, send_at, created_at
		FROM ` + TableName + `
		WHERE sent = false AND send_at <= ?
		ORDER BY id
		LIMIT ?`
	var rows []Row
	err := sqlx.SelectContext(ctx, r.queryer(ctx), &rows, r.db.Rebind(query), timeNow().Add(time.Second), limit)
	if err != nil {
		return nil, merr.Wrap(ctx, err)
	}
	return rows, nil
}

// MarkAsSent flips the sent flag for every row in rows. It is a no-op if
// rows is empty.
func (r *Repository) MarkAsSent(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}

	query, args, err := sqlx.In(`UPDATE `+TableName+` SET sent = true WHERE id IN (?)`, ids)
	if err != nil {
		return merr.Wrap(ctx, err)
	}
	_, err = r.execer(ctx).ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return merr.Wrap(ctx, err)
	}
	return nil
}

type txKey struct{}

// Transaction runs fn within a new database transaction, committing on a
// nil return and rolling back otherwise, including on panic, which is
// re-panicked after the rollback completes. Repository methods called with
// the returned/annotated ctx (via ctx passed to fn) participate in the same
// transaction.
func (r *Repository) Transaction(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return merr.Wrap(ctx, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(context.WithValue(ctx, txKey{}, tx), tx)
	return err
}

// execer returns the *sqlx.Tx carried by ctx (see Transaction), or the
// Repository's own *sqlx.DB if ctx carries none.
func (r *Repository) execer(ctx context.Context) sqlx.ExecerContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return r.db
}

// queryer is execer's read-side counterpart, used by Unsent so a caller
// that opened a transaction via Transaction sees its own uncommitted
// writes.
func (r *Repository) queryer(ctx context.Context) sqlx.QueryerContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return r.db
}

// timeNow is a seam so tests can observe fixed timestamps without relying
// on wall-clock flakiness; production code always uses time.Now.
var timeNow = time.Now
