// Package producer implements the loop that drains the outbox repository
// and appends staged messages to the stream server.
package producer

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mediocregopher/radix/v3"

	"github.com/mediocregopher/telstar/mctx"
	"github.com/mediocregopher/telstar/merr"
	"github.com/mediocregopher/telstar/mlog"
	"github.com/mediocregopher/telstar/message"
	"github.com/mediocregopher/telstar/outbox"
)

// interRecordDelay is slept between queuing each XADD of a flushed batch,
// which caps throughput to under ~1k messages per second.
const interRecordDelay = time.Millisecond

// Opts tunes a Loop's batching behavior.
type Opts struct {
	// BatchSize is the max number of staged rows pulled per iteration.
	//
	// Defaults to 5.
	BatchSize int

	// Wait is slept at the end of every iteration, whether or not any rows
	// were found.
	//
	// Defaults to 500ms.
	Wait time.Duration
}

func (o *Opts) fillDefaults() {
	if o.BatchSize == 0 {
		o.BatchSize = 5
	}
	if o.Wait == 0 {
		o.Wait = 500 * time.Millisecond
	}
}

// Loop drains outbox.Repository rows and appends them to the stream
// server.
type Loop struct {
	client radix.Client
	repo   *outbox.Repository
	opts   Opts
}

// New constructs a Loop.
func New(client radix.Client, repo *outbox.Repository, opts Opts) *Loop {
	opts.fillDefaults()
	return &Loop{client: client, repo: repo, opts: opts}
}

// RunOnce pulls up to Opts.BatchSize unsent rows inside a transaction,
// appends each to the stream server with interRecordDelay between appends,
// flushes, and marks the rows sent. It returns the number of messages
// sent. RunOnce does not sleep Opts.Wait itself; Run does, between
// iterations.
func (l *Loop) RunOnce(ctx context.Context) (int, error) {
	var sent int
	err := l.repo.Transaction(ctx, func(ctx context.Context, _ *sqlx.Tx) error {
		rows, err := l.repo.Unsent(ctx, l.opts.BatchSize)
		if err != nil {
			return err
		}
		mlog.From(ctx).Debug(ctx, "found rows to send")
		if len(rows) == 0 {
			return nil
		}

		msgs := make([]message.Message, len(rows))
		for i, row := range rows {
			msg, err := row.ToMessage()
			if err != nil {
				return merr.Wrap(mctx.Annotate(ctx, "rowID", row.ID), err)
			}
			msgs[i] = msg
		}

		if err := l.flush(ctx, msgs); err != nil {
			return err
		}

		if err := l.repo.MarkAsSent(ctx, rows); err != nil {
			return err
		}
		sent = len(rows)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent, nil
}

// flush appends msgs to the stream server in one pipeline, sleeping
// interRecordDelay between each XADD command queued (not between their
// execution). The pipeline writes all queued commands together once the
// loop is done, so the delay does not separate the ids the server assigns
// to them.
func (l *Loop) flush(ctx context.Context, msgs []message.Message) error {
	cmds := make([]radix.CmdAction, len(msgs))
	for i, msg := range msgs {
		encoded, err := message.EncodeData(msg.Data)
		if err != nil {
			return merr.Wrap(mctx.Annotate(ctx, "stream", msg.Stream), err)
		}
		if i > 0 {
			time.Sleep(interRecordDelay)
		}
		cmds[i] = radix.Cmd(nil, "XADD", msg.StreamKey(), "*",
			message.IDField, msg.MsgUID.String(),
			message.DataField, string(encoded))
	}

	if err := l.client.Do(radix.Pipeline(cmds...)); err != nil {
		return merr.Wrap(ctx, err)
	}
	return nil
}

// Run repeats RunOnce, sleeping Opts.Wait between iterations, until ctx is
// canceled or RunOnce returns an error.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := l.RunOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.Wait):
		}
	}
}
