// Package once implements the one-shot group consumer: a run that drains
// every pending and new entry across a group's streams exactly once, then
// marks itself done, intended for migration-style or bootstrap jobs that
// must not run indefinitely. It is built on top of consumer.Group rather
// than duplicating its claim/dispatch logic.
package once

import (
	"context"
	"strconv"
	"time"

	"github.com/mediocregopher/radix/v3"

	"github.com/mediocregopher/telstar/consumer"
	"github.com/mediocregopher/telstar/merr"
)

// consumerName is the fixed consumer name every once.Consumer uses (its
// wire name in the group is "cg:<group>:once-consumer"):
// a one-shot run always owns the whole group, so there is no need for a
// per-process identity the way a long-running consumer.Group has one.
const consumerName = "once-consumer"

// Consumer wraps a consumer.Group configured with the fixed consumer name
// "once-consumer".
type Consumer struct {
	client radix.Client
	group  *consumer.Group
	name   string
}

// New constructs a Consumer for the given group, reusing consumer.New to
// create/join the underlying consumer group on the stream server.
func New(
	ctx context.Context,
	client radix.Client,
	groupName string,
	handlers map[string]consumer.Handler,
	opts consumer.Opts,
	errorHandlers ...consumer.ErrorHandlerEntry,
) (*Consumer, error) {
	group, err := consumer.New(ctx, client, groupName, consumerName, handlers, opts, errorHandlers...)
	if err != nil {
		return nil, err
	}
	return &Consumer{client: client, group: group, name: groupName}, nil
}

func appliedKey(groupName string) string {
	return consumer.OnceAppliedKey(groupName)
}

// Run performs one pass of the one-shot algorithm:
//
//  1. If the group's applied marker already exists, return 0 immediately.
//  2. If the group has no pending entries, read every stream from ">":
//     the server delivers all not-yet-delivered entries into the group's
//     pending list.
//  3. Otherwise (a prior partial run left entries pending), read every
//     stream from "0" to resume the group's own backlog.
//  4. If no pending entries remain afterward, set the applied marker to
//     the current unix timestamp.
//
// It returns the number of records dispatched. A handler that declines to
// ack a record leaves it pending and postpones completion to a later Run.
func (c *Consumer) Run(ctx context.Context) (int, error) {
	key := appliedKey(c.name)

	var applied string
	if err := c.client.Do(radix.Cmd(&applied, "GET", key)); err != nil {
		return 0, merr.Wrap(ctx, err)
	}
	if applied != "" {
		return 0, nil
	}

	pending, err := c.group.TotalPending(ctx)
	if err != nil {
		return 0, err
	}

	start := ">"
	if pending > 0 {
		start = "0"
	}

	dispatched, err := c.group.ReadAt(ctx, start)
	if err != nil {
		return dispatched, err
	}

	remaining, err := c.group.TotalPending(ctx)
	if err != nil {
		return dispatched, err
	}
	if remaining == 0 {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		if err := c.client.Do(radix.Cmd(nil, "SET", key, ts)); err != nil {
			return dispatched, merr.Wrap(ctx, err)
		}
	}

	return dispatched, nil
}
