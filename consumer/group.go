// Package consumer implements the multi-stream consumer group runtime: the
// hard part of this module. It provides at-least-once delivery, recovers
// pending work left behind by crashed peers, deduplicates re-deliveries,
// checkpoints per-consumer progress, and best-effort reorders records read
// across multiple streams in one batch to approximate global send order.
package consumer

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mediocregopher/radix/v3"

	"github.com/mediocregopher/telstar/mctx"
	"github.com/mediocregopher/telstar/merr"
	"github.com/mediocregopher/telstar/mlog"
	"github.com/mediocregopher/telstar/message"
	"github.com/mediocregopher/telstar/streamid"
)

// seenTTL is how long a seen key survives after a successful ack: 14 days,
// long enough that a redelivery arriving after the window has closed is
// simply reprocessed rather than tracked forever.
const seenTTL = 14 * 24 * time.Hour

// Opts tunes a Group's timing behavior. Fields are optional; zero values
// are replaced by fillDefaults.
type Opts struct {
	// Block is how long a blocking XREADGROUP call waits for a new entry
	// before returning empty.
	//
	// Defaults to 2 seconds.
	Block time.Duration

	// ClaimAfter is the minimum idle time an entry must have accrued in
	// another consumer's pending list before this Group will claim it.
	//
	// Defaults to 20 seconds.
	ClaimAfter time.Duration
}

func (o *Opts) fillDefaults() {
	if o.Block == 0 {
		o.Block = 2 * time.Second
	}
	if o.ClaimAfter == 0 {
		o.ClaimAfter = 20 * time.Second
	}
}

// Group is a consumer of one or more logical streams within a single named
// consumer group. It is intended to be driven from a single goroutine (see
// the sibling supervisor package for running several Groups concurrently).
type Group struct {
	client       radix.Client
	groupName    string
	consumerName string
	handlers     map[string]Handler // logical stream name -> Handler
	streams      []string           // logical stream names, stable order
	opts         Opts
	errorHandlers []ErrorHandlerEntry
}

// New constructs a Group and eagerly creates the consumer group on the
// stream server for every configured stream (XGROUP CREATE ... MKSTREAM,
// starting id "0"); a "group already exists" response is treated as
// success.
func New(
	ctx context.Context,
	client radix.Client,
	groupName, consumerName string,
	handlers map[string]Handler,
	opts Opts,
	errorHandlers ...ErrorHandlerEntry,
) (*Group, error) {
	opts.fillDefaults()

	streams := make([]string, 0, len(handlers))
	for stream := range handlers {
		streams = append(streams, stream)
	}
	sort.Strings(streams) // deterministic XGROUP CREATE / read order

	g := &Group{
		client:        client,
		groupName:     groupName,
		consumerName:  consumerName,
		handlers:      handlers,
		streams:       streams,
		opts:          opts,
		errorHandlers: errorHandlers,
	}

	for _, stream := range streams {
		if err := g.ensureGroup(ctx, stream); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// GroupName returns the consumer group's name.
func (g *Group) GroupName() string { return g.groupName }

// ConsumerName returns this consumer's operator-supplied short name.
func (g *Group) ConsumerName() string { return g.consumerName }

func (g *Group) ensureGroup(ctx context.Context, stream string) error {
	ctx = mctx.Annotate(ctx, "stream", stream, "group", g.groupName)
	err := g.client.Do(radix.Cmd(nil, "XGROUP", "CREATE", streamKeyFor(stream), g.groupName, "0", "MKSTREAM"))
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "BUSYGROUP") {
		mlog.From(ctx).Debug(ctx, "consumer group already exists")
		return nil
	}
	return merr.Wrap(ctx, err)
}

// RunOnce performs one iteration of the main loop: catch up on
// history/claims across all configured streams, then issue one blocking
// read for new entries. It returns the number of records dispatched and
// blocks for at most Opts.Block waiting for new entries.
func (g *Group) RunOnce(ctx context.Context) (int, error) {
	historyCount, err := g.transferAndProcessHistory(ctx, g.streams)
	if err != nil {
		return historyCount, err
	}

	ids := make(map[string]string, len(g.streams))
	for _, stream := range g.streams {
		ids[stream] = ">"
	}
	newCount, err := g.readAndDispatch(ctx, ids, g.opts.Block)
	return historyCount + newCount, err
}

// Run repeats RunOnce until ctx is canceled or a Handler/ErrorHandler
// returns an unhandled error, at which point that error is returned.
func (g *Group) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := g.RunOnce(ctx); err != nil {
			return err
		}
	}
}

// TotalPending returns the sum of pending (delivered, unacked) entry counts
// across every stream this Group is configured for. Used by the sibling
// once package to decide whether a fresh run should read new entries
// (`>`) or resume reading its own already-delivered backlog (`0`).
func (g *Group) TotalPending(ctx context.Context) (int64, error) {
	var total int64
	for _, stream := range g.streams {
		summary, err := g.pendingSummary(ctx, streamKeyFor(stream))
		if err != nil {
			return 0, err
		}
		total += summary.count
	}
	return total, nil
}

// ReadAt issues one non-blocking XREADGROUP across every configured
// stream at the given start id (e.g. ">" for new entries, "0" to resume a
// consumer's own backlog) and dispatches the results. It is exported for
// the sibling once package, which needs direct control over the start id
// rather than the automatic claim-then-catchup behavior of RunOnce.
func (g *Group) ReadAt(ctx context.Context, start string) (int, error) {
	ids := make(map[string]string, len(g.streams))
	for _, stream := range g.streams {
		ids[stream] = start
	}
	return g.readAndDispatch(ctx, ids, 0)
}

// transferAndProcessHistory implements the claim-then-catchup phase of
// RunOnce: for every stream, compute a resume id (reclaiming any entry
// idle longer than Opts.ClaimAfter along the way) and read from it.
func (g *Group) transferAndProcessHistory(ctx context.Context, streams []string) (int, error) {
	startIDs := make(map[string]string, len(streams))
	for _, stream := range streams {
		start, err := g.catchUpStart(ctx, stream)
		if err != nil {
			return 0, err
		}
		startIDs[stream] = start
	}
	return g.readAndDispatch(ctx, startIDs, 0)
}

// catchUpStart computes the start id to replay a single stream's history
// from: the earliest of whatever this consumer reclaims from a dead peer's
// pending list and whatever it hasn't yet checkpointed itself.
func (g *Group) catchUpStart(ctx context.Context, stream string) (string, error) {
	ctx = mctx.Annotate(ctx, "stream", stream, "group", g.groupName)
	streamKey := streamKeyFor(stream)

	checkpoint, err := g.getCheckpoint(ctx, streamKey)
	if err != nil {
		return "", err
	}

	summary, err := g.pendingSummary(ctx, streamKey)
	if err != nil {
		return "", err
	}
	if summary.count == 0 {
		return streamid.Increment(checkpoint).String(), nil
	}

	ids, err := g.pendingRangeIDs(ctx, streamKey, summary.min, summary.max, summary.count)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		// The range query found no pending entries (e.g. they were acked
		// after the summary query ran); nothing to claim.
		return streamid.Increment(checkpoint).String(), nil
	}

	claimed, err := g.claim(ctx, streamKey, ids)
	if err != nil {
		return "", err
	}
	if len(claimed) == 0 {
		return streamid.Increment(checkpoint).String(), nil
	}

	earliest, err := streamid.Parse(claimed[0])
	if err != nil {
		return "", merr.Wrap(ctx, err)
	}
	for _, raw := range claimed[1:] {
		parsed, err := streamid.Parse(raw)
		if err != nil {
			return "", merr.Wrap(ctx, err)
		}
		earliest = streamid.Min(earliest, parsed)
	}

	beforeEarliest := streamid.Decrement(earliest)
	nextAfterSeen := streamid.Increment(checkpoint)
	// Biased toward the earlier of the two: this may replay work already
	// past the checkpoint, but the seen key absorbs any redundant replay,
	// while biasing the other way risks skipping a claimed entry entirely.
	return streamid.Min(beforeEarliest, nextAfterSeen).String(), nil
}

func (g *Group) getCheckpoint(ctx context.Context, streamKey string) (streamid.ID, error) {
	key := checkpointKey(streamKey, g.groupName, g.consumerName)
	var val string
	if err := g.client.Do(radix.Cmd(&val, "GET", key)); err != nil {
		return streamid.ID{}, merr.Wrap(ctx, err)
	}
	if val == "" {
		return streamid.Zero, nil
	}
	id, err := streamid.Parse(val)
	if err != nil {
		return streamid.ID{}, merr.Wrap(mctx.Annotate(ctx, "checkpointValue", val), err)
	}
	return id, nil
}

type pendingInfo struct {
	count    int64
	min, max string
}

func (g *Group) pendingSummary(ctx context.Context, streamKey string) (pendingInfo, error) {
	var raw []interface{}
	if err := g.client.Do(radix.Cmd(&raw, "XPENDING", streamKey, g.groupName)); err != nil {
		return pendingInfo{}, merr.Wrap(ctx, err)
	}
	if len(raw) < 3 {
		return pendingInfo{}, merr.New(ctx, "consumer: malformed XPENDING summary reply")
	}
	count := toInt(raw[0])
	if count == 0 {
		return pendingInfo{count: 0}, nil
	}
	return pendingInfo{count: count, min: toStr(raw[1]), max: toStr(raw[2])}, nil
}

// pendingRangeIDs returns the message ids in [min, max] currently pending
// for this group, regardless of which consumer currently owns them.
func (g *Group) pendingRangeIDs(ctx context.Context, streamKey, min, max string, count int64) ([]string, error) {
	var raw []interface{}
	err := g.client.Do(radix.Cmd(&raw, "XPENDING", streamKey, g.groupName, min, max, strconv.FormatInt(count, 10)))
	if err != nil {
		return nil, merr.Wrap(ctx, err)
	}
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.([]interface{})
		if !ok || len(entry) < 1 {
			continue
		}
		ids = append(ids, toStr(entry[0]))
	}
	return ids, nil
}

// claim transfers ownership of any of ids which have been idle at least
// Opts.ClaimAfter to this consumer, returning the ids actually reassigned.
func (g *Group) claim(ctx context.Context, streamKey string, ids []string) ([]string, error) {
	args := make([]string, 0, len(ids)+5)
	args = append(args, streamKey, g.groupName, wireConsumerName(g.groupName, g.consumerName), strconv.FormatInt(g.opts.ClaimAfter.Milliseconds(), 10))
	args = append(args, ids...)
	args = append(args, "JUSTID")

	var claimed []string
	if err := g.client.Do(radix.Cmd(&claimed, "XCLAIM", args...)); err != nil {
		return nil, merr.Wrap(ctx, err)
	}
	return claimed, nil
}

// readAndDispatch issues one XREADGROUP across all of streams (keyed by
// logical name, mapped to stream-server keys) at the given start ids,
// optionally blocking, and dispatches the results.
func (g *Group) readAndDispatch(ctx context.Context, startIDs map[string]string, block time.Duration) (int, error) {
	keys := make([]string, 0, len(startIDs))
	ids := make([]string, 0, len(startIDs))
	// sorted for determinism, e.g. in tests.
	streams := make([]string, 0, len(startIDs))
	for stream := range startIDs {
		streams = append(streams, stream)
	}
	sort.Strings(streams)
	for _, stream := range streams {
		keys = append(keys, streamKeyFor(stream))
		ids = append(ids, startIDs[stream])
	}

	args := []string{"GROUP", g.groupName, wireConsumerName(g.groupName, g.consumerName)}
	if block > 0 {
		args = append(args, "BLOCK", strconv.FormatInt(block.Milliseconds(), 10))
	}
	args = append(args, "STREAMS")
	args = append(args, keys...)
	args = append(args, ids...)

	var reply []streamReaderEntry
	if err := g.client.Do(radix.Cmd(&reply, "XREADGROUP", args...)); err != nil {
		return 0, merr.Wrap(ctx, err)
	}
	if len(reply) == 0 {
		return 0, nil
	}
	return g.dispatchBatch(ctx, reply)
}

type dispatchTriple struct {
	streamKey string
	id        streamid.ID
	rawID     string
	fields    map[string]string
}

// dispatchBatch flattens the per-stream entries into one list, sorts it
// ascending by server-assigned id to approximate a single global send order
// across the streams read together, and dispatches each entry in turn. It
// returns the number of records successfully dispatched.
func (g *Group) dispatchBatch(ctx context.Context, reply []streamReaderEntry) (int, error) {
	var triples []dispatchTriple
	for _, sre := range reply {
		streamKey := string(sre.stream)
		for _, entry := range sre.entries {
			rawID := entry.ID.String()
			id, err := streamid.Parse(rawID)
			if err != nil {
				return 0, merr.Wrap(ctx, err)
			}
			triples = append(triples, dispatchTriple{
				streamKey: streamKey,
				id:        id,
				rawID:     rawID,
				fields:    entry.Fields,
			})
		}
	}

	sort.SliceStable(triples, func(i, j int) bool {
		return triples[i].id.Less(triples[j].id)
	})

	dispatched := 0
	for _, t := range triples {
		if err := g.dispatch(ctx, t); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

// dispatch handles a single record: constructs the Message, checks for a
// duplicate delivery via the seen key, and either acks it directly (on
// dedup) or invokes the configured Handler.
func (g *Group) dispatch(ctx context.Context, t dispatchTriple) error {
	logical := strings.TrimPrefix(t.streamKey, message.StreamKeyPrefix)
	ctx = mctx.Annotate(ctx, "stream", logical, "group", g.groupName, "serverID", t.rawID)

	bareAck := func() error { return g.bareAck(ctx, t.streamKey, logical, t.rawID) }

	rawMsgUID, ok := t.fields[message.IDField]
	if !ok {
		return g.dispatchError(ctx, &message.ErrFormat{Reason: "missing " + message.IDField + " field"}, bareAck)
	}
	rawData, ok := t.fields[message.DataField]
	if !ok {
		return g.dispatchError(ctx, &message.ErrFormat{Reason: "missing " + message.DataField + " field"}, bareAck)
	}

	msgUID, err := uuid.Parse(rawMsgUID)
	if err != nil {
		return g.dispatchError(ctx, &message.ErrFormat{Reason: "invalid message_id: " + err.Error()}, bareAck)
	}
	data, err := message.DecodeData([]byte(rawData))
	if err != nil {
		return g.dispatchError(ctx, &message.ErrFormat{Reason: "invalid data: " + err.Error()}, bareAck)
	}
	msg := message.New(logical, msgUID, data)

	key := seenKey(logical, g.groupName, msgUID.String())
	var seen string
	if err := g.client.Do(radix.Cmd(&seen, "GET", key)); err != nil {
		return merr.Wrap(ctx, err)
	}
	if seen != "" {
		mlog.From(ctx).Debug(ctx, "duplicate delivery, acking without invoking handler")
		return g.ack(ctx, t.streamKey, logical, t.rawID, msgUID.String())
	}

	handler, ok := g.handlers[logical]
	if !ok {
		return merr.New(ctx, "consumer: no handler configured for stream "+logical)
	}

	done := Done(func() error { return g.ack(ctx, t.streamKey, logical, t.rawID, msgUID.String()) })
	if err := handler(ctx, g, msg, done); err != nil {
		return g.dispatchError(ctx, err, bareAck)
	}
	return nil
}

// ack performs the transactional acknowledgement: WATCH the seen key, then
// in one MULTI/EXEC set the seen key (TTL 14 days), advance the checkpoint,
// and XACK the entry. If another consumer set the seen key in between, the
// transaction aborts silently: that consumer won the race, and this one
// has nothing further to do.
func (g *Group) ack(ctx context.Context, streamKey, logicalStream, rawID, msgUID string) error {
	seenK := seenKey(logicalStream, g.groupName, msgUID)
	checkpointK := checkpointKey(streamKey, g.groupName, g.consumerName)
	ttlSeconds := strconv.FormatInt(int64(seenTTL.Seconds()), 10)

	err := g.client.Do(radix.WithConn(seenK, func(conn radix.Conn) error {
		if err := conn.Do(radix.Cmd(nil, "WATCH", seenK)); err != nil {
			return err
		}
		if err := conn.Do(radix.Cmd(nil, "MULTI")); err != nil {
			conn.Do(radix.Cmd(nil, "UNWATCH"))
			return err
		}
		queue := func(cmd radix.CmdAction) error {
			if err := conn.Do(cmd); err != nil {
				conn.Do(radix.Cmd(nil, "DISCARD"))
				return err
			}
			return nil
		}
		if err := queue(radix.FlatCmd(nil, "SET", seenK, 1, "EX", ttlSeconds)); err != nil {
			return err
		}
		if err := queue(radix.Cmd(nil, "SET", checkpointK, rawID)); err != nil {
			return err
		}
		if err := queue(radix.Cmd(nil, "XACK", streamKey, g.groupName, rawID)); err != nil {
			return err
		}
		return conn.Do(radix.Cmd(nil, "EXEC"))
	}))
	if err != nil {
		return merr.Wrap(ctx, err)
	}
	return nil
}

// bareAck performs the reduced ack used by ErrorHandlers: advance the
// checkpoint and XACK, without touching the seen key or using a WATCH
// transaction.
func (g *Group) bareAck(ctx context.Context, streamKey, logicalStream, rawID string) error {
	checkpointK := checkpointKey(streamKey, g.groupName, g.consumerName)
	pipeline := radix.Pipeline(
		radix.Cmd(nil, "SET", checkpointK, rawID),
		radix.Cmd(nil, "XACK", streamKey, g.groupName, rawID),
	)
	if err := g.client.Do(pipeline); err != nil {
		return merr.Wrap(ctx, err)
	}
	return nil
}
