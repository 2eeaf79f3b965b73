// Package admin implements a read-only view over the stream server's
// consumer-group state: streams, groups, consumers, and pending messages,
// plus the destructive group/consumer/message removal operations an
// operator needs.
package admin

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mediocregopher/radix/v3"

	"github.com/mediocregopher/telstar/mctx"
	"github.com/mediocregopher/telstar/merr"
	"github.com/mediocregopher/telstar/message"
	"github.com/mediocregopher/telstar/streamid"
)

// View is a read-mostly window onto the stream server's consumer-group
// state.
type View struct {
	client radix.Client
}

// New constructs a View.
func New(client radix.Client) *View {
	return &View{client: client}
}

// Stream is one logical stream discovered via Streams.
type Stream struct {
	view *View
	Name string // logical name, StreamKeyPrefix already stripped
}

// Streams enumerates streams whose logical name starts with match (a plain
// prefix, not a full Redis glob unless the caller supplies one), found via
// `KEYS telstar:stream:<match>*`.
//
// KEYS, not SCAN: incremental scanning has been observed to take an
// anomalous number of iterations to converge against this server, so the
// full-enumeration command is used deliberately instead.
func (v *View) Streams(ctx context.Context, match string) ([]Stream, error) {
	pattern := message.StreamKeyPrefix + match + "*"
	var keys []string
	if err := v.client.Do(radix.Cmd(&keys, "KEYS", pattern)); err != nil {
		return nil, merr.Wrap(mctx.Annotate(ctx, "pattern", pattern), err)
	}

	streams := make([]Stream, len(keys))
	for i, key := range keys {
		streams[i] = Stream{view: v, Name: strings.TrimPrefix(key, message.StreamKeyPrefix)}
	}
	return streams, nil
}

// Key returns the stream-server key this Stream lives at.
func (s Stream) Key() string { return message.StreamKeyPrefix + s.Name }

// Group is one consumer group registered against a Stream.
type Group struct {
	view       *View
	StreamName string
	Name       string
	Pending    int64
	Min, Max   string
}

// Groups lists the consumer groups registered on s via `XINFO GROUPS`,
// enriched with each group's XPENDING summary (pending count, min/max
// pending id).
func (s Stream) Groups(ctx context.Context) ([]Group, error) {
	var raw []interface{}
	if err := s.view.client.Do(radix.Cmd(&raw, "XINFO", "GROUPS", s.Key())); err != nil {
		return nil, merr.Wrap(ctx, err)
	}

	groups := make([]Group, 0, len(raw))
	for _, item := range raw {
		info := kvMap(item)
		name, _ := info["name"].(string)

		summary, err := s.view.pendingSummary(ctx, s.Key(), name)
		if err != nil {
			return nil, err
		}

		groups = append(groups, Group{
			view:       s.view,
			StreamName: s.Name,
			Name:       name,
			Pending:    summary.count,
			Min:        summary.min,
			Max:        summary.max,
		})
	}
	return groups, nil
}

type pendingSummary struct {
	count    int64
	min, max string
}

func (v *View) pendingSummary(ctx context.Context, streamKey, groupName string) (pendingSummary, error) {
	var raw []interface{}
	if err := v.client.Do(radix.Cmd(&raw, "XPENDING", streamKey, groupName)); err != nil {
		return pendingSummary{}, merr.Wrap(ctx, err)
	}
	if len(raw) < 3 {
		return pendingSummary{}, merr.New(ctx, "admin: malformed XPENDING summary reply")
	}
	count := toInt(raw[0])
	if count == 0 {
		return pendingSummary{}, nil
	}
	return pendingSummary{count: count, min: toStr(raw[1]), max: toStr(raw[2])}, nil
}

// AdminMessage describes one entry in a group's pending list, as reported
// by XPENDING's range form.
type AdminMessage struct {
	view           *View
	streamKey      string
	groupName      string
	MessageID      string
	Consumer       string
	TimeSinceMS    int64
	TimesDelivered int64
}

// PendingMessages returns every entry in g's pending list, or an empty
// slice if g has none.
func (g Group) PendingMessages(ctx context.Context) ([]AdminMessage, error) {
	if g.Pending == 0 {
		return nil, nil
	}
	streamKey := message.StreamKeyPrefix + g.StreamName

	var raw []interface{}
	err := g.view.client.Do(radix.Cmd(&raw, "XPENDING", streamKey, g.Name, g.Min, g.Max, strconv.FormatInt(g.Pending, 10)))
	if err != nil {
		return nil, merr.Wrap(ctx, err)
	}

	msgs := make([]AdminMessage, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.([]interface{})
		if !ok || len(entry) < 4 {
			continue
		}
		msgs = append(msgs, AdminMessage{
			view:           g.view,
			streamKey:      streamKey,
			groupName:      g.Name,
			MessageID:      toStr(entry[0]),
			Consumer:       toStr(entry[1]),
			TimeSinceMS:    toInt(entry[2]),
			TimesDelivered: toInt(entry[3]),
		})
	}
	return msgs, nil
}

// Consumer is one consumer registered against a Group.
type Consumer struct {
	view      *View
	streamKey string
	groupName string
	Name      string
	Pending   int64
	IdleMS    int64
}

// Consumers lists the consumers registered on g via `XINFO CONSUMERS`.
func (g Group) Consumers(ctx context.Context) ([]Consumer, error) {
	streamKey := message.StreamKeyPrefix + g.StreamName

	var raw []interface{}
	if err := g.view.client.Do(radix.Cmd(&raw, "XINFO", "CONSUMERS", streamKey, g.Name)); err != nil {
		return nil, merr.Wrap(ctx, err)
	}

	consumers := make([]Consumer, 0, len(raw))
	for _, item := range raw {
		info := kvMap(item)
		name, _ := info["name"].(string)
		consumers = append(consumers, Consumer{
			view:      g.view,
			streamKey: streamKey,
			groupName: g.Name,
			Name:      name,
			Pending:   toInt(info["pending"]),
			IdleMS:    toInt(info["idle"]),
		})
	}
	return consumers, nil
}

// SeenMessages returns the number of seen-dedup keys currently recorded for
// g, found via `KEYS telstar:seen:<stream>:<group>:*`.
func (g Group) SeenMessages(ctx context.Context) (int64, error) {
	pattern := "telstar:seen:" + g.StreamName + ":" + g.Name + ":*"
	var keys []string
	if err := g.view.client.Do(radix.Cmd(&keys, "KEYS", pattern)); err != nil {
		return 0, merr.Wrap(mctx.Annotate(ctx, "pattern", pattern), err)
	}
	return int64(len(keys)), nil
}

// Delete removes g from the stream server entirely (`XGROUP DESTROY`).
func (g Group) Delete(ctx context.Context) error {
	streamKey := message.StreamKeyPrefix + g.StreamName
	err := g.view.client.Do(radix.Cmd(nil, "XGROUP", "DESTROY", streamKey, g.Name))
	if err != nil {
		return merr.Wrap(ctx, err)
	}
	return nil
}

// Delete removes c from its group (`XGROUP DELCONSUMER`), discarding
// whatever entries remained in its pending list.
func (c Consumer) Delete(ctx context.Context) error {
	err := c.view.client.Do(radix.Cmd(nil, "XGROUP", "DELCONSUMER", c.streamKey, c.groupName, c.Name))
	if err != nil {
		return merr.Wrap(ctx, err)
	}
	return nil
}

// Read re-reads the wire record m refers to and reconstructs the Message
// it represents. It range-reads starting just after decrement(m.MessageID)
// (an exclusive lower bound at decrement(m.MessageID)) for a count of 1,
// and reports the message as no longer present if the entry found there
// is not m.MessageID.
func (m AdminMessage) Read(ctx context.Context) (message.Message, error) {
	id, err := streamid.Parse(m.MessageID)
	if err != nil {
		return message.Message{}, merr.Wrap(ctx, err)
	}
	start := "(" + streamid.Decrement(id).String()

	var raw []interface{}
	err = m.view.client.Do(radix.Cmd(&raw, "XRANGE", m.streamKey, start, "+", "COUNT", "1"))
	if err != nil {
		return message.Message{}, merr.Wrap(ctx, err)
	}
	if len(raw) == 0 {
		return message.Message{}, merr.New(ctx, "admin: message "+m.MessageID+" no longer present")
	}

	entry, ok := raw[0].([]interface{})
	if !ok || len(entry) < 2 {
		return message.Message{}, merr.New(ctx, "admin: malformed XRANGE reply")
	}
	if toStr(entry[0]) != m.MessageID {
		return message.Message{}, merr.New(ctx, "admin: message "+m.MessageID+" no longer present")
	}
	fields := kvMap(entry[1])

	rawMsgUID, _ := fields[message.IDField].(string)
	msgUID, err := uuid.Parse(rawMsgUID)
	if err != nil {
		return message.Message{}, merr.Wrap(ctx, err)
	}
	rawData, _ := fields[message.DataField].(string)
	data, err := message.DecodeData([]byte(rawData))
	if err != nil {
		return message.Message{}, merr.Wrap(ctx, err)
	}

	return message.New(m.streamKey, msgUID, data), nil
}

// Remove acknowledges and deletes m's entry from the stream in one
// pipeline (`XACK` then `XDEL`), removing it from both the group's pending
// list and the stream itself.
func (m AdminMessage) Remove(ctx context.Context) error {
	pipeline := radix.Pipeline(
		radix.Cmd(nil, "XACK", m.streamKey, m.groupName, m.MessageID),
		radix.Cmd(nil, "XDEL", m.streamKey, m.MessageID),
	)
	if err := m.view.client.Do(pipeline); err != nil {
		return merr.Wrap(ctx, err)
	}
	return nil
}

// kvMap turns a generically-decoded RESP2 flat key/value array (as used
// by XINFO's per-entry replies, and by XRANGE's per-entry field list) into
// a map. Non-string keys are skipped.
func kvMap(v interface{}) map[string]interface{} {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	m := make(map[string]interface{}, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		key := toStr(arr[i])
		switch val := arr[i+1].(type) {
		case []byte:
			m[key] = string(val)
		default:
			m[key] = val
		}
	}
	return m
}

func toStr(v interface{}) string {
	switch tv := v.(type) {
	case []byte:
		return string(tv)
	case string:
		return tv
	default:
		return ""
	}
}

func toInt(v interface{}) int64 {
	if n, ok := v.(int64); ok {
		return n
	}
	return 0
}
