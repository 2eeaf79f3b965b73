package consumer

import (
	"context"

	"github.com/mediocregopher/telstar/message"
)

// Done acknowledges that the message passed to a Handler has been durably
// processed. It must be called exactly when the callback's effects are
// committed: calling it earlier risks losing the message on a crash,
// calling it later (or not at all) risks the message being redelivered and
// reprocessed by a peer after ClaimAfter elapses.
type Done func() error

// Handler processes one Message delivered for a logical stream within a
// group. It must call done() exactly once, when its own effects are
// durably committed, and return any error it wants routed through the
// group's ErrorHandlers.
type Handler func(ctx context.Context, g *Group, msg message.Message, done Done) error

// BareAck performs the reduced ack used by ErrorHandlers: it advances the
// checkpoint and XACKs the entry, but does not touch the seen key or use a
// WATCH transaction. It is appropriate for entries an ErrorHandler has
// decided to drop (a poison message), not for entries a Handler processed
// successfully (use Done for those).
type BareAck func() error

// ErrorHandler reacts to an error returned by a Handler (or a
// message-format error raised by the runtime itself). It may call bareAck
// to drop the record without ever calling the handler again, or return the
// error (or a new one) to have it propagate out of RunOnce/Run.
type ErrorHandler func(ctx context.Context, err error, bareAck BareAck) error

// ErrorHandlerEntry pairs a predicate over errors with the ErrorHandler to
// invoke when it matches. Entries are tried in registration order, giving
// callers explicit control over precedence instead of relying on a type
// hierarchy.
type ErrorHandlerEntry struct {
	Matches func(err error) bool
	Handle  ErrorHandler
}

func (g *Group) dispatchError(ctx context.Context, err error, bareAck BareAck) error {
	for _, entry := range g.errorHandlers {
		if entry.Matches(err) {
			return entry.Handle(ctx, err, bareAck)
		}
	}
	return err
}
