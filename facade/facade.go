// Package facade implements the application-facing builder applications
// register their stream consumers and error handlers through: an explicit
// builder that accumulates registrations and produces an immutable
// supervisor configuration, rather than a decorator-based registry.
package facade

import (
	"context"

	"github.com/mediocregopher/radix/v3"

	"github.com/mediocregopher/telstar/consumer"
	"github.com/mediocregopher/telstar/mlog"
	"github.com/mediocregopher/telstar/message"
	"github.com/mediocregopher/telstar/supervisor"
)

// Context is passed to an OnData/OnMessage callback in place of the raw
// *consumer.Group, so callers have a stable surface even if consumer.Group
// grows fields the facade doesn't want to expose.
type Context struct {
	Group *consumer.Group
	Done  consumer.Done
}

// Ack acknowledges the message currently being processed. Equivalent to
// calling the Done passed into a consumer.Handler directly.
func (c *Context) Ack() error { return c.Done() }

// Schema validates a decoded message payload. Any type satisfying this
// (hand-written struct validators, a generated JSON-Schema validator,
// etc.) can be passed as ConsumerOpts.Schema.
type Schema interface {
	Validate(data map[string]interface{}) error
}

// ConsumerOpts configures one stream registration.
type ConsumerOpts struct {
	// ConsumerName is this consumer's operator-supplied short name.
	//
	// Defaults to "default".
	ConsumerName string

	// Schema, if set, validates every message's Data before the handler
	// runs, per the Strict/AckInvalid matrix below.
	Schema Schema

	// Strict controls what happens to a validation failure: true re-raises
	// it (routes it through the group's error handlers), false swallows
	// it.
	//
	// fillDefaults does not touch this field: the zero value is false, so a
	// ConsumerOpts that leaves Strict unset is lenient.
	Strict bool

	// AckInvalid controls whether a message that fails validation is
	// acked (removed from the pending list) regardless of Strict.
	//
	// Defaults to false.
	AckInvalid bool

	// GroupOpts tunes the underlying consumer.Group's timing behavior.
	GroupOpts consumer.Opts
}

func (o *ConsumerOpts) fillDefaults() {
	if o.ConsumerName == "" {
		o.ConsumerName = "default"
	}
}

type registration struct {
	handlers      map[string]consumer.Handler
	consumerName  string
	groupOpts     consumer.Opts
	errorHandlers []consumer.ErrorHandlerEntry
}

// Registrar accumulates Consumer/ErrorHandler registrations across any
// number of groups and streams, and builds a supervisor.Supervisor from
// them. The zero value is ready to use.
type Registrar struct {
	groups map[string]*registration
}

func (r *Registrar) group(name string) *registration {
	if r.groups == nil {
		r.groups = map[string]*registration{}
	}
	reg, ok := r.groups[name]
	if !ok {
		reg = &registration{handlers: map[string]consumer.Handler{}}
		r.groups[name] = reg
	}
	return reg
}

// Consumer registers handler to process stream within group, wrapping it
// with schema validation per opts. Calling Consumer twice for the same
// (group, stream) pair overwrites the earlier registration.
func (r *Registrar) Consumer(group, stream string, handler consumer.Handler, opts ConsumerOpts) {
	opts.fillDefaults()
	reg := r.group(group)
	reg.consumerName = opts.ConsumerName
	reg.groupOpts = opts.GroupOpts
	reg.handlers[stream] = wrapSchema(opts.Schema, opts.Strict, opts.AckInvalid, handler)
}

// ErrorHandler registers entry against group, tried in registration order
// after any entry registered earlier for the same group.
func (r *Registrar) ErrorHandler(group string, entry consumer.ErrorHandlerEntry) {
	reg := r.group(group)
	reg.errorHandlers = append(reg.errorHandlers, entry)
}

// OnData wraps fn, a callback operating on the decoded payload map, into a
// consumer.Handler.
func OnData(fn func(ctx context.Context, fc *Context, data map[string]interface{}) error) consumer.Handler {
	return func(ctx context.Context, g *consumer.Group, msg message.Message, done consumer.Done) error {
		return fn(ctx, &Context{Group: g, Done: done}, msg.Data)
	}
}

// OnMessage wraps fn, a callback operating on the full Message, into a
// consumer.Handler.
func OnMessage(fn func(ctx context.Context, fc *Context, msg message.Message) error) consumer.Handler {
	return func(ctx context.Context, g *consumer.Group, msg message.Message, done consumer.Done) error {
		return fn(ctx, &Context{Group: g, Done: done}, msg)
	}
}

// wrapSchema applies the Strict/AckInvalid validation matrix documented on
// ConsumerOpts. A nil schema is a no-op wrapper.
func wrapSchema(schema Schema, strict, ackInvalid bool, handler consumer.Handler) consumer.Handler {
	if schema == nil {
		return handler
	}
	return func(ctx context.Context, g *consumer.Group, msg message.Message, done consumer.Done) error {
		if err := schema.Validate(msg.Data); err != nil {
			mlog.From(ctx).Warn(ctx, "message failed schema validation")
			switch {
			case strict && !ackInvalid:
				return err
			case strict && ackInvalid:
				if ackErr := done(); ackErr != nil {
					return ackErr
				}
				return err
			case !strict && ackInvalid:
				return done()
			default: // !strict && !ackInvalid
				return nil
			}
		}
		return handler(ctx, g, msg, done)
	}
}

// Build produces a supervisor.Supervisor over every group registered via
// Consumer, using client as the shared stream-server connection.
func (r *Registrar) Build(client radix.Client) *supervisor.Supervisor {
	groups := make(map[string]supervisor.GroupConfig, len(r.groups))
	for name, reg := range r.groups {
		groups[name] = supervisor.GroupConfig{
			ConsumerName:  reg.consumerName,
			Handlers:      reg.handlers,
			Opts:          reg.groupOpts,
			ErrorHandlers: reg.errorHandlers,
		}
	}
	return supervisor.New(client, groups)
}
