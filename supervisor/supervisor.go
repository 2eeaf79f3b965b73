// Package supervisor runs one consumer.Group per configured group name on
// its own goroutine and joins them, surfacing the first error any child
// returns. Each spawned goroutine reports through a futureErr channel;
// the futures are joined one at a time in map iteration order (which is
// unspecified), and the first error met that way wins.
package supervisor

import (
	"context"

	"github.com/mediocregopher/radix/v3"

	"github.com/mediocregopher/telstar/consumer"
)

// GroupConfig is the per-group configuration a Supervisor instantiates a
// consumer.Group from.
type GroupConfig struct {
	ConsumerName  string
	Handlers      map[string]consumer.Handler
	Opts          consumer.Opts
	ErrorHandlers []consumer.ErrorHandlerEntry
}

// Supervisor fans a set of named group configurations out across one
// goroutine each.
type Supervisor struct {
	client radix.Client
	groups map[string]GroupConfig
}

// New constructs a Supervisor. groups maps a consumer group name to the
// configuration used to build its consumer.Group.
func New(client radix.Client, groups map[string]GroupConfig) *Supervisor {
	return &Supervisor{client: client, groups: groups}
}

type futureErr struct {
	doneCh chan struct{}
	err    error
}

func newFutureErr() *futureErr {
	return &futureErr{doneCh: make(chan struct{})}
}

func (fe *futureErr) set(err error) {
	fe.err = err
	close(fe.doneCh)
}

func (fe *futureErr) get(ctx context.Context) error {
	select {
	case <-fe.doneCh:
		return fe.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run spawns one goroutine per configured group, each calling childFn on
// the group's consumer.Group, and joins them, returning the first non-nil
// error encountered (in map iteration order over the groups, not
// necessarily completion order). Only one child's error is ever surfaced,
// not a combined multi-error.
func (s *Supervisor) run(ctx context.Context, childFn func(ctx context.Context, g *consumer.Group) error) error {
	futs := make(map[string]*futureErr, len(s.groups))

	for groupName, cfg := range s.groups {
		groupName, cfg := groupName, cfg
		fut := newFutureErr()
		futs[groupName] = fut

		group, err := consumer.New(ctx, s.client, groupName, cfg.ConsumerName, cfg.Handlers, cfg.Opts, cfg.ErrorHandlers...)
		if err != nil {
			return err
		}

		go func() {
			fut.set(childFn(ctx, group))
		}()
	}

	for _, fut := range futs {
		if err := fut.get(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run starts every configured group's consumer.Group.Run on its own
// goroutine and joins the children one at a time, as run does. It returns
// when ctx is canceled, when the child being waited on returns an error
// (which is then returned), or when every child has returned. An error
// from a child that has not yet been reached in the join is not returned
// while an earlier child is still running.
func (s *Supervisor) Run(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context, g *consumer.Group) error {
		return g.Run(ctx)
	})
}

// RunOnce fans consumer.Group.RunOnce out across every configured group
// the same way Run does, for tests and one-shot operational checks. It
// discards each child's dispatched-count return value; callers that need
// it should drive consumer.Group directly.
func (s *Supervisor) RunOnce(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context, g *consumer.Group) error {
		_, err := g.RunOnce(ctx)
		return err
	})
}
