// Package merr extends the errors package with stacktrace capture and
// contextual annotations (via mctx), so that an error can carry the same
// key/value information that would otherwise only be available to the log
// line that happens to catch it.
//
// As is generally recommended for go projects, errors.Is and errors.As
// should be used for equality checking; merr.Error implements Unwrap so
// both keep working through a wrapped error.
package merr

import (
	"context"
	"errors"
	"strings"

	"github.com/mediocregopher/telstar/mctx"
)

// Error wraps an error such that contextual and stacktrace information is
// captured alongside it.
type Error struct {
	Err        error
	Ctx        context.Context
	Stacktrace Stacktrace
}

// Error implements the error interface.
func (e Error) Error() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(e.Err.Error()))

	annotations := mctx.EvaluateAnnotations(e.Ctx, mctx.Annotations{})
	if len(annotations) == 0 {
		return sb.String()
	}

	for _, kv := range sortedPairs(annotations) {
		sb.WriteString("\n\t* ")
		sb.WriteString(kv[0])
		sb.WriteString(": ")
		sb.WriteString(kv[1])
	}
	return sb.String()
}

// Unwrap implements the interface used by errors.Is/errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// WrapSkip is like Wrap but also allows skipping extra stack frames when
// embedding the stack into the error, for helpers which themselves wrap Wrap.
func WrapSkip(ctx context.Context, err error, skip int) error {
	if err == nil {
		return nil
	}

	var e Error
	if errors.As(err, &e) {
		e.Err = err
		e.Ctx = mergeContexts(e.Ctx, ctx)
		return e
	}

	return Error{
		Err:        err,
		Ctx:        ctx,
		Stacktrace: newStacktrace(skip + 1),
	}
}

// Wrap returns a copy of the given error wrapped in an Error, picking up a
// stacktrace (if one isn't already embedded) and merging ctx's annotations
// in. Wrapping nil returns nil.
func Wrap(ctx context.Context, err error) error {
	return WrapSkip(ctx, err, 1)
}

// New is a shortcut for merr.WrapSkip(ctx, errors.New(str), 1).
func New(ctx context.Context, str string) error {
	return WrapSkip(ctx, errors.New(str), 1)
}

func mergeContexts(dst, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if dst == nil {
		return src
	}
	annotations := mctx.EvaluateAnnotations(src, mctx.Annotations{})
	kvs := make([]interface{}, 0, len(annotations)*2)
	for _, kv := range sortedPairs(annotations) {
		kvs = append(kvs, kv[0], kv[1])
	}
	return mctx.Annotate(dst, kvs...)
}
