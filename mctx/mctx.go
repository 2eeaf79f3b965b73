// Package mctx extends the builtin context package with lightweight
// key/value annotations, useful for structured logging and error reporting
// (see mlog and merr).
package mctx

import (
	"context"
	"fmt"
)

type annotateKey string

type annotation struct {
	key, val interface{}
	prev     *annotation
}

type annotationsKey struct{}

// Annotate takes in one or more key/value pairs (kvs' length must be even)
// and returns a Context carrying them, in addition to any previously
// Annotate'd onto ctx.
func Annotate(ctx context.Context, kvs ...interface{}) context.Context {
	if len(kvs)%2 != 0 {
		panic("mctx.Annotate called with an odd number of arguments")
	} else if len(kvs) == 0 {
		return ctx
	}

	prev, _ := ctx.Value(annotationsKey{}).(*annotation)
	for i := 0; i < len(kvs); i += 2 {
		prev = &annotation{key: kvs[i], val: kvs[i+1], prev: prev}
	}
	return context.WithValue(ctx, annotationsKey{}, prev)
}

// Annotations is an unordered set of key/value pairs extracted from a Context.
type Annotations map[string]interface{}

// EvaluateAnnotations walks all annotations set on ctx via Annotate and
// merges them into into (most-recently-set wins on key collision), returning
// into for convenience.
func EvaluateAnnotations(ctx context.Context, into Annotations) Annotations {
	if into == nil {
		into = Annotations{}
	}

	a, _ := ctx.Value(annotationsKey{}).(*annotation)

	// walk from most-recent to oldest, only setting keys we haven't seen yet
	// so that the most recent annotation for a key wins.
	seen := make(map[string]bool, len(into))
	for k := range into {
		seen[k] = true
	}
	for ; a != nil; a = a.prev {
		k := toString(a.key)
		if seen[k] {
			continue
		}
		seen[k] = true
		into[k] = a.val
	}
	return into
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if s, ok := v.(annotateKey); ok {
		return string(s)
	}
	return fmt.Sprint(v)
}
