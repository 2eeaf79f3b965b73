package mlog

import (
	"context"
	"io"
)

type ctxKey int

// Null is a Logger which discards everything written to it.
var Null = NewLogger(&LoggerOpts{MessageHandler: NewJSONHandler(io.Discard)})

// DefaultLogger is the Logger returned by From when none was Set on the
// given Context.
var DefaultLogger = NewLogger(nil)

// Set returns a copy of ctx carrying l, retrievable later via From.
func Set(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey(0), l)
}

// From returns the Logger carried by ctx, or DefaultLogger if none was Set.
func From(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey(0)).(*Logger); ok && l != nil {
		return l
	}
	return DefaultLogger
}
