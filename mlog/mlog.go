// Package mlog is a small structured logging library. Log methods take a
// Context (see mctx) so that annotations set up-stream (stream name, group
// name, consumer name, server entry id, ...) ride along into the log line
// without needing to be threaded through every call site explicitly.
package mlog

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mediocregopher/telstar/mctx"
)

var defaultLogWriter io.Writer = os.Stderr

// Level describes the severity of a log message.
type Level interface {
	String() string
	// Int gives an integer indicator of severity, lower being more severe
	// (LevelFatal is -1).
	Int() int
}

type level struct {
	s string
	i int
}

func (l level) String() string { return l.s }
func (l level) Int() int       { return l.i }

// Predefined severities.
var (
	LevelDebug Level = level{s: "DEBUG", i: 40}
	LevelInfo  Level = level{s: "INFO", i: 30}
	LevelWarn  Level = level{s: "WARN", i: 20}
	LevelError Level = level{s: "ERROR", i: 10}
	LevelFatal Level = level{s: "FATAL", i: -1}
)

// LevelFromString parses one of the predefined Levels, case-insensitively,
// returning nil if s doesn't match any of them.
func LevelFromString(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "FATAL":
		return LevelFatal
	default:
		return nil
	}
}

// Message describes a single message to be logged.
type Message struct {
	Context context.Context
	Level   Level
	Descr   string
}

// FullMessage extends Message with properties not provided by the caller.
type FullMessage struct {
	Message
	Time time.Time
}

// MessageHandler processes FullMessages, e.g. by writing them to a file or
// shipping them to a log aggregator.
//
// NOTE Logger does not provide thread-safety itself, a MessageHandler must
// do so if it's not already safe for concurrent use (NewJSONHandler's
// return value is).
type MessageHandler interface {
	Handle(FullMessage) error
	Sync() error
}

type jsonLine struct {
	Time        string            `json:"time"`
	Level       string            `json:"level"`
	Descr       string            `json:"descr"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type jsonHandler struct {
	l   sync.Mutex
	out io.Writer
	enc *json.Encoder
}

// NewJSONHandler returns a MessageHandler which writes one JSON object per
// line to out, including any mctx annotations carried by the Message's
// Context.
func NewJSONHandler(out io.Writer) MessageHandler {
	return &jsonHandler{out: out, enc: json.NewEncoder(out)}
}

func (h *jsonHandler) Handle(msg FullMessage) error {
	h.l.Lock()
	defer h.l.Unlock()

	annotations := mctx.EvaluateAnnotations(msg.Context, mctx.Annotations{})
	strAnnotations := make(map[string]string, len(annotations))
	for k, v := range annotations {
		strAnnotations[k] = toString(v)
	}

	return h.enc.Encode(jsonLine{
		Time:        msg.Time.UTC().Format(time.RFC3339Nano),
		Level:       msg.Level.String(),
		Descr:       msg.Descr,
		Annotations: strAnnotations,
	})
}

func (h *jsonHandler) Sync() error {
	h.l.Lock()
	defer h.l.Unlock()
	if s, ok := h.out.(interface{ Sync() error }); ok {
		return s.Sync()
	} else if f, ok := h.out.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Logger dispatches Messages to a MessageHandler, dropping any below its
// configured minimum Level.
type Logger struct {
	handler  MessageHandler
	minLevel Level
}

// LoggerOpts are optional parameters to NewLogger. A nil *LoggerOpts is
// equivalent to an empty one.
type LoggerOpts struct {
	// Defaults to NewJSONHandler(os.Stderr).
	MessageHandler MessageHandler
	// Defaults to LevelInfo.
	MinLevel Level
}

func (o *LoggerOpts) withDefaults() *LoggerOpts {
	var out LoggerOpts
	if o != nil {
		out = *o
	}
	if out.MessageHandler == nil {
		out.MessageHandler = NewJSONHandler(defaultLogWriter)
	}
	if out.MinLevel == nil {
		out.MinLevel = LevelInfo
	}
	return &out
}

// NewLogger initializes a Logger from the given (optional) opts.
func NewLogger(opts *LoggerOpts) *Logger {
	opts = opts.withDefaults()
	return &Logger{handler: opts.MessageHandler, minLevel: opts.MinLevel}
}

func (l *Logger) log(ctx context.Context, lvl Level, descr string) {
	if lvl.Int() > l.minLevel.Int() {
		return
	}
	_ = l.handler.Handle(FullMessage{
		Message: Message{Context: ctx, Level: lvl, Descr: descr},
		Time:    time.Now(),
	})
	if lvl.Int() < 0 {
		// Fatal: flush and let the caller decide whether to exit; this
		// library never calls os.Exit itself so it stays testable.
		_ = l.handler.Sync()
	}
}

// Debug logs descr at LevelDebug.
func (l *Logger) Debug(ctx context.Context, descr string) { l.log(ctx, LevelDebug, descr) }

// Info logs descr at LevelInfo.
func (l *Logger) Info(ctx context.Context, descr string) { l.log(ctx, LevelInfo, descr) }

// Warn logs descr at LevelWarn.
func (l *Logger) Warn(ctx context.Context, descr string) { l.log(ctx, LevelWarn, descr) }

// Error logs descr at LevelError.
func (l *Logger) Error(ctx context.Context, descr string) { l.log(ctx, LevelError, descr) }

// Fatal logs descr at LevelFatal. Unlike most logging libraries this does
// NOT call os.Exit; callers which want that behavior should do so themselves
// after calling Fatal.
func (l *Logger) Fatal(ctx context.Context, descr string) { l.log(ctx, LevelFatal, descr) }
