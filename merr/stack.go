package merr

import (
	"fmt"
	"runtime"
	"sort"
)

// MaxStackSize indicates the maximum number of stack frames which will be
// stored when embedding stack traces in errors.
var MaxStackSize = 50

// Stacktrace represents a stack trace at a particular point in execution.
type Stacktrace struct {
	frames []uintptr
}

func newStacktrace(skip int) Stacktrace {
	stackSlice := make([]uintptr, MaxStackSize+skip)
	// incr skip once for newStacktrace, once for runtime.Callers
	l := runtime.Callers(skip+2, stackSlice)
	return Stacktrace{frames: stackSlice[:l]}
}

// Frame returns the innermost frame in the stack, or the zero Frame if the
// Stacktrace is empty.
func (s Stacktrace) Frame() runtime.Frame {
	if len(s.frames) == 0 {
		return runtime.Frame{}
	}
	frame, _ := runtime.CallersFrames(s.frames).Next()
	return frame
}

// String implements the fmt.Stringer interface, returning the innermost
// frame as "<full file path>:line".
func (s Stacktrace) String() string {
	if len(s.frames) == 0 {
		return ""
	}
	f := s.Frame()
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}

func sortedPairs(aa map[string]interface{}) [][2]string {
	out := make([][2]string, 0, len(aa))
	for k, v := range aa {
		out = append(out, [2]string{k, fmt.Sprint(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
