package merr

import (
	"context"
	"errors"
	"testing"

	"github.com/mediocregopher/telstar/mctx"
	"github.com/stretchr/testify/assert"
)

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(context.Background(), nil))
}

func TestWrapAnnotations(t *testing.T) {
	ctx := mctx.Annotate(context.Background(), "stream", "orders")
	err := Wrap(ctx, errors.New("boom"))
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "stream: orders")
}

func TestWrapPreservesUnwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	ctx := mctx.Annotate(context.Background(), "a", 1)
	wrapped := Wrap(ctx, sentinel)
	assert.True(t, errors.Is(wrapped, sentinel))

	wrappedAgain := Wrap(mctx.Annotate(context.Background(), "b", 2), wrapped)
	assert.True(t, errors.Is(wrappedAgain, sentinel))
	assert.Contains(t, wrappedAgain.Error(), "a: 1")
	assert.Contains(t, wrappedAgain.Error(), "b: 2")
}
