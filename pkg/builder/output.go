package builder

import (
	"context"
	"io"
)

type outputKey struct{}

// NewContextWithOutput returns a context that causes the output of
// commands run by executors to be copied to w, in addition to any
// writer that was provided when the executor was created.
func NewContextWithOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, outputKey{}, w)
}

func getOutputFromContext(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(outputKey{}).(io.Writer); ok {
		return w
	}
	return nil
}
