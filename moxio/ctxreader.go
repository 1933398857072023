package moxio

import (
	"context"
	"io"
)

// CtxReader is a reader that returns the context error once ctx is done,
// before reading from R. Reads already in progress are not interrupted, for
// network connections a deadline should be set as well.
type CtxReader struct {
	Ctx context.Context
	R   io.Reader
}

// Read reads from the underlying reader, unless the context is done.
func (r CtxReader) Read(buf []byte) (int, error) {
	if err := r.Ctx.Err(); err != nil {
		return 0, err
	}
	return r.R.Read(buf)
}
