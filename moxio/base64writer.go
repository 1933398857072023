package moxio

import (
	"encoding/base64"
	"io"
)

// implement io.Closer
type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// Base64Writer turns a function that writes lines into a writer that base64
// encodes its data, passing lines of at most width characters to put. The
// lines passed to put have no line ending. Close must be called to flush the
// final, padded, group.
func Base64Writer(put func(line []byte) error, width int) io.WriteCloser {
	lw := &lineWrapper{put: put, buf: make([]byte, 0, width)}
	bw := base64.NewEncoder(base64.StdEncoding, lw)
	return struct {
		io.Writer
		io.Closer
	}{
		Writer: bw,
		Closer: closerFunc(func() error {
			if err := bw.Close(); err != nil {
				return err
			}
			return lw.Close()
		}),
	}
}

type lineWrapper struct {
	put func(line []byte) error
	buf []byte // Current line, up to cap(buf).
}

func (lw *lineWrapper) Write(buf []byte) (int, error) {
	wrote := 0
	for len(buf) > 0 {
		n := cap(lw.buf) - len(lw.buf)
		if n > len(buf) {
			n = len(buf)
		}
		lw.buf = append(lw.buf, buf[:n]...)
		buf = buf[n:]
		wrote += n
		if len(lw.buf) == cap(lw.buf) {
			if err := lw.put(lw.buf); err != nil {
				return wrote, err
			}
			lw.buf = lw.buf[:0]
		}
	}
	return wrote, nil
}

func (lw *lineWrapper) Close() error {
	if len(lw.buf) > 0 {
		err := lw.put(lw.buf)
		lw.buf = lw.buf[:0]
		return err
	}
	return nil
}
