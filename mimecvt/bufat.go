package mimecvt

import (
	"bytes"
	"context"
	"io"
)

// Lines longer than this are returned in pieces. Only the first piece of a
// line can be a boundary.
const maxLineLength = 64 * 1024

// bufAt is a buffered reader on an io.ReaderAt, returning lines ending in \n.
// Positions can be saved and restored, for scanning a part before encoding it.
type bufAt struct {
	ctx     context.Context
	r       io.ReaderAt
	offset  int64  // Offset in r of buf[0].
	buf     []byte // Buffered data, buf[:nbuf] is valid.
	nbuf    int
	bol     bool // Whether the next line returned starts at the beginning of a line.
	scratch []byte
}

type bufPos struct {
	offset int64
	bol    bool
}

func newBufAt(ctx context.Context, r io.ReaderAt) *bufAt {
	return &bufAt{ctx: ctx, r: r, bol: true}
}

// ensure makes sure a full line is buffered, or the buffer is full, unless
// EOF is encountered. An error is returned when the context is done.
func (b *bufAt) ensure() error {
	if err := b.ctx.Err(); err != nil {
		return err
	}
	if bytes.IndexByte(b.buf[:b.nbuf], '\n') >= 0 {
		return nil
	}
	if b.buf == nil {
		b.buf = make([]byte, maxLineLength)
	}
	for b.nbuf < len(b.buf) {
		n, err := b.r.ReadAt(b.buf[b.nbuf:], b.offset+int64(b.nbuf))
		b.nbuf += n
		if err == io.EOF || n == 0 && err == nil {
			break
		} else if err != nil {
			return err
		}
		if bytes.IndexByte(b.buf[b.nbuf-n:b.nbuf], '\n') >= 0 {
			break
		}
	}
	return nil
}

// ReadLine returns the next line, including its newline if any, and whether
// the line starts at the beginning of a line. The returned slice is only valid
// until the next call. At the end of the data, io.EOF is returned.
func (b *bufAt) ReadLine() (line []byte, bol bool, err error) {
	return b.line(true)
}

// PeekLine is like ReadLine, but does not consume the line.
func (b *bufAt) PeekLine() (line []byte, bol bool, err error) {
	return b.line(false)
}

func (b *bufAt) line(consume bool) ([]byte, bool, error) {
	if err := b.ensure(); err != nil {
		return nil, false, err
	}
	if b.nbuf == 0 {
		return nil, false, io.EOF
	}
	n := b.nbuf
	if i := bytes.IndexByte(b.buf[:b.nbuf], '\n'); i >= 0 {
		n = i + 1
	}
	bol := b.bol
	b.scratch = append(b.scratch[:0], b.buf[:n]...)
	if consume {
		copy(b.buf, b.buf[n:b.nbuf])
		b.nbuf -= n
		b.offset += int64(n)
		b.bol = b.scratch[n-1] == '\n'
	}
	return b.scratch, bol, nil
}

func (b *bufAt) pos() bufPos {
	return bufPos{b.offset, b.bol}
}

func (b *bufAt) setPos(p bufPos) {
	b.offset = p.offset
	b.bol = p.bol
	b.nbuf = 0
}

// partReader returns the characters of the body of a part, until a line that is
// a boundary for one of the active multiparts or the end of the data. The
// newline before a boundary line belongs to the boundary and is not returned.
type partReader struct {
	b     *bufAt
	stack *BoundaryStack

	line []byte // Remainder of the current line.
	buf  []byte // Storage for line.
	done bool

	// Boundary that ended the part, Final at the end of the data.
	bt BoundaryType
}

func newPartReader(b *bufAt, stack *BoundaryStack) *partReader {
	return &partReader{b: b, stack: stack}
}

// ReadByte returns the next character, io.EOF at the end of the part.
func (r *partReader) ReadByte() (byte, error) {
	for {
		if len(r.line) > 1 || len(r.line) == 1 && r.line[0] != '\n' {
			c := r.line[0]
			r.line = r.line[1:]
			return c, nil
		}
		if r.done {
			return 0, io.EOF
		}

		// Only a newline can be pending, it is returned if no boundary follows.
		nl := len(r.line) == 1
		line, bol, err := r.b.ReadLine()
		if err == io.EOF {
			r.done = true
			r.bt = Final
			r.line = nil
			if nl {
				return '\n', nil
			}
			return 0, io.EOF
		} else if err != nil {
			return 0, err
		}
		if bol {
			if bt := r.stack.Classify(line); bt != NotBoundary {
				r.done = true
				r.bt = bt
				r.line = nil
				return 0, io.EOF
			}
		}
		r.buf = append(r.buf[:0], line...)
		r.line = r.buf
		if nl {
			return '\n', nil
		}
	}
}
