package message

import (
	"bufio"
	"bytes"
	"io"
)

// LineWriter writes lines of a message to a mailer. Lines are written with the
// line ending of the mailer, and are dot-stuffed, From-escaped or split when
// the mailer requires it.
//
// Call Flush when done.
type LineWriter struct {
	w          *bufio.Writer
	eol        []byte
	dotStuff   bool
	escapeFrom bool
	limit      int

	// Strip8 clears the 8th bit of all bytes written.
	Strip8 bool

	// Size is the number of bytes written.
	Size int64

	scratch []byte
}

// NewLineWriter returns a LineWriter writing to w for mailer m.
func NewLineWriter(w io.Writer, m Mailer) *LineWriter {
	eol := m.EOL
	if eol == "" {
		eol = "\r\n"
	}
	return &LineWriter{
		w:          bufio.NewWriter(w),
		eol:        []byte(eol),
		dotStuff:   m.Has(MailerDotStuff),
		escapeFrom: m.Has(MailerEscapeFrom),
		limit:      m.LineLimit,
	}
}

// PutLine writes a body line. A line ending is added. If line contains
// newlines, each part is written as a separate line.
func (lw *LineWriter) PutLine(line []byte) error {
	return lw.put(line, false)
}

// PutString is like PutLine, for a string.
func (lw *LineWriter) PutString(s string) error {
	return lw.put([]byte(s), false)
}

// PutHeader writes a header line. Lines that are split because they exceed the
// line length limit are continued with a space, keeping the header valid.
func (lw *LineWriter) PutHeader(s string) error {
	return lw.put([]byte(s), true)
}

// PutField writes a header field with name and words separated by spaces. A
// word that would make the line longer than 78 characters, or the line limit
// of the mailer if lower, starts a continuation line. Words are not split.
func (lw *LineWriter) PutField(name string, words ...string) error {
	max := 78
	if lw.limit > 0 && lw.limit < max {
		max = lw.limit
	}
	buf := []byte(name + ":")
	n := len(buf)
	for _, w := range words {
		if n > 1 && n+1+len(w) > max {
			buf = append(buf, "\n\t"...)
			n = 1
		} else {
			buf = append(buf, ' ')
			n++
		}
		buf = append(buf, w...)
		n += len(w)
	}
	return lw.put(buf, true)
}

// PutEnd writes the end-of-data line, a single dot, and flushes. Only for
// dot-stuffing mailers.
func (lw *LineWriter) PutEnd() error {
	if err := lw.write([]byte{'.'}); err != nil {
		return err
	}
	if err := lw.write(lw.eol); err != nil {
		return err
	}
	return lw.Flush()
}

// Flush writes buffered data to the underlying writer.
func (lw *LineWriter) Flush() error {
	return lw.w.Flush()
}

func (lw *LineWriter) put(buf []byte, header bool) error {
	for {
		line := buf
		i := bytes.IndexByte(buf, '\n')
		if i >= 0 {
			line, buf = buf[:i], buf[i+1:]
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
		}
		if err := lw.putOne(line, header); err != nil {
			return err
		}
		if i < 0 {
			return nil
		}
	}
}

func (lw *LineWriter) putOne(line []byte, header bool) error {
	if lw.Strip8 {
		lw.scratch = append(lw.scratch[:0], line...)
		for i, c := range lw.scratch {
			lw.scratch[i] = c & 0x7f
		}
		line = lw.scratch
	}

	if !header && lw.escapeFrom && bytes.HasPrefix(line, []byte("From ")) {
		lw.write([]byte{'>'})
	}

	// Split lines that are too long, marking the split with a "!".
	first := true
	for {
		n := lw.limit - 1
		if header && !first {
			n--
		}
		if lw.limit <= 0 || len(line) <= n+1 || n <= 0 {
			break
		}
		if header && !first {
			lw.write([]byte{' '})
		} else if lw.dotStuff && line[0] == '.' {
			lw.write([]byte{'.'})
		}
		lw.write(line[:n])
		lw.write([]byte{'!'})
		lw.write(lw.eol)
		line = line[n:]
		first = false
	}
	if header && !first {
		lw.write([]byte{' '})
	} else if lw.dotStuff && len(line) > 0 && line[0] == '.' {
		lw.write([]byte{'.'})
	}
	lw.write(line)
	return lw.write(lw.eol)
}

func (lw *LineWriter) write(buf []byte) error {
	n, err := lw.w.Write(buf)
	lw.Size += int64(n)
	return err
}
