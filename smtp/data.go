// Package smtp implements the line ending and dot-stuffing conventions of
// message data as transferred with SMTP and read from local submissions.
package smtp

import (
	"bufio"
	"io"
)

// DataWrite reads data (a mail message) from r, and writes it to smtp
// connection w with dot stuffing, as required by the SMTP data command.
//
// Lines in r can end with \n or \r\n, they are written with \r\n. A missing
// line ending on the last line is added. The terminating ".\r\n" is written
// at the end.
func DataWrite(w io.Writer, r io.Reader) error {
	// ../rfc/5321:2003
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			// Start of a line, also for the first line.
			if line[0] == '.' {
				if err := bw.WriteByte('.'); err != nil {
					return err
				}
			}
			// A long line may span multiple slices, only the first can need stuffing.
			for err == bufio.ErrBufferFull {
				if _, werr := bw.Write(line); werr != nil {
					return werr
				}
				line, err = br.ReadSlice('\n')
			}
			content := line
			if len(content) > 0 && content[len(content)-1] == '\n' {
				content = content[:len(content)-1]
				if len(content) > 0 && content[len(content)-1] == '\r' {
					content = content[:len(content)-1]
				}
			}
			if _, werr := bw.Write(content); werr != nil {
				return werr
			}
			if _, werr := bw.Write(crlf); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	if _, err := bw.Write(dotcrlf); err != nil {
		return err
	}
	return bw.Flush()
}

var crlf = []byte("\r\n")
var dotcrlf = []byte(".\r\n")

// DataConfig configures how a DataReader interprets line endings and dots.
type DataConfig struct {
	// IgnoreDots disables the end-of-data marker and dot unstuffing. A line
	// with a single dot is data. Used for input from files or pipes.
	IgnoreDots bool

	// SMTPMode removes the leading dot of a line regardless of the character
	// that follows it. Otherwise, only a doubled leading dot is unstuffed and
	// a single leading dot followed by other data is kept.
	SMTPMode bool

	// NLNotEOL makes a bare \n ordinary data instead of a line ending. Only
	// \r\n ends a line. Prevents "\n.\r\n" from ending the data.
	NLNotEOL bool

	// CRLFNotEOL makes \r ordinary data, a \r\n sequence is kept as is.
	CRLFNotEOL bool
}

// inputState is the state of the DataReader at the current position in the
// input.
type inputState int

const (
	stateNorm  inputState = iota // Middle of line.
	stateBOL                     // Beginning of line.
	stateDot                     // Read a dot at beginning of line.
	stateDotCR                   // Read ".\r" at beginning of line.
	stateCR                      // Read a carriage return.
)

// DataReader reads message data a character at a time, doing dot unstuffing
// and mapping line endings to a single \n. Reading a line consisting of a
// single dot returns io.EOF. If the input ends before that line, DataReader
// returns io.ErrUnexpectedEOF, unless IgnoreDots is set, in which case the end
// of the input is the regular end of the data.
//
// Bare carriage returns that are not followed by a newline are returned as
// data.
type DataReader struct {
	r     *bufio.Reader
	conf  DataConfig
	state inputState

	// Characters to process before reading from r again. Last element first.
	pushback []byte

	err error // Sticky error, after end of data or read error.
}

// NewDataReader returns an initialized DataReader.
func NewDataReader(r *bufio.Reader, conf DataConfig) *DataReader {
	// Set up initial state to accept a message that is only "." and CRLF.
	return &DataReader{r: r, conf: conf, state: stateBOL}
}

func (r *DataReader) next() (byte, error) {
	if n := len(r.pushback); n > 0 {
		c := r.pushback[n-1]
		r.pushback = r.pushback[:n-1]
		return c, nil
	}
	return r.r.ReadByte()
}

func (r *DataReader) unread(l ...byte) {
	r.pushback = append(r.pushback, l...)
}

// ReadByte returns the next logical character. At the end of data, io.EOF is
// returned.
func (r *DataReader) ReadByte() (byte, error) {
	if r.err != nil {
		return 0, r.err
	}
	for {
		c, err := r.next()
		if err == io.EOF {
			// Flush characters held back for the state, no data is lost at the end of
			// a file.
			switch r.state {
			case stateDot:
				r.state = stateNorm
				return '.', nil
			case stateDotCR:
				r.state = stateCR
				return '.', nil
			case stateCR:
				r.state = stateNorm
				return '\r', nil
			}
			if r.conf.IgnoreDots {
				r.err = io.EOF
			} else {
				r.err = io.ErrUnexpectedEOF
			}
			return 0, r.err
		} else if err != nil {
			r.err = err
			return 0, err
		}

		switch r.state {
		case stateBOL:
			if c == '.' {
				r.state = stateDot
				continue
			}

		case stateDot:
			if c == '\n' && !r.conf.IgnoreDots && !r.conf.NLNotEOL {
				r.err = io.EOF
				return 0, r.err
			} else if c == '\r' && !r.conf.CRLFNotEOL {
				r.state = stateDotCR
				continue
			} else if r.conf.IgnoreDots || c != '.' && !r.conf.SMTPMode {
				// Not an escaped dot, keep it as data.
				r.unread(c)
				c = '.'
			}
			// Otherwise c is the second dot of an escaped dot, or in SMTP mode the
			// first character after a removed dot.

		case stateDotCR:
			if c == '\n' && !r.conf.IgnoreDots {
				r.err = io.EOF
				return 0, r.err
			}
			// Process ".\r" followed by c as data.
			r.unread(c)
			if r.conf.SMTPMode && !r.conf.IgnoreDots {
				c = '\r'
			} else {
				r.unread('\r')
				c = '.'
			}

		case stateCR:
			if c == '\n' {
				r.state = stateBOL
			} else {
				r.unread(c)
				c = '\r'
				r.state = stateNorm
			}
			return c, nil
		}

		if c == '\r' && !r.conf.CRLFNotEOL {
			r.state = stateCR
			continue
		} else if c == '\n' && !r.conf.NLNotEOL {
			r.state = stateBOL
		} else {
			r.state = stateNorm
		}
		return c, nil
	}
}

// Read implements io.Reader.
func (r *DataReader) Read(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		c, err := r.ReadByte()
		if err != nil {
			return n, err
		}
		buf[n] = c
		n++
		// Return whole lines where possible, without waiting for more input.
		if c == '\n' && r.r.Buffered() == 0 && len(r.pushback) == 0 {
			break
		}
	}
	return n, nil
}

// AtBOL returns whether the last character returned ended a line. When true,
// the next character read starts a new line.
func (r *DataReader) AtBOL() bool {
	return r.state == stateBOL
}

// Peek returns the next raw input character without consuming it. Used to
// check whether a header line is continued on the next line.
func (r *DataReader) Peek() (byte, error) {
	if n := len(r.pushback); n > 0 {
		return r.pushback[n-1], nil
	}
	buf, err := r.r.Peek(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}
