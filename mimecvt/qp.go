package mimecvt

import (
	"io"
)

const hexDigits = "0123456789ABCDEF"

// Characters that are not safe through EBCDIC gateways.
const ebcdicUnsafe = "!\"#$@[\\]^`{|}~"

// qpEncode reads data from r and writes it quoted-printable encoded as lines
// through put, without line endings.
//
// Control characters other than tab, bytes 0x7f and higher and "=" are
// escaped, as are the characters in ebcdicUnsafe if ebcdic is set. Whitespace
// at the end of a line is escaped. A line with only a dot is escaped. With
// escapeFrom, the space of a line starting with "From " is escaped. Lines are
// broken with a soft line break before 76 characters. If partial is set, the
// last line is written even if it is empty, the newline before a boundary that
// follows is not part of the data.
func qpEncode(r io.ByteReader, put func(line []byte) error, ebcdic, escapeFrom, partial bool) error {
	var bad [256]bool
	for c := 0; c < 0x20; c++ {
		bad[c] = true
	}
	bad['\t'] = false
	for c := 0x7f; c < 0x100; c++ {
		bad[c] = true
	}
	bad['='] = true
	if ebcdic {
		for _, c := range []byte(ebcdicUnsafe) {
			bad[c] = true
		}
	}

	buf := make([]byte, 0, 80)
	var linelen int
	// Number of characters of "From" seen at start of line.
	var fromstate int
	// Previous character. Whitespace is written when the next character is known.
	var prev byte = '\n'
	escape := func(c byte) {
		buf = append(buf, '=', hexDigits[c>>4], hexDigits[c&0x0f])
	}
	flush := func() error {
		err := put(buf)
		buf = buf[:0]
		linelen = 0
		fromstate = 0
		return err
	}

	for {
		c, err := r.ReadByte()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}

		if c == '\n' {
			if prev == ' ' || prev == '\t' {
				escape(prev)
			}
			if len(buf) == 1 && buf[0] == '.' {
				buf = append(buf[:0], "=2E"...)
			}
			if err := flush(); err != nil {
				return err
			}
			prev = c
			continue
		}

		if prev == ' ' && linelen == 4 && fromstate == 4 && escapeFrom {
			buf = append(buf, "=20"...)
			linelen += 3
		} else if prev == ' ' || prev == '\t' {
			buf = append(buf, prev)
			linelen++
		}

		// Soft line break. A dot is not left at the start of a line on its own.
		if linelen > 72 && (linelen > 75 || c != '.' || linelen > 73 && prev == '.') {
			if linelen > 73 && prev == '.' {
				buf = buf[:len(buf)-1]
			} else {
				prev = '\n'
			}
			buf = append(buf, '=')
			if err := flush(); err != nil {
				return err
			}
			if prev == '.' {
				buf = append(buf, '.')
				linelen++
			}
		}

		if bad[c] {
			escape(c)
			linelen += 3
		} else if c != ' ' && c != '\t' {
			if linelen < 4 && c == "From"[linelen] {
				fromstate++
			}
			buf = append(buf, c)
			linelen++
		}
		prev = c
	}

	if prev == ' ' || prev == '\t' {
		escape(prev)
		linelen += 3
	}
	if linelen > 0 || partial {
		return put(buf)
	}
	return nil
}
