package mimecvt

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"

	"github.com/mjl-/mtacore/config"
	"github.com/mjl-/mtacore/message"
	"github.com/mjl-/mtacore/metrics"
	"github.com/mjl-/mtacore/moxio"
)

// Decodable returns whether a message with header h can be decoded to 8-bit
// by To8Bit: it is not a multipart, it has a content type that is configured
// for decoding, and is base64 or quoted-printable encoded.
func Decodable(conf config.MIME, h *message.Header) bool {
	cte, _ := parseCTE(h.Get("Content-Transfer-Encoding"))
	if cte != "base64" && cte != "quoted-printable" {
		return false
	}
	ctv := h.Get("Content-Type")
	if ctv == "" {
		return false
	}
	ct := ParseContentType(ctv)
	return ct.Type != "multipart" && config.InClass(conf.DecodeTypes, ct.MediaType())
}

// To8Bit writes the body of env, read from body, to lw, decoding it from
// base64 or quoted-printable, as indicated by the Content-Transfer-Encoding of
// env. Only single part messages are decoded, see Decodable.
//
// As with To7Bit, the header must have been written without transfer
// encoding. To8Bit writes the new transfer encoding and the empty line ending
// the header.
//
// Invalid base64 characters are skipped, an incomplete final group is
// dropped. For invalid quoted-printable escapes, the rest of the line is
// dropped, which is logged but not an error.
func (c Converter) To8Bit(ctx context.Context, env *message.Envelope, body io.Reader, lw *message.LineWriter) (rerr error) {
	log := c.Log.WithContext(ctx).With(slog.String("msgid", env.ID))
	defer recoverIO(log, &rerr)

	cte, rawCTE := parseCTE(env.Header.Get("Content-Transfer-Encoding"))
	if rawCTE == "" {
		rawCTE = "7bit"
	}

	xputHeader := func(s string) {
		xcheckf(lw.PutHeader(s), "write header")
	}
	xputHeader("Content-Transfer-Encoding: 8bit")
	xcheckf(lw.PutField("X-MIME-Autoconverted", "from", rawCTE, "to", "8bit", "by", c.Hostname, "id", env.ID), "write header")
	xcheckf(lw.PutLine(nil), "write line")

	// Decoded data is written per line, with line endings of the mailer.
	var line []byte
	put := func(buf []byte) {
		for len(buf) > 0 {
			i := bytes.IndexByte(buf, '\n')
			if i < 0 {
				line = append(line, buf...)
				return
			}
			line = append(line, buf[:i]...)
			buf = buf[i+1:]
			line = bytes.TrimSuffix(line, []byte("\r"))
			xcheckf(lw.PutLine(line), "write line")
			line = line[:0]
		}
	}

	br := bufio.NewReader(moxio.CtxReader{Ctx: ctx, R: body})
	if cte == "base64" {
		xcheckf(decodeBase64(br, put), "reading body")
	} else {
		nbad, err := decodeQP(br, put)
		xcheckf(err, "reading body")
		if nbad > 0 {
			log.Info("invalid quoted-printable data, rest of lines dropped", slog.Int("lines", nbad))
			metrics.MIMEErrorInc("badqp")
		}
	}
	if len(line) > 0 {
		xcheckf(lw.PutLine(line), "write line")
	}
	xcheckf(lw.Flush(), "flush")
	metrics.ConvertInc("to8bit", cte)
	log.Debug("converted to 8bit", slog.String("from", cte))
	return nil
}

// decodeQP decodes quoted-printable data from r line by line, calling put with
// decoded data. Trailing whitespace of a line is removed, a line ending in "="
// continues on the next line. Other bytes, including control characters, are
// passed through. At an "=" that does not start a valid escape, the rest of
// the line is dropped and decoding continues with the next line. The number
// of lines with dropped data is returned.
func decodeQP(r *bufio.Reader, put func(buf []byte)) (int, error) {
	var nbad int
	out := make([]byte, 0, 1024)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nbad, err
		}
		if len(line) == 0 && err == io.EOF {
			return nbad, nil
		}
		eol := bytes.HasSuffix(line, []byte("\n"))
		line = bytes.TrimRight(line, " \t\r\n")

		out = out[:0]
		soft := false
		for i := 0; i < len(line); i++ {
			c := line[i]
			if c != '=' {
				out = append(out, c)
				continue
			}
			if i == len(line)-1 {
				soft = true
				break
			}
			if i+2 < len(line) {
				hi, lo := unhex(line[i+1]), unhex(line[i+2])
				if hi >= 0 && lo >= 0 {
					out = append(out, byte(hi<<4|lo))
					i += 2
					continue
				}
			}
			nbad++
			break
		}
		if eol && !soft {
			out = append(out, '\n')
		}
		put(out)
		if err == io.EOF {
			return nbad, nil
		}
	}
}

func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	}
	return -1
}

var base64Values = func() (l [256]int8) {
	for i := range l {
		l[i] = -1
	}
	for i, c := range []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/") {
		l[c] = int8(i)
	}
	return
}()

// decodeBase64 decodes base64 data from r, calling put with decoded data.
// Characters outside the base64 alphabet are skipped. A group with padding in
// its first two characters is skipped, an incomplete final group is dropped.
func decodeBase64(r io.ByteReader, put func(buf []byte)) error {
	var group [4]byte
	out := make([]byte, 0, 3*1024)
	n := 0
	for {
		c, err := r.ReadByte()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if c != '=' && base64Values[c] < 0 {
			continue
		}
		group[n] = c
		n++
		if n < 4 {
			continue
		}
		n = 0
		if group[0] == '=' || group[1] == '=' {
			continue
		}
		v0, v1 := byte(base64Values[group[0]]), byte(base64Values[group[1]])
		out = append(out, v0<<2|v1>>4)
		if group[2] != '=' {
			v2 := byte(base64Values[group[2]])
			out = append(out, v1<<4|v2>>2)
			if group[3] != '=' {
				v3 := byte(base64Values[group[3]])
				out = append(out, v2<<6|v3)
			}
		}
		if len(out) >= cap(out)-3 {
			put(out)
			out = out[:0]
		}
	}
	if len(out) > 0 {
		put(out)
	}
	return nil
}
