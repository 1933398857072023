// Package mimecvt converts message bodies between 8-bit and 7-bit transfer
// encodings, for delivery to mailers that are not 8-bit clean, and back.
//
// Multipart and embedded messages are processed recursively. Parts with 8-bit
// data are encoded with quoted-printable or base64, depending on the fraction
// of 8-bit bytes. Structural errors, such as a missing multipart boundary or
// too deep nesting, do not fail the conversion: the message is marked so it
// is not converted again, and the data is passed through.
package mimecvt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/mjl-/mtacore/config"
	"github.com/mjl-/mtacore/message"
	"github.com/mjl-/mtacore/metrics"
	"github.com/mjl-/mtacore/mlog"
	"github.com/mjl-/mtacore/moxio"
)

var errIO = errors.New("io error")

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		panic(fmt.Errorf("%s: %w: %w", fmt.Sprintf(format, args...), errIO, err))
	}
}

// Converter converts message bodies for a mailer.
type Converter struct {
	Config   config.MIME
	Log      mlog.Log
	Mailer   message.Mailer
	Hostname string // For X-MIME-Autoconverted header fields.
}

type partFlags int

const (
	flagNo8bit partFlags = 1 << iota // Part must not be encoded, it is copied.
	flagNo8to7                       // Too deeply nested, header and body are copied as is.
	flagDigest                       // In multipart/digest, parts default to message/rfc822.
)

// encoder holds the state of one call to To7Bit.
type encoder struct {
	c     Converter
	log   mlog.Log
	env   *message.Envelope
	b     *bufAt
	stack *BoundaryStack
	lw    *message.LineWriter
}

// recoverIO turns a panic with errIO into an error. Other panics are logged and
// raised again.
func recoverIO(log mlog.Log, rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	err, ok := x.(error)
	if !ok || !errors.Is(err, errIO) {
		log.Error("unhandled panic", slog.Any("err", x))
		debug.PrintStack()
		metrics.PanicInc(metrics.Mimecvt)
		panic(x)
	}
	*rerr = err
}

// To7Bit writes the body of env, read from body, to lw, encoding 8-bit data.
//
// The message header must have been written with the Content-Transfer-Encoding
// left out (message.WriteOpts.SkipCTE). To7Bit writes the transfer encoding
// header fields of the message and the empty line ending the header. For
// multipart messages, the headers of the parts are written with the parts.
//
// Structural MIME errors set env.MIMEDisabled and do not cause an error. An
// error is returned for failures reading body or writing to lw, and when ctx is
// canceled.
func (c Converter) To7Bit(ctx context.Context, env *message.Envelope, body io.ReaderAt, lw *message.LineWriter) (rerr error) {
	log := c.Log.WithContext(ctx).With(slog.String("msgid", env.ID))
	defer recoverIO(log, &rerr)

	e := &encoder{
		c:     c,
		log:   log,
		env:   env,
		b:     newBufAt(ctx, body),
		stack: NewBoundaryStack(c.Config.MaxNesting),
		lw:    lw,
	}
	e.part(env.Header, 0, 0)
	xcheckf(lw.Flush(), "flush")
	log.Debug("converted to 7bit", slog.Bool("mimedisabled", env.MIMEDisabled))
	return nil
}

// structural registers a MIME error that disables conversion of the message.
func (e *encoder) structural(kind, msg string, attrs ...slog.Attr) {
	e.log.Info(msg, attrs...)
	metrics.MIMEErrorInc(kind)
	e.env.MIMEDisabled = true
}

func (e *encoder) xputLine(s string) {
	xcheckf(e.lw.PutString(s), "write line")
}

func (e *encoder) xputHeader(s string) {
	xcheckf(e.lw.PutHeader(s), "write header")
}

// part writes a part, with h its header, already written. The boundary type
// that ended the part is returned, Final at the end of the data.
func (e *encoder) part(h *message.Header, level int, flags partFlags) BoundaryType {
	conf := e.c.Config
	if level > conf.MaxNesting {
		if !e.env.MIMEDisabled {
			e.structural("nestingtoodeep", "mime nesting too deep, copying remainder", slog.Int("level", level))
		}
		e.env.MIMEDisabled = true
		flags |= flagNo8to7
	}

	cte, rawCTE := parseCTE(h.Get("Content-Transfer-Encoding"))
	ct := ParseContentType(h.Get("Content-Type"))
	if ct.Type == "" {
		if flags&flagDigest != 0 {
			ct.Type, ct.Subtype = "message", "rfc822"
		} else {
			ct.Type, ct.Subtype = "text", "plain"
		}
	}
	flags &^= flagDigest

	mt := ct.MediaType()
	if config.InClass(conf.NeverTouchTypes, mt) || cte != "" && !config.InClass(conf.EncodableCTEs, cte) {
		flags |= flagNo8bit
	}
	useQP := config.InClass(conf.QPTypes, mt) || config.InClass(conf.QPTypes, ct.Type)

	switch ct.Type {
	case "multipart":
		if flags&flagNo8bit == 0 || flags&flagNo8to7 != 0 {
			return e.multipart(ct, level, flags)
		}
	case "message":
		if config.InClass(conf.MessageSubtypes, ct.Subtype) && flags&flagNo8bit == 0 {
			return e.message(level, flags)
		}
		flags |= flagNo8bit
	}
	return e.leaf(ct, cte, rawCTE, useQP, flags)
}

func (e *encoder) multipart(ct ContentType, level int, flags partFlags) BoundaryType {
	if ct.Subtype == "digest" {
		flags |= flagDigest
	}

	boundary := ct.Params["boundary"]
	if boundary == "" {
		e.structural("boundarymissing", "multipart without boundary", slog.String("contenttype", ct.String()))
		boundary = "---"
	} else if len(boundary) > e.c.Config.MaxBoundaryLength {
		e.structural("boundarytoolong", "multipart boundary too long", slog.Int("length", len(boundary)))
		boundary = boundary[:e.c.Config.MaxBoundaryLength]
	}
	pushed := true
	if err := e.stack.Push(boundary); err != nil {
		e.structural("nestingtoodeep", "cannot track multipart boundary", slog.Any("err", err))
		pushed = false
	}

	e.xputLine("")

	// Prologue.
	bt := e.copyLines(true)
	for bt != Final {
		e.xputLine("--" + boundary)
		h := e.xreadHeader()
		e.xwriteHeader(h, level+1, flags)
		bt = e.part(h, level+1, flags)
	}
	e.xputLine("--" + boundary + "--")

	// Epilogue.
	bt = e.copyLines(true)
	if pushed {
		e.stack.Pop()
	}
	return bt
}

func (e *encoder) message(level int, flags partFlags) BoundaryType {
	e.xputLine("")
	h := e.xreadHeader()
	e.xwriteHeader(h, level+1, flags)
	if len(h.Values("MIME-Version")) == 0 && flags&flagNo8to7 == 0 && level < e.c.Config.MaxNesting {
		e.xputHeader("MIME-Version: 1.0")
	}
	return e.part(h, level+1, flags)
}

func (e *encoder) leaf(ct ContentType, cte, rawCTE string, useQP bool, flags partFlags) BoundaryType {
	conf := e.c.Config

	// Count the 8-bit bytes in the part. Stop early for parts that are mostly binary.
	var size, high int64
	if flags&(flagNo8bit|flagNo8to7) == 0 {
		pos := e.b.pos()
		for {
			line, bol, err := e.b.ReadLine()
			if err == io.EOF {
				break
			}
			xcheckf(err, "scanning part")
			if bol && e.stack.Classify(line) != NotBoundary {
				break
			}
			size += int64(len(line))
			for _, c := range line {
				if c&0x80 != 0 {
					high++
				}
			}
			if size >= int64(conf.ScanLookahead) && high > size/4 {
				break
			}
		}
		e.b.setPos(pos)
		metrics.ScanBytesAdd(size)
	}
	if cte == "binary" {
		high = size
	}

	// Newlines in binary data and in wide charsets are not line endings.
	noMapNL := conf.NoMapNLtoCRLF || config.InClass(conf.NoMapNLTypes, ct.MediaType()) || config.InClass(conf.NoMapNLTypes, ct.Type)
	wide := wideCharset(ct.Params["charset"])
	switch {
	case high == 0:
		return e.passthrough(rawCTE, flags)
	case noMapNL || wide || size/int64(conf.Base64Ratio) < high && !useQP:
		return e.base64(!noMapNL && !wide)
	default:
		return e.quotedPrintable()
	}
}

// passthrough copies a part that needs no encoding.
func (e *encoder) passthrough(cte string, flags partFlags) BoundaryType {
	// The header was written without transfer encoding, unless copied as is.
	if cte != "" && flags&flagNo8to7 == 0 {
		e.xputHeader("Content-Transfer-Encoding: " + cte)
	}
	e.xputLine("")
	metrics.ConvertInc("to7bit", "none")
	return e.copyLines(false)
}

func (e *encoder) base64(mapNL bool) BoundaryType {
	e.xputHeader("Content-Transfer-Encoding: base64")
	e.xputAutoconverted("8bit", "base64")
	e.xputLine("")

	pr := newPartReader(e.b, e.stack)
	w := moxio.Base64Writer(e.lw.PutLine, 72)
	buf := make([]byte, 0, 4096)
	for {
		c, err := pr.ReadByte()
		if err == io.EOF {
			break
		}
		xcheckf(err, "reading part")
		if c == '\n' && mapNL {
			buf = append(buf, '\r')
		}
		buf = append(buf, c)
		if len(buf) >= cap(buf)-1 {
			_, err := w.Write(buf)
			xcheckf(err, "write base64")
			buf = buf[:0]
		}
	}
	_, err := w.Write(buf)
	xcheckf(err, "write base64")
	xcheckf(w.Close(), "write base64")
	metrics.ConvertInc("to7bit", "base64")
	return pr.bt
}

func (e *encoder) quotedPrintable() BoundaryType {
	e.xputHeader("Content-Transfer-Encoding: quoted-printable")
	e.xputAutoconverted("8bit", "quoted-printable")
	e.xputLine("")

	pr := newPartReader(e.b, e.stack)
	m := e.c.Mailer
	err := qpEncode(pr, e.lw.PutLine, m.Has(message.MailerEBCDIC), m.Has(message.MailerEscapeFrom), e.stack.Len() > 0)
	xcheckf(err, "write quoted-printable")
	metrics.ConvertInc("to7bit", "quoted-printable")
	return pr.bt
}

func (e *encoder) xputAutoconverted(from, to string) {
	err := e.lw.PutField("X-MIME-Autoconverted", "from", from, "to", to, "by", e.c.Hostname, "id", e.env.ID)
	xcheckf(err, "write header")
}

// copyLines copies lines until a boundary line, which is read but not written.
// Used for prologues and epilogues, with the 8th bit cleared, and for parts
// that need no encoding.
func (e *encoder) copyLines(strip8 bool) BoundaryType {
	e.lw.Strip8 = strip8
	defer func() {
		e.lw.Strip8 = false
	}()
	for {
		line, bol, err := e.b.ReadLine()
		if err == io.EOF {
			return Final
		}
		xcheckf(err, "reading body")
		if bol {
			if bt := e.stack.Classify(line); bt != NotBoundary {
				return bt
			}
		}
		xcheckf(e.lw.PutLine(bytes.TrimSuffix(line, []byte("\n"))), "write line")
	}
}

// xreadHeader reads the header of a body part. An empty line ending the header
// is consumed, a line that is not a header field is not.
func (e *encoder) xreadHeader() *message.Header {
	h := message.NewHeader()
	var field []byte
	flush := func() {
		if len(field) == 0 {
			return
		}
		if _, err := h.Insert(string(field), false); err != nil {
			e.log.Debugx("ignoring malformed header field in body part", err)
		}
		field = field[:0]
	}
	for {
		line, bol, err := e.b.PeekLine()
		if err == io.EOF {
			break
		}
		xcheckf(err, "reading part header")
		if len(field) > 0 && (!bol || line[0] == ' ' || line[0] == '\t') {
			// Continuation.
			field = append(field, line...)
			_, _, err := e.b.ReadLine()
			xcheckf(err, "reading part header")
			continue
		}
		flush()
		if !bol {
			break
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			_, _, err := e.b.ReadLine()
			xcheckf(err, "reading part header")
			break
		}
		if !message.IsHeader(line) {
			break
		}
		field = append(field, line...)
		_, _, err = e.b.ReadLine()
		xcheckf(err, "reading part header")
	}
	flush()
	return h
}

// xwriteHeader writes the header of a part at level. The transfer encoding is
// written with the part, unless it is copied without conversion.
func (e *encoder) xwriteHeader(h *message.Header, level int, flags partFlags) {
	opts := message.WriteOpts{
		Mailer:        e.c.Mailer,
		SkipCTE:       flags&flagNo8to7 == 0 && level <= e.c.Config.MaxNesting,
		KeepBcc:       true,
		EncodeCharset: e.c.Config.DefaultCharset,
	}
	xcheckf(h.Write(e.lw, opts), "write part header")
}

// parseCTE returns the lower case content-transfer-encoding and the value as
// it appeared, without comments and parameters.
func parseCTE(s string) (cte, raw string) {
	s = stripComments(s)
	raw = strings.TrimSpace(s)
	if i := strings.IndexAny(raw, " \t\r\n;"); i >= 0 {
		raw = raw[:i]
	}
	return strings.ToLower(raw), raw
}
