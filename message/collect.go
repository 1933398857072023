package message

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mjl-/mtacore/config"
	"github.com/mjl-/mtacore/metrics"
	"github.com/mjl-/mtacore/mlog"
	"github.com/mjl-/mtacore/moxio"
	"github.com/mjl-/mtacore/smtp"
)

var (
	ErrHeadersTooLarge = errors.New("headers too large")
	ErrHeaderIO        = errors.New("reading message header")
	ErrBodyIO          = errors.New("reading message body")
	ErrTooManyHops     = errors.New("too many hops")
)

// Collector reads messages, separating the header from the body.
type Collector struct {
	Log    mlog.Log
	Config config.Static
}

type collectState int

const (
	stateEnvelopeLine collectState = iota
	stateHeaders
	stateBody
	stateDiscard // Headers too large, rest of message is read and dropped.
)

// Collect reads a message from r, until the end-of-data line or the end of the
// input, depending on the input configuration. Header fields are added to
// env.Header, which is created if nil, after the configured default header
// fields. The body is written to env.Body, which is always closed.
//
// A failure while reading the header discards the fields read, ErrHeaderIO is
// returned. A failure while reading the body keeps the partial body,
// ErrBodyIO is returned. If the input ends before the end-of-data line, the
// error also matches io.ErrUnexpectedEOF. A canceled context is returned as
// read error.
//
// A message larger than the maximum message size is read completely, but only
// the body up to the limit is stored and env.TooBig is set, this is not an
// error. If the header exceeds the maximum header size, ErrHeadersTooLarge is
// returned after reading the message. If the message has more trace fields
// than allowed, ErrTooManyHops is returned, the message is stored.
func (c Collector) Collect(ctx context.Context, r io.Reader, env *Envelope) error {
	log := c.Log.WithContext(ctx)

	if env.Header == nil {
		env.Header = NewHeader()
	}
	for _, line := range c.Config.DefaultHeaders {
		if _, err := env.Header.Insert(line, true); err != nil {
			log.Errorx("adding default header field", err, slog.String("line", line))
		}
	}

	in := c.Config.Input
	dr := smtp.NewDataReader(bufio.NewReader(moxio.CtxReader{Ctx: ctx, R: r}), smtp.DataConfig{
		IgnoreDots: in.IgnoreDots,
		SMTPMode:   in.SMTPMode,
		NLNotEOL:   in.NLNotEOL,
		CRLFNotEOL: in.CRLFNotEOL,
	})
	body := bufio.NewWriter(env.Body)

	state := stateHeaders
	if c.Config.SaveEnvelopeLine {
		state = stateEnvelopeLine
	}
	var line []byte // Header line being collected, with continuation lines.
	var headersLen int
	var bodyErr error // Sticky write error for the body sink.

	writeBody := func(ch byte) {
		env.BodySize++
		if !env.Has8bit && ch&0x80 != 0 {
			env.Has8bit = true
		}
		if env.TooBig || bodyErr != nil {
			return
		}
		if err := body.WriteByte(ch); err != nil {
			bodyErr = err
		}
	}

	// Process a complete header line. Returns the next state.
	headerLine := func() collectState {
		defer func() {
			line = line[:0]
		}()
		if len(line) == 1 && line[0] == '\n' {
			// Empty line separating header and body, not part of the body.
			return stateBody
		}
		log.Trace(mlog.LevelTracedata, "header: ", bytes.TrimSuffix(line, []byte("\n")))
		if !IsHeader(line) {
			// First line of the body.
			for _, ch := range line {
				writeBody(ch)
			}
			return stateBody
		}
		flags, err := env.Header.Insert(string(line), false)
		if err != nil {
			log.Debugx("ignoring malformed header field", err)
			return stateHeaders
		}
		if flags&Trace != 0 {
			env.HopCount++
		}
		if flags&EndOfHeader != 0 {
			return stateBody
		}
		return stateHeaders
	}

	result := "ok"
	defer func() {
		metrics.CollectBytesAdd(env.Size)
		metrics.CollectInc(result)
		if env.Has8bit {
			metrics.EightBitInc()
		}
	}()

	var readErr error
	for {
		ch, err := dr.ReadByte()
		if err == io.EOF {
			break
		} else if err != nil {
			readErr = err
			break
		}
		env.Size++
		if !env.TooBig && c.Config.MaxMessageSize > 0 && env.Size > c.Config.MaxMessageSize {
			env.TooBig = true
		}

		switch state {
		case stateBody:
			writeBody(ch)
			continue
		case stateDiscard:
			continue
		}

		line = append(line, ch)
		if c.Config.MaxHeadersLength > 0 && headersLen+len(line) > c.Config.MaxHeadersLength {
			log.Info("headers too large, discarding rest of message", slog.Int("maxheaderslength", c.Config.MaxHeadersLength))
			state = stateDiscard
			line = nil
			continue
		}
		if !dr.AtBOL() {
			continue
		}

		if state == stateEnvelopeLine {
			state = stateHeaders
			if len(line) > 5 && string(line[:5]) == "From " {
				env.EnvelopeLine = string(bytes.TrimSuffix(line, []byte("\n")))
				line = line[:0]
				continue
			}
		}

		// Header field continues on the next line?
		if IsHeader(line) {
			if next, err := dr.Peek(); err == nil && (next == ' ' || next == '\t') {
				continue
			}
		}
		headersLen += len(line)
		state = headerLine()
	}

	// Input ended within a header line.
	if len(line) > 0 && (state == stateHeaders || state == stateEnvelopeLine) && readErr == nil {
		state = headerLine()
	}

	if err := body.Flush(); err != nil && bodyErr == nil {
		bodyErr = err
	}
	if err := env.Body.Close(); err != nil && bodyErr == nil {
		bodyErr = err
	}

	switch {
	case readErr != nil:
		if errors.Is(readErr, context.Canceled) || errors.Is(readErr, context.DeadlineExceeded) {
			result = "canceled"
		} else if state == stateBody {
			result = "bodyerror"
		} else {
			result = "headererror"
		}
		if state == stateBody {
			log.Debugx("reading message body", readErr, slog.Int64("size", env.Size))
			return fmt.Errorf("%w: after %d bytes: %w", ErrBodyIO, env.Size, readErr)
		}
		log.Debugx("reading message header", readErr, slog.Int64("size", env.Size))
		env.Header = NewHeader()
		return fmt.Errorf("%w: %w", ErrHeaderIO, readErr)
	case bodyErr != nil:
		result = "bodyerror"
		log.Errorx("storing message body", bodyErr)
		return fmt.Errorf("%w: storing: %w", ErrBodyIO, bodyErr)
	case state == stateDiscard:
		result = "headerstoolarge"
		return ErrHeadersTooLarge
	case c.Config.MaxHopCount > 0 && env.HopCount > c.Config.MaxHopCount:
		result = "toomanyhops"
		log.Info("too many hops", slog.Int("hopcount", env.HopCount), slog.Int("maxhopcount", c.Config.MaxHopCount))
		return fmt.Errorf("%w: %d, max %d", ErrTooManyHops, env.HopCount, c.Config.MaxHopCount)
	}
	if env.TooBig {
		result = "toobig"
		log.Info("message too big, body truncated", slog.Int64("size", env.Size), slog.Int64("maxsize", c.Config.MaxMessageSize))
	}
	log.Debug("message collected", slog.Int64("size", env.Size), slog.Int("hopcount", env.HopCount), slog.Bool("has8bit", env.Has8bit))
	return nil
}
