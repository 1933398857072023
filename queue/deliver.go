package queue

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mjl-/mtacore/config"
	"github.com/mjl-/mtacore/dns"
	"github.com/mjl-/mtacore/message"
	"github.com/mjl-/mtacore/mimecvt"
	"github.com/mjl-/mtacore/moxio"
)

// Deliver writes message m to w in the format of the mailer named mailerName:
// header fields filtered and expanded for the mailer, the body converted to
// 7-bit or decoded to 8-bit when the mailer requires it, with the line endings
// of the mailer. For dot-stuffing mailers, the end-of-data line is written.
//
// The message stays in the queue, callers remove it after successful delivery.
func (q *Queue) Deliver(ctx context.Context, conf config.Static, m Msg, mailerName string, w io.Writer) (rerr error) {
	mc, ok := conf.Mailers[mailerName]
	if !ok {
		return fmt.Errorf("unknown mailer %q", mailerName)
	}
	mailer := message.NewMailer(mailerName, mc)
	log := q.log.WithContext(ctx).With(slog.Int64("id", m.ID), slog.String("mailer", mailerName))

	conversion := "none"
	defer func() {
		result := "ok"
		if rerr != nil {
			result = "error"
		}
		metricDelivery.WithLabelValues(conversion, result).Inc()
	}()

	f, err := q.OpenBody(m)
	if err != nil {
		return err
	}
	defer func() {
		err := f.Close()
		log.Check(err, "closing message body file")
	}()

	env := m.Envelope()
	h := env.Header
	if mailer.Has(message.MailerSevenBit) && !mailer.Has(message.MailerEightBit) && env.Has8bit && !env.MIMEDisabled {
		conversion = "to7bit"
		// Plain 8-bit messages get MIME headers, so the converter knows what it is encoding.
		if len(h.Values("MIME-Version")) == 0 {
			h.Add("MIME-Version", "1.0")
			if h.Get("Content-Type") == "" {
				h.Add("Content-Type", "text/plain; charset="+conf.MIME.DefaultCharset)
			}
		}
	} else if mailer.Has(message.MailerMake8Bit) && mimecvt.Decodable(conf.MIME, h) {
		conversion = "to8bit"
	}

	var defaultDomain dns.Domain
	if d, err := dns.ParseDomain(conf.Hostname); err == nil {
		defaultDomain = d
	}
	macros := func(name byte) (string, bool) {
		switch name {
		case 'j':
			return conf.Hostname, conf.Hostname != ""
		case 'g':
			return m.Sender, m.Sender != ""
		case 'i':
			return env.ID, true
		}
		return "", false
	}
	opts := message.WriteOpts{
		Mailer:  mailer,
		Macros:  macros,
		Rewrite: message.CanonicalRewriter(defaultDomain),
		SkipCTE: conversion != "none",
	}
	if conversion == "to7bit" {
		opts.EncodeCharset = conf.MIME.DefaultCharset
	}

	lw := message.NewLineWriter(w, mailer)
	if err := h.Write(lw, opts); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	conv := mimecvt.Converter{
		Config:   conf.MIME,
		Log:      log,
		Mailer:   mailer,
		Hostname: conf.Hostname,
	}
	switch conversion {
	case "to7bit":
		err = conv.To7Bit(ctx, env, f, lw)
	case "to8bit":
		err = conv.To8Bit(ctx, env, f, lw)
	default:
		err = copyBody(ctx, lw, f, mailer.Has(message.MailerSevenBit) && !mailer.Has(message.MailerEightBit))
	}
	if err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	if mailer.Has(message.MailerDotStuff) {
		err = lw.PutEnd()
	} else {
		err = lw.Flush()
	}
	if err != nil {
		return fmt.Errorf("writing end of message: %w", err)
	}
	log.Debug("message delivered to mailer", slog.String("conversion", conversion), slog.Int64("size", lw.Size))
	return nil
}

// copyBody writes the empty line ending the header and the body lines. With
// strip8, the 8th bit of each byte is cleared.
func copyBody(ctx context.Context, lw *message.LineWriter, body io.Reader, strip8 bool) error {
	if err := lw.PutLine(nil); err != nil {
		return err
	}
	lw.Strip8 = strip8
	defer func() {
		lw.Strip8 = false
	}()
	br := bufio.NewReader(moxio.CtxReader{Ctx: ctx, R: body})
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if err := lw.PutLine(bytes.TrimSuffix(line, []byte("\n"))); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
}
