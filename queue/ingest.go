package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mjl-/mtacore/config"
	"github.com/mjl-/mtacore/message"
)

// ErrMessageTooBig is returned by Ingest for messages larger than the maximum
// message size. They are read completely, but not queued.
var ErrMessageTooBig = errors.New("message too big")

// FileSink is a message.BodySink writing to a temporary file in the queue
// directory, for linking into the queue.
type FileSink struct {
	f *os.File
}

// NewFileSink creates a temporary file in the queue directory.
func (q *Queue) NewFileSink() (*FileSink, error) {
	f, err := os.CreateTemp(filepath.Join(q.Dir, "tmp"), "body")
	if err != nil {
		return nil, fmt.Errorf("create temporary body file: %w", err)
	}
	return &FileSink{f}, nil
}

func (s *FileSink) Write(buf []byte) (int, error) {
	return s.f.Write(buf)
}

// Close syncs and closes the file. The file remains until Remove is called.
func (s *FileSink) Close() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("sync body file: %w", err)
	}
	return s.f.Close()
}

// Name returns the path of the file.
func (s *FileSink) Name() string {
	return s.f.Name()
}

// Remove removes the file.
func (s *FileSink) Remove() error {
	return os.Remove(s.f.Name())
}

// Ingest collects a message from r and adds it to the queue. Messages that are
// rejected by the collector are not queued, the collector error is returned.
// Messages that are too big are read completely but return ErrMessageTooBig.
func (q *Queue) Ingest(ctx context.Context, conf config.Static, sender string, recipients []string, r io.Reader) (Msg, error) {
	log := q.log.WithContext(ctx)

	result := "error"
	defer func() {
		metricQueued.WithLabelValues(result).Inc()
	}()

	sink, err := q.NewFileSink()
	if err != nil {
		return Msg{}, err
	}
	defer func() {
		err := sink.Remove()
		log.Check(err, "removing temporary body file")
	}()

	env := &message.Envelope{Body: sink}
	c := message.Collector{Log: log, Config: conf}
	if err := c.Collect(ctx, r, env); err != nil {
		if errors.Is(err, message.ErrHeadersTooLarge) || errors.Is(err, message.ErrTooManyHops) {
			result = "rejected"
		}
		return Msg{}, err
	}
	if env.TooBig {
		result = "toobig"
		return Msg{}, fmt.Errorf("%w: size %d, max %d", ErrMessageTooBig, env.Size, conf.MaxMessageSize)
	}

	m := Msg{
		Sender:       sender,
		Recipients:   recipients,
		OldStyle:     env.Header.OldStyle,
		Resent:       env.Header.Resent,
		Size:         env.Size,
		BodySize:     env.BodySize,
		HopCount:     env.HopCount,
		Has8bit:      env.Has8bit,
		MIMEDisabled: env.MIMEDisabled,
		EnvelopeLine: env.EnvelopeLine,
	}
	for _, f := range env.Header.Fields() {
		m.Header = append(m.Header, *f)
	}
	if err := q.Add(ctx, &m, sink.Name()); err != nil {
		return Msg{}, err
	}
	result = "ok"
	log.Info("message queued", slog.Int64("id", m.ID), slog.Int64("size", m.Size), slog.Bool("has8bit", m.Has8bit))
	return m, nil
}
