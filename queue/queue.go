// Package queue stores collected messages until they are delivered to a mailer.
//
// Message metadata, including the parsed header fields, is kept in a bstore
// database. Bodies are stored in files next to the database, with newline line
// endings, as written by the collector.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mtacore/message"
	"github.com/mjl-/mtacore/mlog"
	"github.com/mjl-/mtacore/moxio"
)

var (
	metricQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtacore_queue_ingest_total",
			Help: "Messages offered to the queue, by result.",
		},
		[]string{
			"result", // ok, toobig, rejected, error
		},
	)
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtacore_queue_delivery_total",
			Help: "Messages written to mailers.",
		},
		[]string{
			"conversion", // none, to7bit, to8bit
			"result",     // ok, error
		},
	)
)

// ErrAbsent is returned when a message is not in the queue.
var ErrAbsent = errors.New("message not in queue")

// DBTypes are the types stored in the queue database.
var DBTypes = []any{Msg{}}

// Msg is a message in the queue.
type Msg struct {
	ID     int64
	Queued time.Time `bstore:"default now"`

	Sender     string   // Envelope sender, for macro $g.
	Recipients []string // Envelope recipients.

	// Header fields as collected, including default fields.
	Header   []message.Field
	OldStyle bool
	Resent   bool

	Size         int64 // Size as read, header and body.
	BodySize     int64 // Size of the stored body.
	HopCount     int
	Has8bit      bool
	MIMEDisabled bool
	EnvelopeLine string
}

// Envelope returns an envelope for delivering or converting m.
func (m Msg) Envelope() *message.Envelope {
	return &message.Envelope{
		ID:           m.IDString(),
		Header:       message.HeaderFromFields(m.Header, m.OldStyle, m.Resent),
		Size:         m.Size,
		BodySize:     m.BodySize,
		HopCount:     m.HopCount,
		Has8bit:      m.Has8bit,
		MIMEDisabled: m.MIMEDisabled,
		EnvelopeLine: m.EnvelopeLine,
	}
}

// IDString returns the queue ID as used in trace header fields.
func (m Msg) IDString() string {
	return fmt.Sprintf("%d", m.ID)
}

// Queue is an opened queue directory.
type Queue struct {
	DB  *bstore.DB
	Dir string
	log mlog.Log
}

// Open opens or creates the queue in dir.
func Open(ctx context.Context, log mlog.Log, dir string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0770); err != nil {
		return nil, fmt.Errorf("create queue directory: %v", err)
	}
	dbpath := filepath.Join(dir, "index.db")
	isNew := false
	if _, err := os.Stat(dbpath); err != nil && os.IsNotExist(err) {
		isNew = true
	}
	db, err := bstore.Open(ctx, dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		if isNew {
			os.Remove(dbpath)
		}
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	return &Queue{db, dir, log}, nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	return q.DB.Close()
}

// MessagePath returns the path of the body file of the message with id.
func (q *Queue) MessagePath(id int64) string {
	return filepath.Join(q.Dir, "msg", fmt.Sprintf("%d", id/1000), fmt.Sprintf("%d", id))
}

// Add inserts m in the queue with the body stored at bodyPath, which is linked
// or copied into the queue. m.ID must be zero and is set.
func (q *Queue) Add(ctx context.Context, m *Msg, bodyPath string) error {
	if m.ID != 0 {
		return fmt.Errorf("id of queued message must be 0")
	}
	log := q.log.WithContext(ctx)

	tx, err := q.DB.Begin(ctx, true)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			err := tx.Rollback()
			log.Check(err, "rollback for queue")
		}
	}()

	if err := tx.Insert(m); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	dst := q.MessagePath(m.ID)
	dstDir := filepath.Dir(dst)
	if err := os.MkdirAll(dstDir, 0770); err != nil {
		return fmt.Errorf("create message directory: %v", err)
	}
	if err := moxio.LinkOrCopy(log, dst, bodyPath, true); err != nil {
		return fmt.Errorf("linking/copying message to queue: %w", err)
	}
	removeDst := true
	defer func() {
		if removeDst {
			err := os.Remove(dst)
			log.Check(err, "removing message file after failed queueing")
		}
	}()
	if err := moxio.SyncDir(log, dstDir); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	tx = nil
	removeDst = false
	return nil
}

// Get returns the message with id.
func (q *Queue) Get(ctx context.Context, id int64) (Msg, error) {
	m := Msg{ID: id}
	err := q.DB.Get(ctx, &m)
	if err == bstore.ErrAbsent {
		return Msg{}, ErrAbsent
	}
	return m, err
}

// List returns all messages in the queue, oldest first.
func (q *Queue) List(ctx context.Context) ([]Msg, error) {
	return bstore.QueryDB[Msg](ctx, q.DB).SortAsc("Queued", "ID").List()
}

// Count returns the number of messages in the queue.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return bstore.QueryDB[Msg](ctx, q.DB).Count()
}

// Remove removes messages from the database and their body files.
func (q *Queue) Remove(ctx context.Context, ids ...int64) error {
	err := q.DB.Write(ctx, func(tx *bstore.Tx) error {
		for _, id := range ids {
			if err := tx.Delete(&Msg{ID: id}); err == bstore.ErrAbsent {
				return fmt.Errorf("%w: %d", ErrAbsent, id)
			} else if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// If removing from the database fails, the files are left as well.
	var errs []error
	for _, id := range ids {
		if err := os.Remove(q.MessagePath(id)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("removing message files from queue: %w", err)
	}
	return nil
}

// OpenBody opens the body file of m.
func (q *Queue) OpenBody(m Msg) (*os.File, error) {
	f, err := os.Open(q.MessagePath(m.ID))
	if err != nil {
		return nil, fmt.Errorf("open message file: %w", err)
	}
	return f, nil
}
