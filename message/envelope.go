package message

import (
	"bytes"
	"errors"
)

// BodySink stores the body of a message while it is collected. The collector
// writes the body once, in order, and closes the sink when done.
type BodySink interface {
	Write(buf []byte) (int, error)
	Close() error
}

var errSinkClosed = errors.New("write to closed body sink")

// MemSink is a BodySink keeping the body in memory.
type MemSink struct {
	bytes.Buffer
	closed bool
}

// Write appends buf, failing after Close.
func (s *MemSink) Write(buf []byte) (int, error) {
	if s.closed {
		return 0, errSinkClosed
	}
	return s.Buffer.Write(buf)
}

// Close marks the sink as complete. The data remains available.
func (s *MemSink) Close() error {
	s.closed = true
	return nil
}

// ReaderAt returns a reader on the stored body, e.g. for conversion.
func (s *MemSink) ReaderAt() *bytes.Reader {
	return bytes.NewReader(s.Bytes())
}

// Envelope is a message being processed: its header, the sink holding its
// body, and the properties determined while collecting and converting it.
type Envelope struct {
	ID     string // Queue ID, used in trace fields.
	Header *Header
	Body   BodySink

	// Size of the message as read, header and body, after unstuffing. Includes
	// data beyond the maximum size that was not stored.
	Size int64

	// BodySize is the number of body bytes read, also those not stored.
	BodySize int64

	// Number of trace fields, e.g. Received.
	HopCount int

	// Has8bit is set when the body has a byte with the 8th bit set.
	Has8bit bool

	// TooBig is set when the message exceeded the maximum size. The body sink
	// then only has the first part of the body.
	TooBig bool

	// MIMEDisabled is set after a structural MIME error. The message will not be
	// converted, preventing loops when the message is bounced.
	MIMEDisabled bool

	// Leading "From " line, when reading mbox-style messages.
	EnvelopeLine string

	// Message this message is embedded in or is a report about. Not owned.
	Parent *Envelope
}
