package mimecvt

import (
	"errors"
)

// ErrNestingTooDeep is returned when pushing a boundary onto a full stack.
var ErrNestingTooDeep = errors.New("multipart nesting too deep")

// BoundaryType is the result of classifying a line against the active
// boundaries.
type BoundaryType int

const (
	NotBoundary  BoundaryType = iota
	Intermediate              // "--boundary", another part follows.
	Final                     // "--boundary--", end of the multipart.
)

func (t BoundaryType) String() string {
	switch t {
	case NotBoundary:
		return "none"
	case Intermediate:
		return "intermediate"
	case Final:
		return "final"
	}
	return "?"
}

// BoundaryStack holds the boundaries of the multiparts being processed, the
// innermost last.
type BoundaryStack struct {
	max int
	l   []string
}

// NewBoundaryStack returns a stack holding at most max boundaries.
func NewBoundaryStack(max int) *BoundaryStack {
	return &BoundaryStack{max: max}
}

// Push adds a boundary, returning ErrNestingTooDeep if the stack is full.
func (s *BoundaryStack) Push(boundary string) error {
	if len(s.l) >= s.max {
		return ErrNestingTooDeep
	}
	s.l = append(s.l, boundary)
	return nil
}

// Pop removes the most recently pushed boundary.
func (s *BoundaryStack) Pop() {
	if len(s.l) > 0 {
		s.l = s.l[:len(s.l)-1]
	}
}

// Len returns the number of active boundaries.
func (s *BoundaryStack) Len() int {
	return len(s.l)
}

// Classify returns whether line, with or without trailing newline, is a
// boundary line for one of the active boundaries. Trailing whitespace is
// ignored. A line matching as final boundary is final, even if it also
// matches another boundary as intermediate.
func (s *BoundaryStack) Classify(line []byte) BoundaryType {
	if len(line) < 2 || line[0] != '-' || line[1] != '-' || len(s.l) == 0 {
		return NotBoundary
	}
	n := len(line)
	if line[n-1] == '\n' {
		n--
	}
	for n > 2 && (line[n-1] == ' ' || line[n-1] == '\t' || line[n-1] == '\r') {
		n--
	}
	b := line[2:n]
	if len(b) >= 2 && b[len(b)-2] == '-' && b[len(b)-1] == '-' && s.match(b[:len(b)-2]) {
		return Final
	}
	if s.match(b) {
		return Intermediate
	}
	return NotBoundary
}

func (s *BoundaryStack) match(b []byte) bool {
	for i := len(s.l) - 1; i >= 0; i-- {
		if s.l[i] == string(b) {
			return true
		}
	}
	return false
}
