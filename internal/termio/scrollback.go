package termio

import "sync"

// DefaultScrollbackSize is used when a non-positive size is requested.
const DefaultScrollbackSize = 256 * 1024

// Scrollback keeps the most recent output of a session so a client that
// attaches late can replay it. Older bytes are trimmed from the front.
type Scrollback struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
	closed bool
}

// NewScrollback creates a buffer bounded to maxLen bytes.
func NewScrollback(maxLen int) *Scrollback {
	if maxLen <= 0 {
		maxLen = DefaultScrollbackSize
	}
	return &Scrollback{maxLen: maxLen}
}

// Write appends p, dropping the oldest bytes beyond the bound. Writes after
// Close are ignored.
func (s *Scrollback) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.data = append(s.data, p...)
	if over := len(s.data) - s.maxLen; over > 0 {
		// Copy down so the backing array does not grow without bound.
		n := copy(s.data, s.data[over:])
		s.data = s.data[:n]
	}
}

// Snapshot returns a copy of the buffered bytes.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Len returns the number of buffered bytes.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Close stops accepting writes. The contents stay readable.
func (s *Scrollback) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// IsClosed reports whether Close was called.
func (s *Scrollback) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
