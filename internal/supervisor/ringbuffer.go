package supervisor

import (
	"strings"
	"sync"
)

// RingBuffer keeps the most recent bytes written to it, dropping the oldest.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

// NewRingBuffer creates a buffer holding at most size bytes.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{size: size, buf: make([]byte, 0, size)}
}

func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n >= r.size {
		r.buf = append(r.buf[:0], p[n-r.size:]...)
		return n, nil
	}
	if overflow := len(r.buf) + n - r.size; overflow > 0 {
		r.buf = append(r.buf[:0], r.buf[overflow:]...)
	}
	r.buf = append(r.buf, p...)
	return n, nil
}

// String returns the buffered output.
func (r *RingBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

// Tail returns at most the last n lines. n <= 0 returns everything.
func (r *RingBuffer) Tail(n int) string {
	s := r.String()
	if n <= 0 {
		return s
	}
	trimmed := strings.TrimRight(s, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}

// LastLine returns the last non-empty line, capped at 220 characters.
func (r *RingBuffer) LastLine() string {
	return tailLogLine(r.String())
}

func tailLogLine(logs string) string {
	lines := strings.Split(strings.TrimSpace(logs), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > 220 {
			return line[:220]
		}
		return line
	}
	return ""
}
