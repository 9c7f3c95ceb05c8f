// Package serverlog buffers the most recent server log lines in
// memory so GET /server/logs (spec §6) can return them without a
// dependency on an external log aggregator.
package serverlog

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ring is a fixed-capacity circular buffer of formatted log lines,
// installed as a logrus.Hook on the teacher's app-utils-go logger.
type Ring struct {
	mu       sync.Mutex
	lines    []string
	capacity int
	next     int
	filled   bool
}

// NewRing creates a ring buffer holding up to capacity lines.
func NewRing(capacity int) *Ring {
	return &Ring{lines: make([]string, capacity), capacity: capacity}
}

func (r *Ring) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (r *Ring) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		line = fmt.Sprintf("%s %s", entry.Level, entry.Message)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.filled = true
	}
	return nil
}

// Recent returns up to n of the most recently recorded lines, oldest
// first.
func (r *Ring) Recent(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []string
	if r.filled {
		ordered = append(ordered, r.lines[r.next:]...)
	}
	ordered = append(ordered, r.lines[:r.next]...)

	if n <= 0 || n >= len(ordered) {
		return ordered
	}
	return ordered[len(ordered)-n:]
}
