package urlsync

import (
	"strings"
	"sync"
)

// Location is the address-bar port: the query string currently shown and a
// way to push a new history entry.
type Location interface {
	Query() string
	Push(query string)
}

// MemoryLocation is an in-process address bar with back/forward history.
type MemoryLocation struct {
	mu      sync.Mutex
	entries []string
	index   int
}

func NewMemoryLocation(initial string) *MemoryLocation {
	return &MemoryLocation{entries: []string{trimQuery(initial)}}
}

func (l *MemoryLocation) Query() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[l.index]
}

// Push drops any forward history and appends query as the current entry.
func (l *MemoryLocation) Push(query string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries[:l.index+1], trimQuery(query))
	l.index = len(l.entries) - 1
}

// Back moves one entry back. It reports false at the start of history.
func (l *MemoryLocation) Back() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index == 0 {
		return false
	}
	l.index--
	return true
}

func (l *MemoryLocation) Forward() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index >= len(l.entries)-1 {
		return false
	}
	l.index++
	return true
}

// Visit replaces the address as a deep link would, adding a history entry.
func (l *MemoryLocation) Visit(query string) {
	l.Push(query)
}

// Len returns the number of history entries.
func (l *MemoryLocation) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func trimQuery(q string) string {
	return strings.TrimPrefix(strings.TrimSpace(q), "?")
}
