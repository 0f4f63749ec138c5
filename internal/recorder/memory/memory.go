// Package memory keeps the transition journal in process and exports it as JSON.
package memory

import (
	"sync"

	"github.com/friendmap/markerd/internal/config"
	"github.com/friendmap/markerd/pkg/core"
)

// Backend stores transitions in memory and exports them on Close.
type Backend struct {
	cfg config.MemoryConfig

	mu             sync.RWMutex
	transitions    []core.Transition
	byFriend       map[string][]int
	lastExportPath string
}

// New creates a new memory backend.
func New(cfg config.MemoryConfig) *Backend {
	return &Backend{
		cfg:      cfg,
		byFriend: make(map[string][]int),
	}
}

// Init initializes the backend.
func (b *Backend) Init() error {
	return nil
}

// Close exports the journal when an output directory is configured and
// anything was recorded.
func (b *Backend) Close() error {
	b.mu.RLock()
	empty := len(b.transitions) == 0
	b.mu.RUnlock()

	if b.cfg.OutputDir == "" || empty {
		return nil
	}
	_, err := b.ExportToDir(b.cfg.OutputDir, b.cfg.CompressOutput)
	return err
}

// Record appends t to the journal.
func (b *Backend) Record(t core.Transition) error {
	if t.Previous != nil {
		prev := *t.Previous
		t.Previous = &prev
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.byFriend[t.FriendID] = append(b.byFriend[t.FriendID], len(b.transitions))
	b.transitions = append(b.transitions, t)
	return nil
}

// Len returns the number of recorded transitions.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.transitions)
}

// Transitions returns a copy of the journal in record order.
func (b *Backend) Transitions() []core.Transition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.Transition, len(b.transitions))
	copy(out, b.transitions)
	return out
}

// ForFriend returns the transitions recorded for one friend, oldest first.
func (b *Backend) ForFriend(id string) []core.Transition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx := b.byFriend[id]
	out := make([]core.Transition, 0, len(idx))
	for _, i := range idx {
		out = append(out, b.transitions[i])
	}
	return out
}

// LastExportPath returns the file written by the most recent export.
func (b *Backend) LastExportPath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}
