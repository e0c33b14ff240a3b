package pipeline

import (
	"sync"

	"github.com/JakeFAU/rallyscraper/internal/rally"
)

// Tracker holds the progress of the current run behind a mutex so the ops
// server can read it while the runner writes.
type Tracker struct {
	mu   sync.RWMutex
	snap rally.Progress
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{snap: rally.Progress{State: rally.RunIdle}}
}

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() rally.Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

func (t *Tracker) update(fn func(p *rally.Progress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.snap)
}
