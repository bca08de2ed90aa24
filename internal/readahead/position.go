package readahead

import (
	"sync"

	"github.com/dlstream/readahead/internal/entrystore"
)

// entryPosition is the mutable cursor the core advances after every
// delivered batch. It is monotonic non-decreasing across the reader's
// life.
type entryPosition struct {
	mu  sync.RWMutex
	cur entrystore.DLSN
}

func newEntryPosition(start entrystore.DLSN) *entryPosition {
	return &entryPosition{cur: start}
}

func (p *entryPosition) get() entrystore.DLSN {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// set pins the cursor to an absolute DLSN, used only during
// initialization before any batch has advanced it.
func (p *entryPosition) set(d entrystore.DLSN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = d
}

// advance moves the cursor to last.NextEntry(), panicking on a would-be
// regression since that would violate the core's monotonicity invariant
// and indicates a bug in the caller, never an expected runtime condition.
func (p *entryPosition) advance(last entrystore.DLSN) {
	next := last.NextEntry()
	p.mu.Lock()
	defer p.mu.Unlock()
	if next.Less(p.cur) {
		panic("readahead: entry position would move backwards")
	}
	p.cur = next
}
