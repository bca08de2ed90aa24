package readahead

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/dlstream/readahead/internal/entrystore"
)

// cache is the bounded FIFO between the producer (read-ahead) and the
// consumer. maxLen is the producer's pause threshold; the queue may
// briefly exceed it by at most one batch, since a batch already in
// flight when the threshold is crossed still gets delivered whole.
type cache struct {
	mu      sync.Mutex
	entries *list.List
	maxLen  int
	signal  chan struct{}
}

func newCache(maxLen int) *cache {
	return &cache{entries: list.New(), maxLen: maxLen, signal: make(chan struct{}, 1)}
}

func (c *cache) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// push appends entries in order and returns the resulting queue length.
func (c *cache) push(batch []entrystore.Entry) int {
	c.mu.Lock()
	for _, e := range batch {
		c.entries.PushBack(e)
	}
	n := c.entries.Len()
	c.mu.Unlock()
	if len(batch) > 0 {
		c.notify()
	}
	return n
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *cache) isFull() bool  { return c.len() >= c.maxLen }
func (c *cache) isEmpty() bool { return c.len() == 0 }

func (c *cache) tryPop() (entrystore.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries.Len() == 0 {
		return entrystore.Entry{}, false
	}
	front := c.entries.Front()
	c.entries.Remove(front)
	return front.Value.(entrystore.Entry), true
}

// poll waits up to timeout for an entry, or returns earlier if ctx is
// done (surfaced to the caller as an interrupted wait).
func (c *cache) poll(ctx context.Context, timeout time.Duration) (entry entrystore.Entry, ok bool, err error) {
	if e, found := c.tryPop(); found {
		return e, true, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-c.signal:
			if e, found := c.tryPop(); found {
				return e, true, nil
			}
		case <-timer.C:
			return entrystore.Entry{}, false, nil
		case <-ctx.Done():
			return entrystore.Entry{}, false, ctx.Err()
		}
	}
}
