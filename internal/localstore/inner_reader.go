package localstore

import (
	"context"
	"sync"

	"github.com/dlstream/readahead/internal/entrystore"
	"github.com/dlstream/readahead/internal/readahead"
)

// innerReader is the per-segment entrystore.InnerReader handed back by
// Store.OpenReader. For an in-progress segment it blocks in ReadNext
// until new entries are appended or the segment closes; for a closed
// segment it returns ErrEndOfLogSegment as soon as it has drained
// whatever was written.
type innerReader struct {
	seg *segment

	mu       sync.Mutex
	meta     entrystore.LogSegmentMetadata
	pos      int64
	listener entrystore.StateChangeListener
	caughtUp bool
}

func newInnerReader(seg *segment, meta entrystore.LogSegmentMetadata, startEntryID int64) *innerReader {
	return &innerReader{seg: seg, meta: meta, pos: startEntryID}
}

func (r *innerReader) Start(ctx context.Context) error { return nil }

func (r *innerReader) ReadNext(ctx context.Context, n int) ([]entrystore.Entry, error) {
	r.mu.Lock()
	meta := r.meta
	pos := r.pos
	r.mu.Unlock()

	if meta.Status == entrystore.StatusInProgress {
		r.seg.waitForEntry(pos)
	}

	var batch []entrystore.Entry
	for len(batch) < n {
		p, ok, err := r.seg.ReadAt(pos)
		if err != nil {
			return nil, readahead.ErrIO(err)
		}
		if !ok {
			break
		}
		batch = append(batch, entrystore.Entry{SegSeqNo: meta.SegSeqNo, EntryID: pos, Payload: p})
		pos++
	}

	r.mu.Lock()
	r.pos = pos
	stillInProgress := r.meta.Status == entrystore.StatusInProgress
	r.mu.Unlock()

	if len(batch) > 0 {
		return batch, nil
	}
	if stillInProgress {
		// Woken (e.g. by a close) but nothing new arrived: let the caller
		// retry, which will observe the now-closed status next time.
		return nil, nil
	}
	return nil, readahead.ErrEndOfLogSegment()
}

func (r *innerReader) OnLogSegmentMetadataUpdated(meta entrystore.LogSegmentMetadata) {
	r.mu.Lock()
	r.meta = meta
	r.mu.Unlock()
	if meta.Status == entrystore.StatusClosed {
		r.seg.markClosed()
	}
}

func (r *innerReader) RegisterListener(l entrystore.StateChangeListener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

func (r *innerReader) AsyncClose() <-chan error {
	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (r *innerReader) IsBeyondLastAddConfirmed() bool {
	r.mu.Lock()
	pos := r.pos
	r.mu.Unlock()
	return pos >= r.seg.count()
}

func (r *innerReader) HasCaughtUpOnInprogress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	caughtUp := r.pos >= r.seg.count()
	if caughtUp && !r.caughtUp {
		r.caughtUp = true
		if r.listener != nil {
			go r.listener.OnCaughtUpOnInprogress()
		}
	}
	return caughtUp
}

func (r *innerReader) GetLastAddConfirmed() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seg.count() - 1
}

func (r *innerReader) GetSegment() entrystore.LogSegmentMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

var _ entrystore.InnerReader = (*innerReader)(nil)
