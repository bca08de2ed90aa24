package readahead

import (
	"context"

	"go.uber.org/zap"

	"github.com/dlstream/readahead/internal/entrystore"
)

type readerState int

const (
	stateUnopened readerState = iota
	stateOpening
	stateOpen
	stateReading
	stateClosed
	stateOpenFailed
)

// SegmentReader is the per-segment wrapper: open, start, read batches,
// track LAC, close, propagate metadata updates.
//
// It collapses a conventional per-reader lock into the single-writer
// discipline: every method here is only ever invoked from the owning
// Reader's Serializer goroutine, and every asynchronous completion (open,
// read, close) posts its continuation back onto that same Serializer via
// post before touching any field. No separate mutex guards this struct.
type SegmentReader struct {
	store  entrystore.EntryStore
	logger *zap.Logger
	post   func(func())

	startEntryID int64
	metadata     entrystore.LogSegmentMetadata

	inner   entrystore.InnerReader
	state   readerState
	started bool
	closed  bool
	openErr error

	openWaiters []func()

	// onCaughtUp is invoked (already on the Serializer) each time this
	// segment is observed caught up to its LAC, so it must tolerate
	// repeated calls.
	onCaughtUp func()
}

func newSegmentReader(store entrystore.EntryStore, meta entrystore.LogSegmentMetadata, startEntryID int64, post func(func()), logger *zap.Logger) *SegmentReader {
	return &SegmentReader{
		store:        store,
		logger:       logger.Named("readahead.segment"),
		post:         post,
		startEntryID: startEntryID,
		metadata:     meta,
	}
}

func (sr *SegmentReader) segSeqNo() uint64 { return sr.metadata.SegSeqNo }

// openReader is idempotent: if unopened, it requests an open from the
// entry store starting at startEntryID.
func (sr *SegmentReader) openReader() {
	if sr.state != stateUnopened {
		return
	}
	sr.state = stateOpening
	meta := sr.metadata
	startID := sr.startEntryID
	store := sr.store
	go func() {
		inner, err := store.OpenReader(context.Background(), meta, startID)
		sr.post(func() { sr.onOpenComplete(inner, err) })
	}()
}

func (sr *SegmentReader) onOpenComplete(inner entrystore.InnerReader, err error) {
	if sr.closed {
		if inner != nil {
			go func() { <-inner.AsyncClose() }()
		}
		return
	}
	if err != nil {
		sr.state = stateOpenFailed
		sr.openErr = err
		sr.logger.Debug("segment open failed, fault deferred to first read",
			zap.Uint64("segSeqNo", sr.metadata.SegSeqNo), zap.Error(err))
		sr.flushWaiters()
		return
	}
	sr.inner = inner
	sr.state = stateOpen
	if sr.metadata.Status == entrystore.StatusInProgress {
		inner.RegisterListener(sr)
	}
	sr.flushWaiters()
}

func (sr *SegmentReader) flushWaiters() {
	waiters := sr.openWaiters
	sr.openWaiters = nil
	for _, w := range waiters {
		w()
	}
}

// startRead is idempotent: if the inner reader is already open it starts
// immediately, otherwise the start is chained onto the open future.
func (sr *SegmentReader) startRead() {
	if sr.started {
		return
	}
	sr.started = true
	switch sr.state {
	case stateUnopened:
		sr.openReader()
		sr.openWaiters = append(sr.openWaiters, sr.doStart)
	case stateOpening:
		sr.openWaiters = append(sr.openWaiters, sr.doStart)
	case stateOpen, stateReading:
		sr.doStart()
	case stateOpenFailed, stateClosed:
		// Lazy fault: surfaces on the first readNext against this segment.
	}
}

func (sr *SegmentReader) doStart() {
	if sr.inner != nil {
		_ = sr.inner.Start(context.Background())
	}
}

// readNext issues the store's readNext, chaining through the open future
// if necessary, and reports the result via cb on the Serializer.
func (sr *SegmentReader) readNext(n int, cb func([]entrystore.Entry, error)) {
	switch sr.state {
	case stateUnopened:
		sr.openReader()
		sr.openWaiters = append(sr.openWaiters, func() { sr.readNext(n, cb) })
		return
	case stateOpening:
		sr.openWaiters = append(sr.openWaiters, func() { sr.readNext(n, cb) })
		return
	case stateOpenFailed:
		cb(nil, sr.openErr)
		return
	case stateClosed:
		cb(nil, ErrUnexpected(nil))
		return
	}
	if !sr.started {
		sr.startRead()
	}
	sr.evaluateCaughtUp()
	sr.state = stateReading
	inner := sr.inner
	go func() {
		entries, err := inner.ReadNext(context.Background(), n)
		sr.post(func() {
			if sr.state != stateClosed {
				sr.state = stateOpen
			}
			cb(entries, err)
		})
	}()
}

// evaluateCaughtUp checks the first of the catch-up triggers: the current
// segment is in-progress and its inner reader reports caught up at the
// point of issuing a new readNext.
func (sr *SegmentReader) evaluateCaughtUp() {
	if sr.metadata.Status != entrystore.StatusInProgress || sr.inner == nil {
		return
	}
	if sr.inner.HasCaughtUpOnInprogress() && sr.onCaughtUp != nil {
		sr.onCaughtUp()
	}
}

// OnCaughtUpOnInprogress implements entrystore.StateChangeListener. It may
// be invoked by the inner reader from any goroutine, so it posts back onto
// the Serializer before touching any field.
func (sr *SegmentReader) OnCaughtUpOnInprogress() {
	sr.post(func() {
		if sr.onCaughtUp != nil {
			sr.onCaughtUp()
		}
	})
}

// updateLogSegmentMetadata applies the legality rules for an in-place
// metadata update: the segment sequence number may never change, and
// status may only ever move from in-progress to closed.
func (sr *SegmentReader) updateLogSegmentMetadata(newMeta entrystore.LogSegmentMetadata) error {
	if newMeta.SegSeqNo != sr.metadata.SegSeqNo {
		return ErrInconsistentMetadata("segment sequence mismatch on metadata update")
	}
	old := sr.metadata
	if old.Status == entrystore.StatusClosed && newMeta.Status == entrystore.StatusInProgress {
		return ErrInconsistentMetadata("segment regressed from closed to in-progress")
	}

	sr.metadata = newMeta

	switch {
	case old.Status == entrystore.StatusInProgress && newMeta.Status == entrystore.StatusInProgress:
		return nil // accept silently, no propagation needed
	case old.Status == entrystore.StatusClosed && newMeta.Status == entrystore.StatusClosed:
		return nil // no-op: both closed
	default:
		// InProgress -> Closed: propagate to the inner reader.
		sr.propagateMetadata(newMeta)
		return nil
	}
}

func (sr *SegmentReader) propagateMetadata(newMeta entrystore.LogSegmentMetadata) {
	switch sr.state {
	case stateUnopened, stateOpening:
		sr.openWaiters = append(sr.openWaiters, func() {
			if sr.inner != nil {
				sr.inner.OnLogSegmentMetadataUpdated(newMeta)
			}
		})
	default:
		if sr.inner != nil {
			sr.inner.OnLogSegmentMetadataUpdated(newMeta)
		}
	}
}

// close closes the segment, always setting closed=true on completion. If
// never opened, completes immediately.
func (sr *SegmentReader) close() <-chan error {
	done := make(chan error, 1)
	switch sr.state {
	case stateUnopened:
		sr.closed = true
		sr.state = stateClosed
		done <- nil
		return done
	case stateOpening:
		sr.openWaiters = append(sr.openWaiters, func() {
			inner := sr.close()
			go func() { done <- <-inner }()
		})
		return done
	}
	inner := sr.inner
	sr.closed = true
	sr.state = stateClosed
	if inner == nil {
		done <- nil
		return done
	}
	go func() {
		err := <-inner.AsyncClose()
		done <- err
	}()
	return done
}

// isBeyondLastAddConfirmed is true iff opened and the inner reader reports
// no more readable entries <= LAC.
func (sr *SegmentReader) isBeyondLastAddConfirmed() bool {
	if sr.inner == nil {
		return false
	}
	return sr.inner.IsBeyondLastAddConfirmed()
}
