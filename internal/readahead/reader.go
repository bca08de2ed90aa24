package readahead

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dlstream/readahead/internal/entrystore"
)

// Reader is a read-ahead entry reader for one log stream: it owns one
// current segment, at most one pre-opened next segment, a queue of
// further segments, a bounded entry cache, and the Serializer every
// state-mutating operation runs on.
//
// The segment-reader fields (current, next, queued, closing),
// currentSegSeqNo, paused and initialized are only ever read or written
// from a task running on ser. catchingUp, lastErr, lastEntryAdded and
// closePtr are atomics, and cache, listeners and position carry their own
// synchronization, so a consumer goroutine can use them without
// round-tripping through ser.
type Reader struct {
	streamName string
	store      entrystore.EntryStore
	metaSource entrystore.MetadataSource
	cfg        Config
	logger     *zap.Logger

	ser       *Serializer
	cache     *cache
	listeners *listenerSet
	position  *entryPosition

	fromDLSN entrystore.DLSN

	current         *SegmentReader
	haveCurrent     bool
	currentSegSeqNo uint64
	next            *SegmentReader
	queued          []*SegmentReader
	closing         []closingEntry

	paused      bool
	initialized bool

	catchingUp     atomic.Bool
	lastErr        atomic.Pointer[Error]
	lastEntryAdded atomic.Value // time.Time

	idle     *idleDetector
	closePtr atomic.Pointer[closeState]
}

type closingEntry struct {
	sr   *SegmentReader
	done <-chan error
}

type closeState struct {
	done chan struct{}
}

// NewReader constructs a Reader positioned to begin delivering entries at
// or after fromDLSN, once Start is called with a segment list.
func NewReader(streamName string, store entrystore.EntryStore, metaSource entrystore.MetadataSource, fromDLSN entrystore.DLSN, cfg Config) *Reader {
	cfg = cfg.withDefaults()
	r := &Reader{
		streamName: streamName,
		store:      store,
		metaSource: metaSource,
		cfg:        cfg,
		logger:     cfg.Logger.Named("readahead.reader").With(zap.String("stream", streamName)),
		ser:        NewSerializer(streamName, cfg.Logger),
		cache:      newCache(cfg.ReadAheadMaxRecords),
		listeners:  newListenerSet(),
		position:   newEntryPosition(fromDLSN),
		fromDLSN:   fromDLSN,
	}
	r.catchingUp.Store(true)
	return r
}

// Start subscribes to metadata pushes, starts the idle detector if
// configured, and submits the initial segment list for processing.
func (r *Reader) Start(ctx context.Context, initial entrystore.VersionedSegmentList) error {
	if r.cfg.Authorizer != nil {
		if err := r.cfg.Authorizer.Authorize(subjectFromContext(ctx), r.streamName, "position"); err != nil {
			return err
		}
	}
	r.lastEntryAdded.Store(time.Now())
	r.metaSource.Subscribe(r)
	if r.cfg.idleEnabled() {
		r.idle = newIdleDetector(r.cfg.idlePeriod(), r.idleProbe, r.logger)
	}
	r.ser.Submit(func() { r.applyOnSegmentsUpdated(initial) })
	return nil
}

// OnSegmentsUpdated implements entrystore.SegmentsUpdatedListener.
func (r *Reader) OnSegmentsUpdated(list entrystore.VersionedSegmentList) {
	r.ser.Submit(func() { r.applyOnSegmentsUpdated(list) })
}

// OnLogStreamDeleted implements entrystore.SegmentsUpdatedListener. Once
// the stream is gone, every future read surfaces a sticky LogNotFound.
func (r *Reader) OnLogStreamDeleted() {
	r.ser.Submit(func() {
		if r.isClosing() {
			return
		}
		r.setFatal(ErrLogNotFound("log stream deleted"))
	})
}

func (r *Reader) isClosing() bool { return r.closePtr.Load() != nil }

func (r *Reader) applyOnSegmentsUpdated(list entrystore.VersionedSegmentList) {
	if r.isClosing() {
		return
	}
	if !r.initialized {
		r.applyInitialize(list)
		return
	}
	r.applyReinitialize(list)
}

// applyInitialize positions the reader for the first time against the
// segment list, skipping fully-truncated segments and bumping the first
// surviving candidate past a partial truncation.
func (r *Reader) applyInitialize(list entrystore.VersionedSegmentList) {
	segments := list.Segments
	start := r.fromDLSN

	i := 0
	for i < len(segments) && segments[i].SegSeqNo < start.SegSeqNo {
		i++
	}

	// Skip leading fully-truncated segments; apply the first surviving
	// candidate's partial-truncation bump.
	firstCandidate := true
	for i < len(segments) {
		meta := segments[i]
		if meta.Truncation == entrystore.TruncationFull && !r.cfg.IgnoreTruncationStatus {
			i++
			if i < len(segments) {
				start = entrystore.DLSN{SegSeqNo: segments[i].SegSeqNo, EntryID: 0}
			}
			continue
		}
		if firstCandidate && meta.Truncation == entrystore.TruncationPartial && meta.MinActiveDLSN.Greater(start) {
			if r.cfg.AlertWhenPositioningOnTruncated {
				r.cfg.Metrics.TruncationAlert(r.streamName, start)
			}
			start = meta.MinActiveDLSN
		}
		break
	}

	if i >= len(segments) {
		// Nothing survived: stay uninitialized, wait for the next update.
		return
	}

	var readers []*SegmentReader
	for _, meta := range segments[i:] {
		if err := r.isAllowedToPosition(meta, start); err != nil {
			r.setFatal(err)
			return
		}
		startID := int64(0)
		if meta.SegSeqNo == start.SegSeqNo {
			startID = start.EntryID
		}
		readers = append(readers, r.newSegmentReaderFor(meta, startID))
	}
	if len(readers) == 0 {
		return
	}

	head := readers[0]
	r.current = head
	r.haveCurrent = true
	r.currentSegSeqNo = head.segSeqNo()
	r.position.set(start)
	head.openReader()
	head.startRead()
	r.issueReadNext(head)

	r.queued = readers[1:]
	for _, qr := range r.queued {
		qr.openReader()
	}
	r.applyPrefetchNext(true)

	r.initialized = true
}

// isAllowedToPosition checks a candidate segment's truncation status
// against the position we'd start reading from, returning AlreadyTruncated
// when start falls inside truncated territory that IgnoreTruncationStatus
// doesn't suppress, and firing the truncation alert independently of that
// suppression.
func (r *Reader) isAllowedToPosition(meta entrystore.LogSegmentMetadata, start entrystore.DLSN) *Error {
	switch meta.Truncation {
	case entrystore.TruncationFull:
		if meta.LastDLSN.Compare(start) >= 0 && !r.cfg.IgnoreTruncationStatus {
			return ErrAlreadyTruncated("positioning into a fully truncated segment")
		}
	case entrystore.TruncationPartial:
		if meta.MinActiveDLSN.Greater(start) {
			if r.cfg.AlertWhenPositioningOnTruncated {
				r.cfg.Metrics.TruncationAlert(r.streamName, start)
			}
			if !r.cfg.IgnoreTruncationStatus {
				return ErrAlreadyTruncated("positioning before a partially truncated segment's minimum active entry")
			}
		}
	}
	return nil
}

// applyReinitialize reconciles a later metadata update against the
// reader's already-positioned current/next/queued segments.
func (r *Reader) applyReinitialize(list entrystore.VersionedSegmentList) {
	segments := list.Segments
	idx := 0
	for idx < len(segments) && segments[idx].SegSeqNo < r.currentSegSeqNo {
		idx++
	}
	if idx >= len(segments) {
		return
	}

	if r.haveCurrent {
		if segments[idx].SegSeqNo == r.currentSegSeqNo {
			if err := r.current.updateLogSegmentMetadata(segments[idx]); err != nil {
				r.setFatal(err)
				return
			}
			idx++
		}
	} else if segments[idx].SegSeqNo == r.currentSegSeqNo {
		// The current segment already finished and was retired; don't
		// reopen a segment we've fully consumed.
		idx++
	}

	if r.next != nil && idx < len(segments) && segments[idx].SegSeqNo == r.next.segSeqNo() {
		if err := r.next.updateLogSegmentMetadata(segments[idx]); err != nil {
			r.setFatal(err)
			return
		}
		idx++
	}

	qi := 0
	for qi < len(r.queued) && idx < len(segments) && segments[idx].SegSeqNo == r.queued[qi].segSeqNo() {
		if err := r.queued[qi].updateLogSegmentMetadata(segments[idx]); err != nil {
			r.setFatal(err)
			return
		}
		qi++
		idx++
	}

	for ; idx < len(segments); idx++ {
		meta := segments[idx]
		sr := r.newSegmentReaderFor(meta, 0)
		sr.openReader()
		r.queued = append(r.queued, sr)
	}

	if !r.haveCurrent {
		r.applyMoveToNext()
	}
	r.invokeReadAhead()
}

func (r *Reader) newSegmentReaderFor(meta entrystore.LogSegmentMetadata, startID int64) *SegmentReader {
	sr := newSegmentReader(r.store, meta, startID, r.ser.Submit, r.logger)
	sr.onCaughtUp = func() { r.handleCaughtUp() }
	return sr
}

func (r *Reader) handleCaughtUp() {
	if r.catchingUp.CompareAndSwap(true, false) {
		r.cfg.Metrics.CaughtUp()
	}
}

// issueReadNext schedules the next read against sr and wires its
// completion back onto the Serializer.
func (r *Reader) issueReadNext(sr *SegmentReader) {
	sr.readNext(r.cfg.ReadAheadBatchSize, func(batch []entrystore.Entry, err error) {
		r.onReadNextComplete(sr, batch, err)
	})
}

func (r *Reader) onReadNextComplete(sr *SegmentReader, batch []entrystore.Entry, err error) {
	if r.isClosing() {
		return
	}
	if r.current != sr {
		// Stale completion from a segment we've already moved past.
		return
	}
	if err != nil {
		r.handleReadFailure(err)
		return
	}

	r.lastEntryAdded.Store(time.Now())
	if len(batch) > 0 {
		r.position.advance(batch[len(batch)-1].DLSN())
	}
	depth := r.cache.push(batch)
	r.listeners.notifySuccess(batch)
	r.cfg.Metrics.CacheDepthObserved(depth)

	if depth >= r.cfg.ReadAheadMaxRecords {
		r.paused = true
		r.cfg.Metrics.Paused()
		// depth is a snapshot; the consumer may have drained the cache
		// below the threshold before this goroutine gets here. Re-check
		// against the live length and resume immediately rather than
		// leaving the producer stalled with nothing left to wake it.
		if !r.cache.isFull() {
			r.paused = false
			r.cfg.Metrics.Resumed()
			r.applyScheduleReadNext()
		}
		return
	}
	r.applyScheduleReadNext()
}

func (r *Reader) handleReadFailure(err error) {
	if IsEndOfLogSegment(err) {
		r.applyMoveToNext()
		return
	}
	if e, ok := err.(*Error); ok {
		r.setFatal(e)
		return
	}
	r.setFatal(ErrUnexpected(err))
}

func (r *Reader) applyScheduleReadNext() {
	if r.isClosing() || !r.haveCurrent {
		return
	}
	r.issueReadNext(r.current)
}

// applyMoveToNext retires the current segment and promotes the pre-opened
// next segment (or a freshly prefetched one) to current. If no candidate
// is available, the reader pauses and reports caught-up.
func (r *Reader) applyMoveToNext() {
	if r.isClosing() {
		return
	}
	if r.haveCurrent {
		r.enqueueClosing(r.current)
		r.current = nil
		r.haveCurrent = false
	}

	if r.next == nil {
		r.applyPrefetchNext(false)
	}
	if r.next != nil {
		r.current = r.next
		r.haveCurrent = true
		r.next = nil
		r.currentSegSeqNo = r.current.segSeqNo()
		r.issueReadNext(r.current)
		r.applyPrefetchNext(true)
		return
	}

	if r.catchingUp.CompareAndSwap(true, false) {
		r.cfg.Metrics.CaughtUp()
	}
	r.paused = true
}

// applyPrefetchNext pre-opens the head of the queue as r.next so its
// segment reader is already running by the time applyMoveToNext needs it.
// When onlyInProgress is set, a closed head segment is left queued rather
// than promoted to next, since a closed segment never needs pre-opening
// ahead of being read.
func (r *Reader) applyPrefetchNext(onlyInProgress bool) {
	if len(r.queued) == 0 {
		return
	}
	head := r.queued[0]
	if onlyInProgress && head.metadata.Status != entrystore.StatusInProgress {
		return
	}
	head.startRead()
	r.next = head
	r.queued = r.queued[1:]
}

func (r *Reader) enqueueClosing(sr *SegmentReader) {
	closed := sr.close()
	done := make(chan error, 1)
	r.closing = append(r.closing, closingEntry{sr: sr, done: done})
	go func() {
		err := <-closed
		done <- err
		r.ser.Submit(func() { r.reapClosing(sr, err) })
	}()
}

func (r *Reader) reapClosing(sr *SegmentReader, err error) {
	if err != nil {
		r.logger.Warn("segment close failed", zap.Uint64("segSeqNo", sr.segSeqNo()), zap.Error(err))
	}
	for i, c := range r.closing {
		if c.sr == sr {
			r.closing = append(r.closing[:i], r.closing[i+1:]...)
			break
		}
	}
}

// invokeReadAhead resumes a paused producer once the cache has room,
// either by re-issuing against the current segment or, if there was none,
// attempting to promote a queued segment.
func (r *Reader) invokeReadAhead() {
	if r.isClosing() || !r.paused || r.cache.isFull() {
		return
	}
	r.paused = false
	r.cfg.Metrics.Resumed()
	if r.haveCurrent {
		r.issueReadNext(r.current)
		return
	}
	r.applyMoveToNext()
}

func (r *Reader) setFatal(err *Error) {
	if r.lastErr.CompareAndSwap(nil, err) {
		r.listeners.notifyFailure(err)
	}
}

// idleProbe is the idleDetector's callback; it always posts onto the
// Serializer before reading any state.
func (r *Reader) idleProbe() {
	r.ser.Submit(func() {
		if r.isClosing() {
			return
		}
		if !r.IsReaderIdle(r.cfg.idlePeriod()) {
			return
		}
		stuck := !r.haveCurrent || r.current.isBeyondLastAddConfirmed()
		if !stuck {
			return
		}
		r.cfg.Metrics.IdleRefreshTriggered()
		go r.refreshMetadata()
	})
}

func (r *Reader) refreshMetadata() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	list, err := r.metaSource.ReadLogSegments(ctx)
	if err != nil {
		r.logger.Debug("idle-triggered metadata refresh failed, will retry next tick", zap.Error(err))
		return
	}
	r.OnSegmentsUpdated(list)
}

// IsReaderIdle reports whether threshold has elapsed since the last entry
// was added to the cache.
func (r *Reader) IsReaderIdle(threshold time.Duration) bool {
	v := r.lastEntryAdded.Load()
	if v == nil {
		return false
	}
	return time.Since(v.(time.Time)) > threshold
}

// GetNextReadAheadEntry polls the cache for up to timeout. ok is false and
// err is nil on a plain timeout; err is non-nil for a sticky reader fault
// or an interrupted wait. The sticky fault is checked before the cache is
// polled, so once it is set, entries still buffered in the cache are no
// longer returned.
func (r *Reader) GetNextReadAheadEntry(ctx context.Context, timeout time.Duration) (entrystore.Entry, bool, error) {
	if e := r.lastErr.Load(); e != nil {
		return entrystore.Entry{}, false, e
	}
	entry, ok, err := r.cache.poll(ctx, timeout)
	if err != nil {
		return entrystore.Entry{}, false, ErrInterrupted(err)
	}
	if !ok {
		if e := r.lastErr.Load(); e != nil {
			return entrystore.Entry{}, false, e
		}
		return entrystore.Entry{}, false, nil
	}
	r.ser.Submit(r.invokeReadAhead)
	return entry, true, nil
}

func (r *Reader) GetNumCachedEntries() int { return r.cache.len() }
func (r *Reader) IsCacheFull() bool        { return r.cache.isFull() }
func (r *Reader) IsCacheEmpty() bool       { return r.cache.isEmpty() }
func (r *Reader) IsReadAheadCaughtUp() bool { return !r.catchingUp.Load() }

func (r *Reader) AddStateChangeNotification(l StateChangeListener)    { r.listeners.add(l) }
func (r *Reader) RemoveStateChangeNotification(l StateChangeListener) { r.listeners.remove(l) }

// Stats takes a consistent snapshot by round-tripping through the
// Serializer; it falls back to a zero value if the reader is
// unresponsive for longer than the timeout, which should only happen
// mid-shutdown.
func (r *Reader) Stats() Stats {
	result := make(chan Stats, 1)
	r.ser.Submit(func() {
		result <- Stats{
			NumCachedEntries:  r.cache.len(),
			Paused:            r.paused,
			CatchingUp:        r.catchingUp.Load(),
			Initialized:       r.initialized,
			CurrentSegSeqNo:   r.currentSegSeqNo,
			HasCurrentSegment: r.haveCurrent,
			NextEntryPosition: r.position.get(),
			LastError:         lastErrAsError(r.lastErr.Load()),
		}
	})
	select {
	case s := <-result:
		return s
	case <-time.After(5 * time.Second):
		return Stats{LastError: lastErrAsError(r.lastErr.Load())}
	}
}

func lastErrAsError(e *Error) error {
	if e == nil {
		return nil
	}
	return e
}

// Close begins an orderly shutdown. The first caller's promise is the one
// every caller (including this one) receives; it completes once every
// current/next/queued/closing segment reader has finished closing.
func (r *Reader) Close() <-chan struct{} {
	cs := &closeState{done: make(chan struct{})}
	if !r.closePtr.CompareAndSwap(nil, cs) {
		return r.closePtr.Load().done
	}
	if r.idle != nil {
		r.idle.cancel()
	}
	r.metaSource.Unsubscribe(r)
	r.ser.Close(func() { r.doClose(cs) })
	return cs.done
}

// CloseWithTimeout closes the reader and waits for completion or ctx's
// deadline, whichever comes first.
func (r *Reader) CloseWithTimeout(ctx context.Context) error {
	select {
	case <-r.Close():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reader) doClose(cs *closeState) {
	var pending []<-chan error
	if r.haveCurrent {
		pending = append(pending, r.current.close())
		r.current = nil
		r.haveCurrent = false
	}
	if r.next != nil {
		pending = append(pending, r.next.close())
		r.next = nil
	}
	for _, qr := range r.queued {
		pending = append(pending, qr.close())
	}
	r.queued = nil
	for _, ce := range r.closing {
		pending = append(pending, ce.done)
	}
	r.closing = nil

	go func() {
		for _, ch := range pending {
			<-ch
		}
		close(cs.done)
	}()
}

type subjectKey struct{}

// WithSubject attaches the authenticated caller's identity to ctx, the way
// a gRPC interceptor would after validating peer certificates.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

func subjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(subjectKey{}).(string); ok {
		return s
	}
	return ""
}
