package readahead

import (
	"context"
	"sync"

	"github.com/dlstream/readahead/internal/entrystore"
)

// fakeInnerReader is an in-memory InnerReader over a fixed slice of
// entries, used across the package's tests.
type fakeInnerReader struct {
	mu       sync.Mutex
	meta     entrystore.LogSegmentMetadata
	entries  []entrystore.Entry
	pos      int
	lac      int64
	closed   bool
	listener entrystore.StateChangeListener

	openErr  error
	readErrs map[int]error // fires once when pos == key
}

func newFakeInnerReader(meta entrystore.LogSegmentMetadata, entries []entrystore.Entry, lac int64) *fakeInnerReader {
	return &fakeInnerReader{meta: meta, entries: entries, lac: lac}
}

func (f *fakeInnerReader) Start(ctx context.Context) error { return nil }

func (f *fakeInnerReader) ReadNext(ctx context.Context, n int) ([]entrystore.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErrs != nil {
		if err, ok := f.readErrs[f.pos]; ok {
			delete(f.readErrs, f.pos)
			return nil, err
		}
	}
	if f.pos >= len(f.entries) {
		return nil, errEndOfLogSegment
	}
	end := f.pos + n
	if end > len(f.entries) {
		end = len(f.entries)
	}
	batch := f.entries[f.pos:end]
	f.pos = end
	return batch, nil
}

func (f *fakeInnerReader) OnLogSegmentMetadataUpdated(meta entrystore.LogSegmentMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta = meta
}

func (f *fakeInnerReader) RegisterListener(l entrystore.StateChangeListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *fakeInnerReader) AsyncClose() <-chan error {
	ch := make(chan error, 1)
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	ch <- nil
	return ch
}

func (f *fakeInnerReader) IsBeyondLastAddConfirmed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(f.pos) > f.lac
}

func (f *fakeInnerReader) HasCaughtUpOnInprogress() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(f.pos) > f.lac
}

func (f *fakeInnerReader) GetLastAddConfirmed() int64 { return f.lac }

func (f *fakeInnerReader) GetSegment() entrystore.LogSegmentMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta
}

// fakeEntryStore hands out pre-built fakeInnerReaders keyed by SegSeqNo.
type fakeEntryStore struct {
	mu      sync.Mutex
	readers map[uint64]*fakeInnerReader
}

func newFakeEntryStore() *fakeEntryStore {
	return &fakeEntryStore{readers: make(map[uint64]*fakeInnerReader)}
}

func (s *fakeEntryStore) put(r *fakeInnerReader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readers[r.meta.SegSeqNo] = r
}

func (s *fakeEntryStore) OpenReader(ctx context.Context, segment entrystore.LogSegmentMetadata, startEntryID int64) (entrystore.InnerReader, error) {
	s.mu.Lock()
	r, ok := s.readers[segment.SegSeqNo]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnexpected(nil)
	}
	if r.openErr != nil {
		return nil, r.openErr
	}
	r.mu.Lock()
	r.pos = len(r.entries)
	for i, e := range r.entries {
		if e.EntryID >= startEntryID {
			r.pos = i
			break
		}
	}
	r.mu.Unlock()
	return r, nil
}

// fakeMetadataSource is a no-op subscription target; tests drive the
// Reader directly via OnSegmentsUpdated rather than through a push loop.
type fakeMetadataSource struct {
	mu        sync.Mutex
	listeners []entrystore.SegmentsUpdatedListener
	list      entrystore.VersionedSegmentList
	readErr   error
}

func (m *fakeMetadataSource) ReadLogSegments(ctx context.Context) (entrystore.VersionedSegmentList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list, m.readErr
}

func (m *fakeMetadataSource) Subscribe(l entrystore.SegmentsUpdatedListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *fakeMetadataSource) Unsubscribe(l entrystore.SegmentsUpdatedListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			break
		}
	}
}

// fakeMetrics records call counts for each MetricsRecorder edge, used to
// assert that truncation alerts and catch-up/pause transitions fire
// independently of the suppression knobs that govern returned errors.
type fakeMetrics struct {
	mu               sync.Mutex
	truncationAlerts int
	caughtUps        int
	pauses           int
	resumes          int
	idleRefreshes    int
}

func (m *fakeMetrics) CacheDepthObserved(int) {}

func (m *fakeMetrics) Paused() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauses++
}

func (m *fakeMetrics) Resumed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumes++
}

func (m *fakeMetrics) CaughtUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caughtUps++
}

func (m *fakeMetrics) TruncationAlert(stream string, at entrystore.DLSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truncationAlerts++
}

func (m *fakeMetrics) IdleRefreshTriggered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleRefreshes++
}

func (m *fakeMetrics) alertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.truncationAlerts
}

func entry(seg uint64, id int64) entrystore.Entry {
	return entrystore.Entry{SegSeqNo: seg, EntryID: id, Payload: []byte("p")}
}

func entries(seg uint64, from, to int64) []entrystore.Entry {
	var out []entrystore.Entry
	for i := from; i <= to; i++ {
		out = append(out, entry(seg, i))
	}
	return out
}
