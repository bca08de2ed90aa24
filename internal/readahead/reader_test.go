package readahead

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dlstream/readahead/internal/entrystore"
)

func newTestReader(t *testing.T, store *fakeEntryStore, from entrystore.DLSN, cfg Config) (*Reader, *fakeMetadataSource) {
	t.Helper()
	ms := &fakeMetadataSource{}
	cfg.Logger = zap.NewNop()
	r := NewReader("stream-"+t.Name(), store, ms, from, cfg)
	return r, ms
}

func drain(t *testing.T, r *Reader, n int) []entrystore.Entry {
	t.Helper()
	var out []entrystore.Entry
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		e, ok, err := r.GetNextReadAheadEntry(context.Background(), 50*time.Millisecond)
		require.NoError(t, err)
		if ok {
			out = append(out, e)
		}
	}
	require.Len(t, out, n)
	return out
}

func TestReaderInitializeDeliversFromClosedSegment(t *testing.T) {
	meta := entrystore.LogSegmentMetadata{SegSeqNo: 1, Status: entrystore.StatusClosed}
	inner := newFakeInnerReader(meta, entries(1, 0, 4), 4)
	store := newFakeEntryStore()
	store.put(inner)

	r, _ := newTestReader(t, store, entrystore.DLSN{SegSeqNo: 1, EntryID: 0}, Config{})
	err := r.Start(context.Background(), entrystore.VersionedSegmentList{Segments: []entrystore.LogSegmentMetadata{meta}})
	require.NoError(t, err)

	got := drain(t, r, 5)
	for i, e := range got {
		require.Equal(t, int64(i), e.EntryID)
	}
}

func TestReaderInitializeSkipsFullyTruncatedAndBumpsPartial(t *testing.T) {
	seg1 := entrystore.LogSegmentMetadata{
		SegSeqNo:   1,
		Status:     entrystore.StatusClosed,
		Truncation: entrystore.TruncationFull,
		LastDLSN:   entrystore.DLSN{SegSeqNo: 1, EntryID: 9},
	}
	seg2 := entrystore.LogSegmentMetadata{
		SegSeqNo:      2,
		Status:        entrystore.StatusClosed,
		Truncation:    entrystore.TruncationPartial,
		MinActiveDLSN: entrystore.DLSN{SegSeqNo: 2, EntryID: 3},
	}
	inner2 := newFakeInnerReader(seg2, entries(2, 3, 9), 9)
	store := newFakeEntryStore()
	store.put(inner2)

	r, _ := newTestReader(t, store, entrystore.DLSN{SegSeqNo: 1, EntryID: 0}, Config{})
	err := r.Start(context.Background(), entrystore.VersionedSegmentList{
		Segments: []entrystore.LogSegmentMetadata{seg1, seg2},
	})
	require.NoError(t, err)

	got := drain(t, r, 7)
	require.Equal(t, int64(3), got[0].EntryID)
	require.Equal(t, int64(9), got[len(got)-1].EntryID)

	_, _, err = r.GetNextReadAheadEntry(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
}

func TestReaderInitializeAlertFiresEvenWhenTruncationSuppressed(t *testing.T) {
	seg := entrystore.LogSegmentMetadata{
		SegSeqNo:      1,
		Status:        entrystore.StatusClosed,
		Truncation:    entrystore.TruncationPartial,
		MinActiveDLSN: entrystore.DLSN{SegSeqNo: 1, EntryID: 3},
	}
	inner := newFakeInnerReader(seg, entries(1, 3, 5), 5)
	store := newFakeEntryStore()
	store.put(inner)

	fm := &fakeMetrics{}
	r, _ := newTestReader(t, store, entrystore.DLSN{SegSeqNo: 1, EntryID: 0}, Config{
		IgnoreTruncationStatus:          true,
		AlertWhenPositioningOnTruncated: true,
		Metrics:                         fm,
	})
	err := r.Start(context.Background(), entrystore.VersionedSegmentList{
		Segments: []entrystore.LogSegmentMetadata{seg},
	})
	require.NoError(t, err)

	got := drain(t, r, 3)
	require.Equal(t, int64(3), got[0].EntryID)

	_, _, err = r.GetNextReadAheadEntry(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, fm.alertCount())
}

func TestReaderInitializeFatalOnAlreadyTruncatedCandidate(t *testing.T) {
	seg1 := entrystore.LogSegmentMetadata{SegSeqNo: 1, Status: entrystore.StatusClosed}
	seg2 := entrystore.LogSegmentMetadata{
		SegSeqNo:   2,
		Status:     entrystore.StatusClosed,
		Truncation: entrystore.TruncationFull,
		LastDLSN:   entrystore.DLSN{SegSeqNo: 2, EntryID: 9},
	}
	inner1 := newFakeInnerReader(seg1, entries(1, 0, 2), 2)
	store := newFakeEntryStore()
	store.put(inner1)

	r, _ := newTestReader(t, store, entrystore.DLSN{SegSeqNo: 1, EntryID: 0}, Config{})
	err := r.Start(context.Background(), entrystore.VersionedSegmentList{
		Segments: []entrystore.LogSegmentMetadata{seg1, seg2},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, err := r.GetNextReadAheadEntry(context.Background(), 10*time.Millisecond)
		if err == nil {
			return false
		}
		rerr, ok := err.(*Error)
		return ok && rerr.Kind == KindAlreadyTruncated
	}, time.Second, 10*time.Millisecond)
}

func TestReaderAdvancesAcrossSegmentBoundary(t *testing.T) {
	seg1 := entrystore.LogSegmentMetadata{SegSeqNo: 1, Status: entrystore.StatusClosed}
	seg2 := entrystore.LogSegmentMetadata{SegSeqNo: 2, Status: entrystore.StatusClosed}
	inner1 := newFakeInnerReader(seg1, entries(1, 0, 1), 1)
	inner2 := newFakeInnerReader(seg2, entries(2, 0, 1), 1)
	store := newFakeEntryStore()
	store.put(inner1)
	store.put(inner2)

	r, _ := newTestReader(t, store, entrystore.DLSN{SegSeqNo: 1, EntryID: 0}, Config{})
	err := r.Start(context.Background(), entrystore.VersionedSegmentList{
		Segments: []entrystore.LogSegmentMetadata{seg1, seg2},
	})
	require.NoError(t, err)

	got := drain(t, r, 4)
	require.Equal(t, []uint64{1, 1, 2, 2}, []uint64{got[0].SegSeqNo, got[1].SegSeqNo, got[2].SegSeqNo, got[3].SegSeqNo})
}

func TestReaderCatchesUpOnInProgressSegment(t *testing.T) {
	seg1 := entrystore.LogSegmentMetadata{SegSeqNo: 1, Status: entrystore.StatusInProgress}
	inner1 := newFakeInnerReader(seg1, entries(1, 0, 1), 5) // LAC ahead, pos catches up only after draining what's present
	store := newFakeEntryStore()
	store.put(inner1)

	r, _ := newTestReader(t, store, entrystore.DLSN{SegSeqNo: 1, EntryID: 0}, Config{})
	require.False(t, r.IsReadAheadCaughtUp())
	err := r.Start(context.Background(), entrystore.VersionedSegmentList{Segments: []entrystore.LogSegmentMetadata{seg1}})
	require.NoError(t, err)

	drain(t, r, 2)

	require.Eventually(t, func() bool {
		return r.IsReadAheadCaughtUp()
	}, time.Second, 10*time.Millisecond)
}

// TestReaderBackpressureDrainsAllEntriesUnderSlowConsumer is the
// backpressure scenario: a producer far faster than its consumer must
// still deliver every entry, with the cache never growing past one
// batch beyond its pause threshold and never stalling even if the
// consumer happens to drain the cache to empty in the same window the
// producer is about to pause.
func TestReaderBackpressureDrainsAllEntriesUnderSlowConsumer(t *testing.T) {
	const total = 1000
	seg := entrystore.LogSegmentMetadata{SegSeqNo: 1, Status: entrystore.StatusClosed}
	inner := newFakeInnerReader(seg, entries(1, 0, total-1), total-1)
	store := newFakeEntryStore()
	store.put(inner)

	r, _ := newTestReader(t, store, entrystore.DLSN{SegSeqNo: 1, EntryID: 0}, Config{
		ReadAheadMaxRecords: 10,
		ReadAheadBatchSize:  10,
	})
	require.NoError(t, r.Start(context.Background(), entrystore.VersionedSegmentList{
		Segments: []entrystore.LogSegmentMetadata{seg},
	}))

	var got []entrystore.Entry
	deadline := time.Now().Add(10 * time.Second)
	for len(got) < total && time.Now().Before(deadline) {
		e, ok, err := r.GetNextReadAheadEntry(context.Background(), 50*time.Millisecond)
		require.NoError(t, err)
		if !ok {
			continue
		}
		got = append(got, e)
		require.LessOrEqual(t, r.GetNumCachedEntries(), 20)
		if len(got)%7 == 0 {
			time.Sleep(time.Millisecond) // slow consumer tick, widens the pause/resume race window
		}
	}

	require.Len(t, got, total)
	for i, e := range got {
		require.Equal(t, int64(i), e.EntryID)
	}
}

func TestReaderCloseCompletesAndIsIdempotent(t *testing.T) {
	seg1 := entrystore.LogSegmentMetadata{SegSeqNo: 1, Status: entrystore.StatusClosed}
	inner1 := newFakeInnerReader(seg1, entries(1, 0, 1), 1)
	store := newFakeEntryStore()
	store.put(inner1)

	r, _ := newTestReader(t, store, entrystore.DLSN{SegSeqNo: 1, EntryID: 0}, Config{})
	require.NoError(t, r.Start(context.Background(), entrystore.VersionedSegmentList{Segments: []entrystore.LogSegmentMetadata{seg1}}))

	first := r.Close()
	second := r.Close()
	require.Equal(t, first, second)

	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("close never completed")
	}
}

func TestReaderOnLogStreamDeletedIsSticky(t *testing.T) {
	store := newFakeEntryStore()
	r, _ := newTestReader(t, store, entrystore.DLSN{SegSeqNo: 1, EntryID: 0}, Config{})
	require.NoError(t, r.Start(context.Background(), entrystore.VersionedSegmentList{}))

	r.OnLogStreamDeleted()

	require.Eventually(t, func() bool {
		_, _, err := r.GetNextReadAheadEntry(context.Background(), 10*time.Millisecond)
		rerr, ok := err.(*Error)
		return ok && rerr.Kind == KindLogNotFound
	}, time.Second, 10*time.Millisecond)

	// Sticky: stays LogNotFound on a later poll too.
	_, _, err := r.GetNextReadAheadEntry(context.Background(), 10*time.Millisecond)
	require.Equal(t, KindLogNotFound, err.(*Error).Kind)
}
