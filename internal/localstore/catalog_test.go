package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dlstream/readahead/internal/entrystore"
)

func TestStoreAppendCreatesSegmentAndCatalogEntry(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	dlsn, err := s.Append([]byte("first"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), dlsn.SegSeqNo)
	require.Equal(t, int64(0), dlsn.EntryID)

	list, err := s.ReadLogSegments(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Segments, 1)
	require.Equal(t, entrystore.StatusInProgress, list.Segments[0].Status)
}

func TestStoreRollsOverWhenSegmentMaxed(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	s.maxStoreBytes = 1 // force an immediate rollover on the second append

	_, err = s.Append([]byte("a"))
	require.NoError(t, err)
	second, err := s.Append([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.SegSeqNo)

	list, err := s.ReadLogSegments(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Segments, 2)
	require.Equal(t, entrystore.StatusClosed, list.Segments[0].Status)
	require.Equal(t, entrystore.StatusInProgress, list.Segments[1].Status)
}

func TestStoreOpenReaderBlocksThenDeliversOnAppend(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append([]byte("zero"))
	require.NoError(t, err)

	list, err := s.ReadLogSegments(context.Background())
	require.NoError(t, err)
	meta := list.Segments[0]

	inner, err := s.OpenReader(context.Background(), meta, 1)
	require.NoError(t, err)

	result := make(chan []entrystore.Entry, 1)
	go func() {
		batch, err := inner.ReadNext(context.Background(), 10)
		require.NoError(t, err)
		result <- batch
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = s.Append([]byte("one"))
	require.NoError(t, err)

	select {
	case batch := <-result:
		require.Len(t, batch, 1)
		require.Equal(t, int64(1), batch[0].EntryID)
	case <-time.After(time.Second):
		t.Fatal("ReadNext never unblocked after append")
	}
}
