package localstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentAppendAndReadAt(t *testing.T) {
	dir := t.TempDir()
	seg, err := newSegment(dir, 1, defaultMaxStoreBytes, defaultMaxIndexBytes)
	require.NoError(t, err)
	defer seg.Close()

	id0, err := seg.Append([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(0), id0)

	id1, err := seg.Append([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, int64(1), id1)

	p, ok, err := seg.ReadAt(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", string(p))

	_, ok, err = seg.ReadAt(2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSegmentReopenRestoresNextEntryID(t *testing.T) {
	dir := t.TempDir()
	seg, err := newSegment(dir, 1, defaultMaxStoreBytes, defaultMaxIndexBytes)
	require.NoError(t, err)
	_, err = seg.Append([]byte("a"))
	require.NoError(t, err)
	_, err = seg.Append([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	reopened, err := newSegment(dir, 1, defaultMaxStoreBytes, defaultMaxIndexBytes)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, int64(2), reopened.count())
}
