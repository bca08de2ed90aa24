package localstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/dlstream/readahead/internal/entrystore"
)

var segmentsBucket = []byte("segments")

const (
	defaultMaxStoreBytes = 1 << 20
	defaultMaxIndexBytes = 1 << 16
)

// Store is an on-disk EntryStore and MetadataSource. Segment metadata
// (status, truncation, minimum active entry id, last entry id) is
// persisted in an embedded bbolt database,
// standing in for the external coordination service (ZooKeeper, in the
// system this spec was distilled from) a real deployment would use.
type Store struct {
	dir           string
	maxStoreBytes int64
	maxIndexBytes int64

	db *bbolt.DB

	mu        sync.Mutex
	open      map[uint64]*segment
	listeners []entrystore.SegmentsUpdatedListener
	deleted   bool
}

// Open creates or reopens a catalog rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(filepath.Join(dir, "catalog.db"), 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(segmentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		dir:           dir,
		maxStoreBytes: defaultMaxStoreBytes,
		maxIndexBytes: defaultMaxIndexBytes,
		db:            db,
		open:          make(map[uint64]*segment),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	for _, seg := range s.open {
		seg.Close()
	}
	s.open = nil
	s.mu.Unlock()
	return s.db.Close()
}

// catalogRow is the fixed-width bbolt value for one segment: status byte,
// truncation byte, minActiveEntryID (int64, -1 = none), lastEntryID
// (int64, -1 = unknown/in-progress).
type catalogRow struct {
	status        entrystore.SegmentStatus
	truncation    entrystore.TruncationKind
	minActiveID   int64
	lastEntryID   int64
}

func encodeRow(r catalogRow) []byte {
	b := make([]byte, 18)
	b[0] = byte(r.status)
	b[1] = byte(r.truncation)
	binary.BigEndian.PutUint64(b[2:10], uint64(r.minActiveID))
	binary.BigEndian.PutUint64(b[10:18], uint64(r.lastEntryID))
	return b
}

func decodeRow(b []byte) catalogRow {
	return catalogRow{
		status:      entrystore.SegmentStatus(b[0]),
		truncation:  entrystore.TruncationKind(b[1]),
		minActiveID: int64(binary.BigEndian.Uint64(b[2:10])),
		lastEntryID: int64(binary.BigEndian.Uint64(b[10:18])),
	}
}

func segKey(segSeqNo uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, segSeqNo)
	return k
}

func toMetadata(segSeqNo uint64, r catalogRow) entrystore.LogSegmentMetadata {
	return entrystore.LogSegmentMetadata{
		SegSeqNo:      segSeqNo,
		Status:        r.status,
		Truncation:    r.truncation,
		MinActiveDLSN: entrystore.DLSN{SegSeqNo: segSeqNo, EntryID: r.minActiveID},
		LastDLSN:      entrystore.DLSN{SegSeqNo: segSeqNo, EntryID: r.lastEntryID},
	}
}

// ReadLogSegments implements entrystore.MetadataSource.
func (s *Store) ReadLogSegments(ctx context.Context) (entrystore.VersionedSegmentList, error) {
	var list entrystore.VersionedSegmentList
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(segmentsBucket)
		return b.ForEach(func(k, v []byte) error {
			segSeqNo := binary.BigEndian.Uint64(k)
			list.Segments = append(list.Segments, toMetadata(segSeqNo, decodeRow(v)))
			return nil
		})
	})
	if err != nil {
		return entrystore.VersionedSegmentList{}, err
	}
	list.Version = s.db.Stats().TxN
	return list, nil
}

func (s *Store) Subscribe(l entrystore.SegmentsUpdatedListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) Unsubscribe(l entrystore.SegmentsUpdatedListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
}

func (s *Store) publish() {
	s.mu.Lock()
	listeners := make([]entrystore.SegmentsUpdatedListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return
	}
	list, err := s.ReadLogSegments(context.Background())
	if err != nil {
		return
	}
	for _, l := range listeners {
		go l.OnSegmentsUpdated(list)
	}
}

// Append writes payload to the current open segment, opening a new one
// first if none exists or the current one is maxed out.
func (s *Store) Append(payload []byte) (entrystore.DLSN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	segSeqNo, seg, err := s.activeLocked()
	if err != nil {
		return entrystore.DLSN{}, err
	}
	if seg.IsMaxed(s.maxStoreBytes) {
		if err := s.closeSegmentLocked(segSeqNo, seg); err != nil {
			return entrystore.DLSN{}, err
		}
		segSeqNo, seg, err = s.openSegmentLocked(segSeqNo + 1)
		if err != nil {
			return entrystore.DLSN{}, err
		}
	}
	entryID, err := seg.Append(payload)
	if err != nil {
		return entrystore.DLSN{}, err
	}
	if err := s.putRow(segSeqNo, catalogRow{status: entrystore.StatusInProgress, lastEntryID: -1, minActiveID: -1}); err != nil {
		return entrystore.DLSN{}, err
	}
	go s.publish()
	return entrystore.DLSN{SegSeqNo: segSeqNo, EntryID: entryID}, nil
}

func (s *Store) activeLocked() (uint64, *segment, error) {
	var maxSeqNo uint64
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(segmentsBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			row := decodeRow(v)
			segSeqNo := binary.BigEndian.Uint64(k)
			if row.status == entrystore.StatusInProgress {
				maxSeqNo = segSeqNo
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return s.openSegmentLocked(1)
	}
	seg, err := s.segmentLocked(maxSeqNo)
	return maxSeqNo, seg, err
}

func (s *Store) segmentLocked(segSeqNo uint64) (*segment, error) {
	if seg, ok := s.open[segSeqNo]; ok {
		return seg, nil
	}
	seg, err := newSegment(s.dir, segSeqNo, s.maxStoreBytes, s.maxIndexBytes)
	if err != nil {
		return nil, err
	}
	s.open[segSeqNo] = seg
	return seg, nil
}

func (s *Store) openSegmentLocked(segSeqNo uint64) (uint64, *segment, error) {
	seg, err := s.segmentLocked(segSeqNo)
	if err != nil {
		return 0, nil, err
	}
	if err := s.putRow(segSeqNo, catalogRow{status: entrystore.StatusInProgress, lastEntryID: -1, minActiveID: -1}); err != nil {
		return 0, nil, err
	}
	return segSeqNo, seg, nil
}

func (s *Store) closeSegmentLocked(segSeqNo uint64, seg *segment) error {
	lastEntryID := seg.count() - 1
	if err := s.putRow(segSeqNo, catalogRow{status: entrystore.StatusClosed, lastEntryID: lastEntryID, minActiveID: -1}); err != nil {
		return err
	}
	seg.markClosed()
	return nil
}

func (s *Store) putRow(segSeqNo uint64, row catalogRow) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(segmentsBucket).Put(segKey(segSeqNo), encodeRow(row))
	})
}

// OnLogStreamDeleted marks every segment removed and notifies subscribers
// with the deleted callback, mirroring the distributed coordination
// service tearing down a stream's znode tree.
func (s *Store) OnLogStreamDeleted() {
	s.mu.Lock()
	s.deleted = true
	listeners := make([]entrystore.SegmentsUpdatedListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, l := range listeners {
		go l.OnLogStreamDeleted()
	}
}

// OpenReader implements entrystore.EntryStore.
func (s *Store) OpenReader(ctx context.Context, meta entrystore.LogSegmentMetadata, startEntryID int64) (entrystore.InnerReader, error) {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return nil, fmt.Errorf("localstore: stream deleted")
	}
	seg, err := s.segmentLocked(meta.SegSeqNo)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return newInnerReader(seg, meta, startEntryID), nil
}

var _ entrystore.EntryStore = (*Store)(nil)
var _ entrystore.MetadataSource = (*Store)(nil)
