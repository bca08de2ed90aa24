package localstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// segment is the on-disk storage for one log segment: a store file of
// payloads and an index file mapping entry ids to their byte position.
// Entry ids are local to the segment, starting at zero; payloads are
// opaque bytes, each stored behind an 8-byte length prefix.
type segment struct {
	segSeqNo uint64

	mu          sync.Mutex
	cond        *sync.Cond
	st          *store
	idx         *index
	nextEntryID int64
	closed      bool
}

func newSegment(dir string, segSeqNo uint64, maxStoreBytes, maxIndexBytes int64) (*segment, error) {
	s := &segment{segSeqNo: segSeqNo}
	s.cond = sync.NewCond(&s.mu)

	storeFile, err := os.OpenFile(
		filepath.Join(dir, fmt.Sprintf("%d.store", segSeqNo)),
		os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600,
	)
	if err != nil {
		return nil, err
	}
	if s.st, err = newStore(storeFile); err != nil {
		return nil, err
	}

	indexFile, err := os.OpenFile(
		filepath.Join(dir, fmt.Sprintf("%d.index", segSeqNo)),
		os.O_RDWR|os.O_CREATE, 0600,
	)
	if err != nil {
		return nil, err
	}
	if s.idx, err = newIndex(indexFile, maxIndexBytes); err != nil {
		return nil, err
	}

	s.nextEntryID = int64(s.idx.size / entWidth)

	return s, nil
}

// Append stores payload as the next entry id and wakes any reader blocked
// waiting for more data (entrystore.InnerReader's blocking ReadNext
// contract for in-progress segments).
func (s *segment) Append(payload []byte) (entryID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, err := s.st.Append(payload)
	if err != nil {
		return 0, err
	}
	if err := s.idx.Write(uint32(s.nextEntryID), pos); err != nil {
		return 0, err
	}
	entryID = s.nextEntryID
	s.nextEntryID++
	s.cond.Broadcast()
	return entryID, nil
}

// ReadAt returns the payload at entryID, or (nil, false) if it has not
// been written yet.
func (s *segment) ReadAt(entryID int64) ([]byte, bool, error) {
	s.mu.Lock()
	if entryID >= s.nextEntryID {
		s.mu.Unlock()
		return nil, false, nil
	}
	s.mu.Unlock()

	pos, err := s.idx.Read(entryID)
	if err != nil {
		return nil, false, err
	}
	p, err := s.st.ReadAt(pos)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// waitForEntry blocks until entryID has been written or the segment has
// been marked closed, whichever happens first.
func (s *segment) waitForEntry(entryID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for entryID >= s.nextEntryID && !s.closed {
		s.cond.Wait()
	}
}

// markClosed releases any reader blocked in waitForEntry so it can
// observe end-of-segment instead of waiting forever for data that will
// never arrive.
func (s *segment) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

func (s *segment) count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextEntryID
}

func (s *segment) IsMaxed(maxStoreBytes int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.st.size) >= maxStoreBytes || s.idx.isMaxed()
}

func (s *segment) Close() error {
	if err := s.idx.Close(); err != nil {
		return err
	}
	return s.st.Close()
}

func (s *segment) Remove() error {
	storeName, idxName := s.st.Name(), s.idx.Name()
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(idxName); err != nil {
		return err
	}
	return os.Remove(storeName)
}
