// Package localstore is an on-disk EntryStore and MetadataSource: a
// length-prefixed entry log plus a memory-mapped index per segment, and a
// bbolt-backed catalog standing in for the coordination store a real
// deployment would keep segment metadata in. It is a test/demo
// collaborator for internal/readahead, not part of the core itself.
package localstore

import (
	"bufio"
	"encoding/binary"
	"os"
	"sync"
)

var enc = binary.BigEndian

const lenWidth = 8

// store is a single append-only file of length-prefixed payloads.
type store struct {
	*os.File
	mu   sync.Mutex
	buf  *bufio.Writer
	size uint64
}

func newStore(f *os.File) (*store, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	return &store{File: f, size: uint64(fi.Size()), buf: bufio.NewWriter(f)}, nil
}

// Append writes p and returns the byte position it was written at.
func (s *store) Append(p []byte) (pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos = s.size
	if err := binary.Write(s.buf, enc, uint64(len(p))); err != nil {
		return 0, err
	}
	w, err := s.buf.Write(p)
	if err != nil {
		return 0, err
	}
	s.size += uint64(w) + lenWidth
	return pos, nil
}

// ReadAt reads the length-prefixed payload stored at pos.
func (s *store) ReadAt(pos uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return nil, err
	}
	lenBuf := make([]byte, lenWidth)
	if _, err := s.File.ReadAt(lenBuf, int64(pos)); err != nil {
		return nil, err
	}
	b := make([]byte, enc.Uint64(lenBuf))
	if _, err := s.File.ReadAt(b, int64(pos+lenWidth)); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.File.Close()
}
