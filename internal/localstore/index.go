package localstore

import (
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

const (
	offWidth uint64 = 4
	posWidth uint64 = 8
	entWidth        = offWidth + posWidth
)

// index memory-maps a fixed-capacity file of (relative entryId -> byte
// position) pairs.
type index struct {
	file     *os.File
	mmap     gommap.MMap
	size     uint64
	capacity int64
}

func newIndex(f *os.File, maxBytes int64) (*index, error) {
	idx := &index{file: f, capacity: maxBytes}
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	idx.size = uint64(fi.Size())
	if err := os.Truncate(f.Name(), maxBytes); err != nil {
		return nil, err
	}
	if idx.mmap, err = gommap.Map(idx.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *index) Close() error {
	if err := i.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := i.file.Sync(); err != nil {
		return err
	}
	if err := i.file.Truncate(int64(i.size)); err != nil {
		return err
	}
	return i.file.Close()
}

// Read returns the byte position for relative entry rel, or io.EOF if rel
// is -1 (meaning "the last entry") and the index is empty, or out of range.
func (i *index) Read(rel int64) (pos uint64, err error) {
	if i.size == 0 {
		return 0, io.EOF
	}
	var slot uint32
	if rel == -1 {
		slot = uint32((i.size / entWidth) - 1)
	} else {
		slot = uint32(rel)
	}
	at := uint64(slot) * entWidth
	if i.size < at+entWidth {
		return 0, io.EOF
	}
	pos = enc.Uint64(i.mmap[at+offWidth : at+entWidth])
	return pos, nil
}

// Write appends a (relative entryId, byte position) pair.
func (i *index) Write(rel uint32, pos uint64) error {
	if i.isMaxed() {
		return io.EOF
	}
	enc.PutUint32(i.mmap[i.size:i.size+offWidth], rel)
	enc.PutUint64(i.mmap[i.size+offWidth:i.size+entWidth], pos)
	i.size += entWidth
	return nil
}

func (i *index) isMaxed() bool {
	return int64(i.size+entWidth) > i.capacity
}

func (i *index) Name() string { return i.file.Name() }
