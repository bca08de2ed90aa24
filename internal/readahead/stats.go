package readahead

import "github.com/dlstream/readahead/internal/entrystore"

// Stats is a read-only snapshot of the reader's state, the seam
// internal/adminserver observes it through so it need not reach into the
// aggregate's private fields.
type Stats struct {
	NumCachedEntries  int
	Paused            bool
	CatchingUp        bool
	Initialized       bool
	CurrentSegSeqNo   uint64
	HasCurrentSegment bool
	NextEntryPosition entrystore.DLSN
	LastError         error
}
