// Package entrystore defines the interfaces the read-ahead core consumes
// to talk to a segment entry store and a segment metadata source. The
// core never implements either side; internal/localstore and
// internal/metasource/serf provide concrete, wired adapters.
package entrystore

import "context"

// SegmentStatus is the lifecycle state of a log segment.
type SegmentStatus int

const (
	StatusInProgress SegmentStatus = iota
	StatusClosed
)

func (s SegmentStatus) String() string {
	if s == StatusClosed {
		return "closed"
	}
	return "in-progress"
}

// TruncationKind distinguishes no truncation from a full (whole segment
// removed) or partial (prefix removed) truncation.
type TruncationKind int

const (
	TruncationNone TruncationKind = iota
	TruncationPartial
	TruncationFull
)

// DLSN is the totally ordered log coordinate (segSeqNo, entryId, slotId).
// Only the first two fields participate in read-ahead ordering; slotId is
// carried for completeness of the data model but never compared by the
// core.
type DLSN struct {
	SegSeqNo uint64
	EntryID  int64
	SlotID   int64
}

// Compare returns -1, 0 or 1 the way bytes.Compare does, ordering first by
// SegSeqNo then by EntryID.
func (d DLSN) Compare(o DLSN) int {
	switch {
	case d.SegSeqNo < o.SegSeqNo:
		return -1
	case d.SegSeqNo > o.SegSeqNo:
		return 1
	case d.EntryID < o.EntryID:
		return -1
	case d.EntryID > o.EntryID:
		return 1
	default:
		return 0
	}
}

func (d DLSN) Less(o DLSN) bool    { return d.Compare(o) < 0 }
func (d DLSN) Equal(o DLSN) bool   { return d.Compare(o) == 0 }
func (d DLSN) LessEq(o DLSN) bool  { return d.Compare(o) <= 0 }
func (d DLSN) Greater(o DLSN) bool { return d.Compare(o) > 0 }

// NextEntry returns the DLSN immediately following d within the same
// segment.
func (d DLSN) NextEntry() DLSN {
	return DLSN{SegSeqNo: d.SegSeqNo, EntryID: d.EntryID + 1}
}

// LogSegmentMetadata is a read-only snapshot of a segment's catalog entry.
type LogSegmentMetadata struct {
	SegSeqNo   uint64
	Status     SegmentStatus
	Truncation TruncationKind

	// MinActiveDLSN is meaningful only when Truncation == TruncationPartial:
	// the first entry in the segment that is still readable.
	MinActiveDLSN DLSN

	// LastDLSN is meaningful for closed segments, and for fully truncated
	// segments records the last DLSN that existed before truncation.
	LastDLSN DLSN
}

// Entry is one readable unit of the log.
type Entry struct {
	SegSeqNo uint64
	EntryID  int64
	Payload  []byte
}

// DLSN reports the entry's position.
func (e Entry) DLSN() DLSN { return DLSN{SegSeqNo: e.SegSeqNo, EntryID: e.EntryID} }

// StateChangeListener is the callback surface an InnerReader invokes when
// an in-progress segment catches up to its last add confirmed entry.
type StateChangeListener interface {
	OnCaughtUpOnInprogress()
}

// InnerReader is the per-segment handle returned by EntryStore.OpenReader.
// All methods may be called from any goroutine. Of SegmentReader's three
// suspension points (open, read, close), EntryStore.OpenReader and
// ReadNext block the calling goroutine, which the core always runs off of
// its Serializer, and AsyncClose reports completion on the channel it
// returns.
type InnerReader interface {
	// Start begins streaming reads for this segment. Safe to call only
	// once; the store is free to treat subsequent calls as no-ops.
	Start(ctx context.Context) error

	// ReadNext blocks (on the caller's goroutine, which the core always
	// runs off of its Serializer) until up to n entries are available, or
	// returns ErrEndOfLogSegment once the segment has nothing left to
	// offer at the position the reader is positioned to.
	ReadNext(ctx context.Context, n int) ([]Entry, error)

	// OnLogSegmentMetadataUpdated informs the inner reader of a new
	// segment snapshot (e.g. LAC advancing, or the segment closing).
	OnLogSegmentMetadataUpdated(meta LogSegmentMetadata)

	// RegisterListener subscribes to caught-up-on-in-progress
	// notifications. Only meaningful for in-progress segments.
	RegisterListener(l StateChangeListener)

	// AsyncClose releases the reader's resources; the returned channel
	// receives exactly one value (nil or an error) and is then closed.
	AsyncClose() <-chan error

	// IsBeyondLastAddConfirmed reports whether every entry up to the
	// segment's last add confirmed entry has already been read.
	IsBeyondLastAddConfirmed() bool

	// HasCaughtUpOnInprogress reports whether the reader has drained the
	// segment up to the last add confirmed entry at least once.
	HasCaughtUpOnInprogress() bool

	GetLastAddConfirmed() int64
	GetSegment() LogSegmentMetadata
}

// EntryStore opens per-segment readers.
type EntryStore interface {
	OpenReader(ctx context.Context, segment LogSegmentMetadata, startEntryID int64) (InnerReader, error)
}

// VersionedSegmentList is a metadata snapshot returned by a MetadataSource,
// in ascending SegSeqNo order.
type VersionedSegmentList struct {
	Segments []LogSegmentMetadata
	Version  int64
}

// SegmentsUpdatedListener receives metadata push notifications.
type SegmentsUpdatedListener interface {
	OnSegmentsUpdated(list VersionedSegmentList)
	OnLogStreamDeleted()
}

// MetadataSource resolves the current segment list and pushes updates to
// subscribers as they happen.
type MetadataSource interface {
	ReadLogSegments(ctx context.Context) (VersionedSegmentList, error)
	Subscribe(listener SegmentsUpdatedListener)
	Unsubscribe(listener SegmentsUpdatedListener)
}
