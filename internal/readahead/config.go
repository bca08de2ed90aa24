package readahead

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/dlstream/readahead/internal/entrystore"
)

const (
	defaultReadAheadMaxRecords = 10
	defaultReadAheadBatchSize  = 10
	// noIdleDetection disables the idle detector: it's enabled only when
	// ReaderIdleWarnThresholdMillis is strictly positive and less than
	// math.MaxInt64, which is itself treated as "never" rather than an
	// astronomically long period.
	noIdleDetection = 0
)

// Config carries the reader's inbound configuration options. It is a
// plain Go value — no file format, no env binding.
type Config struct {
	// ReadAheadMaxRecords is the pause threshold of the entry queue.
	ReadAheadMaxRecords int
	// ReadAheadBatchSize is numEntries passed to each readNext.
	ReadAheadBatchSize int
	// ReaderIdleWarnThresholdMillis is the idle check period; the
	// detector is disabled when this is <= 0.
	ReaderIdleWarnThresholdMillis int64
	// IgnoreTruncationStatus allows positioning at truncated offsets.
	IgnoreTruncationStatus bool
	// AlertWhenPositioningOnTruncated raises a metrics alert when
	// positioning lands inside a partially truncated segment.
	AlertWhenPositioningOnTruncated bool

	Logger *zap.Logger

	// Authorizer, if set, gates Start.
	Authorizer Authorizer
	// Metrics, if set, observes the recorder surface.
	Metrics MetricsRecorder
}

func (c Config) withDefaults() Config {
	if c.ReadAheadMaxRecords <= 0 {
		c.ReadAheadMaxRecords = defaultReadAheadMaxRecords
	}
	if c.ReadAheadBatchSize <= 0 {
		c.ReadAheadBatchSize = defaultReadAheadBatchSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	return c
}

func (c Config) idleEnabled() bool {
	return c.ReaderIdleWarnThresholdMillis > noIdleDetection && c.ReaderIdleWarnThresholdMillis < math.MaxInt64
}

func (c Config) idlePeriod() time.Duration {
	return time.Duration(c.ReaderIdleWarnThresholdMillis) * time.Millisecond
}

// Authorizer gates privileged read-ahead operations, the interface a gRPC
// server's auth interceptor implements against its ACL backend.
type Authorizer interface {
	Authorize(subject, object, action string) error
}

// MetricsRecorder is the seam internal/metrics plugs into. The
// core calls it on every observable edge; a nil Config.Metrics is
// replaced with a no-op implementation.
type MetricsRecorder interface {
	CacheDepthObserved(depth int)
	Paused()
	Resumed()
	CaughtUp()
	TruncationAlert(stream string, at entrystore.DLSN)
	IdleRefreshTriggered()
}

type noopMetrics struct{}

func (noopMetrics) CacheDepthObserved(int)                        {}
func (noopMetrics) Paused()                                       {}
func (noopMetrics) Resumed()                                      {}
func (noopMetrics) CaughtUp()                                     {}
func (noopMetrics) TruncationAlert(string, entrystore.DLSN)       {}
func (noopMetrics) IdleRefreshTriggered()                         {}
