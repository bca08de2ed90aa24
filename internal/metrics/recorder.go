// Package metrics records read-ahead observability data through
// OpenCensus measures/views for point-in-time counters and gauges, and
// HdrHistogram for latency distributions (time spent paused, time from
// start to caught-up).
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/dlstream/readahead/internal/entrystore"
)

var (
	streamKey = tag.MustNewKey("stream")

	mCacheDepth      = stats.Int64("readahead/cache_depth", "entries currently queued", stats.UnitDimensionless)
	mPauseEvents     = stats.Int64("readahead/pause_events", "producer pause transitions", stats.UnitDimensionless)
	mResumeEvents    = stats.Int64("readahead/resume_events", "producer resume transitions", stats.UnitDimensionless)
	mCaughtUpEvents  = stats.Int64("readahead/caught_up_events", "catch-up transitions", stats.UnitDimensionless)
	mTruncationAlert = stats.Int64("readahead/truncation_alerts", "positioning landed on truncated data", stats.UnitDimensionless)
	mIdleRefresh     = stats.Int64("readahead/idle_refresh_count", "idle-triggered metadata refreshes", stats.UnitDimensionless)
)

// Views registers the default OpenCensus views for the measures above.
// Call once at process startup, mirroring view.Register(ocgrpc.DefaultServerViews...).
var Views = []*view.View{
	{Name: "readahead/cache_depth", Measure: mCacheDepth, Aggregation: view.LastValue(), TagKeys: []tag.Key{streamKey}},
	{Name: "readahead/pause_events", Measure: mPauseEvents, Aggregation: view.Count(), TagKeys: []tag.Key{streamKey}},
	{Name: "readahead/resume_events", Measure: mResumeEvents, Aggregation: view.Count(), TagKeys: []tag.Key{streamKey}},
	{Name: "readahead/caught_up_events", Measure: mCaughtUpEvents, Aggregation: view.Count(), TagKeys: []tag.Key{streamKey}},
	{Name: "readahead/truncation_alerts", Measure: mTruncationAlert, Aggregation: view.Count(), TagKeys: []tag.Key{streamKey}},
	{Name: "readahead/idle_refresh_count", Measure: mIdleRefresh, Aggregation: view.Count(), TagKeys: []tag.Key{streamKey}},
}

// Recorder implements readahead.MetricsRecorder for one stream.
type Recorder struct {
	stream string
	ctx    context.Context

	mu             sync.Mutex
	pausedAt       time.Time
	startedAt      time.Time
	pauseLatency   *hdrhistogram.Histogram
	catchUpLatency *hdrhistogram.Histogram
	caughtUpOnce   bool
}

// NewRecorder builds a Recorder tagged with stream, used as
// readahead.Config.Metrics.
func NewRecorder(stream string) *Recorder {
	ctx, _ := tag.New(context.Background(), tag.Upsert(streamKey, stream))
	return &Recorder{
		stream:         stream,
		ctx:            ctx,
		startedAt:      time.Time{},
		pauseLatency:   hdrhistogram.New(1, 60*60*1000, 3),
		catchUpLatency: hdrhistogram.New(1, 60*60*1000, 3),
	}
}

// MarkStarted records when the reader's Start was called, the baseline
// for catch-up latency.
func (r *Recorder) MarkStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startedAt = time.Now()
}

func (r *Recorder) CacheDepthObserved(depth int) {
	stats.Record(r.ctx, mCacheDepth.M(int64(depth)))
}

func (r *Recorder) Paused() {
	stats.Record(r.ctx, mPauseEvents.M(1))
	r.mu.Lock()
	r.pausedAt = time.Now()
	r.mu.Unlock()
}

func (r *Recorder) Resumed() {
	stats.Record(r.ctx, mResumeEvents.M(1))
	r.mu.Lock()
	if !r.pausedAt.IsZero() {
		r.pauseLatency.RecordValue(time.Since(r.pausedAt).Milliseconds())
		r.pausedAt = time.Time{}
	}
	r.mu.Unlock()
}

func (r *Recorder) CaughtUp() {
	stats.Record(r.ctx, mCaughtUpEvents.M(1))
	r.mu.Lock()
	if !r.caughtUpOnce && !r.startedAt.IsZero() {
		r.caughtUpOnce = true
		r.catchUpLatency.RecordValue(time.Since(r.startedAt).Milliseconds())
	}
	r.mu.Unlock()
}

func (r *Recorder) TruncationAlert(stream string, at entrystore.DLSN) {
	stats.Record(r.ctx, mTruncationAlert.M(1))
}

func (r *Recorder) IdleRefreshTriggered() {
	stats.Record(r.ctx, mIdleRefresh.M(1))
}

// PauseLatencyMillis returns the value at p (0-100) of the recorded pause
// durations.
func (r *Recorder) PauseLatencyMillis(p float64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pauseLatency.ValueAtQuantile(p)
}

// CatchUpLatencyMillis returns the value at p (0-100) of the recorded
// start-to-caught-up durations.
func (r *Recorder) CatchUpLatencyMillis(p float64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.catchUpLatency.ValueAtQuantile(p)
}
