package readahead

import (
	"time"

	"go.uber.org/zap"
)

// idleDetector runs a periodic probe on its own goroutine, calling back
// into the owning reader on every tick and logging (rather than
// propagating) probe failures.
type idleDetector struct {
	period time.Duration
	probe  func()
	logger *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// newIdleDetector starts the ticker goroutine immediately. probe is
// expected to check idleness and, if stuck, trigger a metadata refresh;
// it must not block for long since it runs on its own goroutine, never on
// the Serializer.
func newIdleDetector(period time.Duration, probe func(), logger *zap.Logger) *idleDetector {
	d := &idleDetector{
		period: period,
		probe:  probe,
		logger: logger.Named("readahead.idle"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *idleDetector) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-d.stop:
			return
		}
	}
}

func (d *idleDetector) tick() {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("idle probe panicked, will retry next tick", zap.Any("recover", r))
		}
	}()
	d.probe()
}

// cancel stops the ticker and waits for its goroutine to exit.
func (d *idleDetector) cancel() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	<-d.done
}
