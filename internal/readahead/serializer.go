package readahead

import (
	"sync"

	"go.uber.org/zap"
)

// Serializer is a single-writer task executor keyed by stream name. It
// guarantees FIFO, non-overlapping execution of all submitted closures:
// a mutex-guarded lifecycle around one goroutine per key, draining a
// task queue instead of a network stream.
type Serializer struct {
	key    string
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// NewSerializer starts the executor's worker goroutine immediately.
func NewSerializer(key string, logger *zap.Logger) *Serializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Serializer{
		key:     key,
		logger:  logger.Named("readahead.serializer"),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Serializer) run() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

// Submit enqueues fn to run after every task already queued for this key.
// Submission after close has been observed is a silent no-op (logged at
// debug level).
func (s *Serializer) Submit(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("dropped task submitted after close", zap.String("key", s.key))
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.signal()
}

// Close marks the executor closed and, if fn is non-nil, enqueues fn as
// the final task so it observes every task scheduled before it, in
// order. A second call to Close (or any Submit racing the first Close)
// sees the executor already closed; the close path runs its task inline
// as a fallback rather than silently dropping it.
func (s *Serializer) Close(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}
	s.closed = true
	if fn != nil {
		s.queue = append(s.queue, fn)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Serializer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
