package readahead

import (
	"sync/atomic"

	"github.com/dlstream/readahead/internal/entrystore"
)

// StateChangeListener observes read-ahead success/failure edges, the
// callback registered via AddStateChangeNotification.
type StateChangeListener interface {
	OnSuccess(batch []entrystore.Entry)
	OnFailure(err error)
}

// listenerSet is a copy-on-write set, safe for concurrent iteration during
// notify.
type listenerSet struct {
	v atomic.Value // []StateChangeListener
}

func newListenerSet() *listenerSet {
	ls := &listenerSet{}
	ls.v.Store([]StateChangeListener{})
	return ls
}

func (ls *listenerSet) add(l StateChangeListener) {
	old := ls.v.Load().([]StateChangeListener)
	next := make([]StateChangeListener, len(old)+1)
	copy(next, old)
	next[len(old)] = l
	ls.v.Store(next)
}

func (ls *listenerSet) remove(l StateChangeListener) {
	old := ls.v.Load().([]StateChangeListener)
	next := make([]StateChangeListener, 0, len(old))
	for _, existing := range old {
		if existing != l {
			next = append(next, existing)
		}
	}
	ls.v.Store(next)
}

func (ls *listenerSet) notifySuccess(batch []entrystore.Entry) {
	for _, l := range ls.v.Load().([]StateChangeListener) {
		l.OnSuccess(batch)
	}
}

func (ls *listenerSet) notifyFailure(err error) {
	for _, l := range ls.v.Load().([]StateChangeListener) {
		l.OnFailure(err)
	}
}
