// Package serf implements a gossip-based entrystore.MetadataSource: a
// writer node broadcasts a serf user event whenever the segment catalog
// changes, and every other node's Membership rebuilds the segment list
// from the event payload and notifies its own subscribers.
package serf

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/hashicorp/serf/serf"
	"go.uber.org/zap"

	"github.com/dlstream/readahead/internal/entrystore"
)

const segmentsUpdatedEvent = "dlstream-segments-updated"

// Config is the serf bind address, node identity, and the addresses of
// existing cluster members to join.
type Config struct {
	NodeName       string
	BindAddr       string
	Tags           map[string]string
	StartJoinAddrs []string
}

// Membership is a gossip-backed entrystore.MetadataSource.
type Membership struct {
	Config
	serf   *serf.Serf
	events chan serf.Event
	logger *zap.Logger

	mu        sync.Mutex
	list      entrystore.VersionedSegmentList
	version   int64
	listeners []entrystore.SegmentsUpdatedListener
}

// New creates a Membership and joins the cluster described by config.
func New(config Config) (*Membership, error) {
	m := &Membership{
		Config: config,
		logger: zap.L().Named("metasource.serf"),
	}
	if err := m.setupSerf(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Membership) setupSerf() error {
	addr, err := net.ResolveTCPAddr("tcp", m.BindAddr)
	if err != nil {
		return err
	}
	conf := serf.DefaultConfig()
	conf.Init()
	conf.MemberlistConfig.BindAddr = addr.IP.String()
	conf.MemberlistConfig.BindPort = addr.Port
	m.events = make(chan serf.Event)
	conf.EventCh = m.events
	conf.Tags = m.Tags
	conf.NodeName = m.NodeName

	m.serf, err = serf.Create(conf)
	if err != nil {
		return err
	}
	go m.eventHandler()
	if m.StartJoinAddrs != nil {
		if _, err := m.serf.Join(m.StartJoinAddrs, true); err != nil {
			return err
		}
	}
	return nil
}

func (m *Membership) eventHandler() {
	for e := range m.events {
		ue, ok := e.(serf.UserEvent)
		if !ok {
			continue
		}
		if ue.Name != segmentsUpdatedEvent {
			continue
		}
		var list entrystore.VersionedSegmentList
		if err := json.Unmarshal(ue.Payload, &list); err != nil {
			m.logger.Warn("discarding malformed segments-updated event", zap.Error(err))
			continue
		}
		m.mu.Lock()
		if list.Version <= m.version {
			m.mu.Unlock()
			continue // stale/duplicate gossip, drop it
		}
		m.list = list
		m.version = list.Version
		listeners := make([]entrystore.SegmentsUpdatedListener, len(m.listeners))
		copy(listeners, m.listeners)
		m.mu.Unlock()
		for _, l := range listeners {
			l.OnSegmentsUpdated(list)
		}
	}
}

// PublishSegments broadcasts a new segment list to the cluster. Called by
// whichever node owns the catalog (e.g. wrapping internal/localstore's
// Store on the writer side).
func (m *Membership) PublishSegments(list entrystore.VersionedSegmentList) error {
	payload, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return m.serf.UserEvent(segmentsUpdatedEvent, payload, true)
}

// ReadLogSegments implements entrystore.MetadataSource by returning the
// most recently gossiped snapshot.
func (m *Membership) ReadLogSegments(_ context.Context) (entrystore.VersionedSegmentList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list, nil
}

func (m *Membership) Subscribe(l entrystore.SegmentsUpdatedListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Membership) Unsubscribe(l entrystore.SegmentsUpdatedListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			break
		}
	}
}

// Members returns the current serf membership list.
func (m *Membership) Members() []serf.Member { return m.serf.Members() }

// Leave gracefully removes this node from the cluster.
func (m *Membership) Leave() error { return m.serf.Leave() }
