package bus

import (
	"context"
	"sync"

	"uvexchange.io/uvx/internal/config"
	"uvexchange.io/uvx/internal/pkg/worker"
)

// Manager shares publisher and subscriber instances across the
// process, keyed by endpoint. Acquisition is idempotent: every caller
// asking for the same endpoint gets the same instance, so one receive
// goroutine serves an endpoint no matter how many consumers register.
type Manager struct {
	ctx  context.Context
	fab  *fabric
	opts Options
	pool *worker.Pool

	mu   sync.Mutex
	pubs map[string]*Publisher
	subs map[string]*Subscriber
}

// NewManager creates an instance manager over a fresh in-process
// fabric. The context bounds the lifetime of all handler invocations.
func NewManager(ctx context.Context, cfg config.BusConfig, pool *worker.Pool) *Manager {
	opts := DefaultOptions()
	if cfg.MaxQueueSize > 0 {
		opts.MaxQueueSize = cfg.MaxQueueSize
	}
	if cfg.SendTimeoutMs > 0 {
		opts.SendTimeout = cfg.SendTimeout()
	}
	if cfg.BatchSize > 0 {
		opts.BatchSize = cfg.BatchSize
	}
	return &Manager{
		ctx:  ctx,
		fab:  newFabric(),
		opts: opts,
		pool: pool,
		pubs: make(map[string]*Publisher),
		subs: make(map[string]*Subscriber),
	}
}

// AcquirePublisher returns the publisher bound to the endpoint,
// creating and binding it on first acquisition.
func (m *Manager) AcquirePublisher(endpoint string) (*Publisher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pubs[endpoint]; ok {
		return p, nil
	}
	p, err := newPublisher(m.fab, endpoint, m.opts)
	if err != nil {
		return nil, err
	}
	m.pubs[endpoint] = p
	return p, nil
}

// AcquireSubscriber returns the subscriber connected to the endpoint,
// creating it on first acquisition.
func (m *Manager) AcquireSubscriber(endpoint string) *Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[endpoint]; ok {
		return s
	}
	s := newSubscriber(m.ctx, m.fab, endpoint, m.pool)
	m.subs[endpoint] = s
	return s
}

// CloseAll stops every publisher and subscriber. Subscribers stop
// first so publishers do not rebind into sockets being torn down.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	subs := make([]*Subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	pubs := make([]*Publisher, 0, len(m.pubs))
	for _, p := range m.pubs {
		pubs = append(pubs, p)
	}
	m.subs = make(map[string]*Subscriber)
	m.pubs = make(map[string]*Publisher)
	m.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	for _, p := range pubs {
		p.Close()
	}
}
