package bus

import (
	"sync"
	"time"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
)

// socketHWM is the high-water-mark of a connected subscriber socket:
// at most this many in-flight messages are buffered per connection.
const socketHWM = 1000

// errEndpointGone signals that the hub a publisher was bound to has
// been released; the drain loop reacts with a bounded rebind.
var errEndpointGone = apperrors.New(apperrors.KindTransient, apperrors.CodeBusTimeout, "endpoint gone")

// fabric is the in-process transport: a registry of endpoint hubs.
// One fabric is shared by all publishers and subscribers of a Manager,
// so tests can run isolated fabrics side by side.
type fabric struct {
	mu   sync.RWMutex
	hubs map[string]*hub
}

func newFabric() *fabric {
	return &fabric{hubs: make(map[string]*hub)}
}

// hub is one endpoint: a bound publisher side and the set of connected
// subscriber sockets.
type hub struct {
	endpoint string

	mu    sync.RWMutex
	bound bool
	gone  bool
	socks map[*socket]struct{}
}

// socket is one subscriber connection: a buffered channel with the
// fabric HWM.
type socket struct {
	ch chan *Message

	mu     sync.Mutex
	closed bool
}

func (f *fabric) hubFor(endpoint string) *hub {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hubs[endpoint]
	if !ok || h.isGone() {
		h = &hub{endpoint: endpoint, socks: make(map[*socket]struct{})}
		f.hubs[endpoint] = h
	}
	return h
}

// bind claims the publisher side of an endpoint. A second bind on the
// same live endpoint fails.
func (f *fabric) bind(endpoint string) (*hub, error) {
	h := f.hubFor(endpoint)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bound {
		return nil, apperrors.EndpointBindFailed(endpoint, nil)
	}
	h.bound = true
	return h, nil
}

// connect attaches a subscriber socket to an endpoint. Connecting
// before the publisher binds is allowed.
func (f *fabric) connect(endpoint string) (*hub, *socket) {
	h := f.hubFor(endpoint)
	s := &socket{ch: make(chan *Message, socketHWM)}
	h.mu.Lock()
	h.socks[s] = struct{}{}
	h.mu.Unlock()
	return h, s
}

// release tears an endpoint down; a later bind recreates it.
func (f *fabric) release(endpoint string) {
	f.mu.Lock()
	h, ok := f.hubs[endpoint]
	if ok {
		delete(f.hubs, endpoint)
	}
	f.mu.Unlock()
	if ok {
		h.mu.Lock()
		h.gone = true
		h.bound = false
		h.mu.Unlock()
	}
}

func (h *hub) isGone() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.gone
}

// disconnect detaches a subscriber socket.
func (h *hub) disconnect(s *socket) {
	h.mu.Lock()
	delete(h.socks, s)
	h.mu.Unlock()
	s.close()
}

// broadcast delivers a message to every connected socket with a
// per-socket send deadline. A full socket past the deadline drops the
// message for that subscriber only; the number of timed-out sockets is
// returned so the publisher can log and count them.
func (h *hub) broadcast(m *Message, timeout time.Duration) (timedOut int, err error) {
	h.mu.RLock()
	if h.gone {
		h.mu.RUnlock()
		return 0, errEndpointGone
	}
	targets := make([]*socket, 0, len(h.socks))
	for s := range h.socks {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.send(m, timeout) {
			timedOut++
		}
	}
	return timedOut, nil
}

// send enqueues onto the socket, waiting at most timeout when the HWM
// is reached. Returns false on deadline or closed socket.
func (s *socket) send(m *Message, timeout time.Duration) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.ch <- m:
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s.ch <- m:
		return true
	case <-t.C:
		return false
	}
}

// recv pops one buffered message without blocking.
func (s *socket) recv() (*Message, bool) {
	select {
	case m := <-s.ch:
		return m, true
	default:
		return nil, false
	}
}

func (s *socket) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
