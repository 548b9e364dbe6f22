package bus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/pkg/worker"
)

// Handler consumes a delivered message. Handlers must not block the
// receive goroutine; the subscriber posts each invocation to the
// worker pool.
type Handler func(ctx context.Context, m *Message)

// receiveTick is the poll interval of the receive loop.
const receiveTick = 100 * time.Millisecond

// Subscription is a cancel handle for one registration.
type Subscription struct {
	id  int
	sub *Subscriber
}

// Cancel removes the registration; in-flight handler invocations are
// not interrupted.
func (s *Subscription) Cancel() {
	s.sub.mu.Lock()
	delete(s.sub.regs, s.id)
	s.sub.mu.Unlock()
}

// Subscriber owns one connected socket per endpoint and dispatches
// matching messages to registered handlers on a single receive
// goroutine. Registrations from many logical consumers (vehicle
// clients, dead-letter observers) share the socket.
type Subscriber struct {
	endpoint string
	hub      *hub
	sock     *socket
	pool     *worker.Pool
	ctx      context.Context

	mu     sync.Mutex
	regs   map[int]*registration
	nextID int

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscriber(ctx context.Context, fab *fabric, endpoint string, pool *worker.Pool) *Subscriber {
	h, sock := fab.connect(endpoint)
	s := &Subscriber{
		endpoint: endpoint,
		hub:      h,
		sock:     sock,
		pool:     pool,
		ctx:      ctx,
		regs:     make(map[int]*registration),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.receiveLoop() //nolint:naked-goroutine // subscriber service loop
	return s
}

// Endpoint returns the connected endpoint address.
func (s *Subscriber) Endpoint() string {
	return s.endpoint
}

// Subscribe registers a handler for the given exchange discipline.
// For DIRECT the topics are exact names; for TOPIC the first entry is
// a prefix against the composite routing_key:topic frame; for FANOUT
// topics are ignored.
func (s *Subscriber) Subscribe(topics []string, h Handler, exchange ExchangeType) *Subscription {
	reg := &registration{exchange: exchange, handler: h, topics: topics}
	if exchange == Topic && len(topics) > 0 {
		reg.prefix = topics[0]
	}
	return s.register(reg)
}

// SubscribeHeaders registers a handler with a header filter and an
// optional exact topic.
func (s *Subscriber) SubscribeHeaders(filter map[string]string, h Handler, topic string) *Subscription {
	return s.register(&registration{
		exchange: Headers,
		handler:  h,
		filter:   filter,
		topic:    topic,
	})
}

func (s *Subscriber) register(reg *registration) *Subscription {
	s.mu.Lock()
	s.nextID++
	reg.id = s.nextID
	s.regs[reg.id] = reg
	s.mu.Unlock()
	return &Subscription{id: reg.id, sub: s}
}

// receiveLoop polls the socket on a fixed tick; on shutdown it drains
// in-flight frames once and returns.
func (s *Subscriber) receiveLoop() {
	defer close(s.done)
	ticker := time.NewTicker(receiveTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.drainOnce()
			return
		case <-ticker.C:
			s.drainOnce()
		}
	}
}

func (s *Subscriber) drainOnce() {
	for {
		m, ok := s.sock.recv()
		if !ok {
			return
		}
		s.dispatch(m)
	}
}

func (s *Subscriber) dispatch(m *Message) {
	s.mu.Lock()
	matched := make([]*registration, 0, 2)
	for _, reg := range s.regs {
		if reg.matches(m) {
			matched = append(matched, reg)
		}
	}
	s.mu.Unlock()

	for _, reg := range matched {
		h := reg.handler
		if err := s.pool.Submit(s.ctx, func(ctx context.Context) {
			h(ctx, m)
		}); err != nil {
			logger.Warn("bus handler submit failed",
				zap.String("endpoint", s.endpoint),
				zap.String("topic", m.Topic),
				zap.Error(err),
			)
		}
	}
}

// Close stops the receive loop and disconnects the socket.
func (s *Subscriber) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
		s.hub.disconnect(s.sock)
	})
}
