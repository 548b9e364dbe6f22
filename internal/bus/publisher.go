package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/pkg/metrics"
)

// Options carries the tunables of a publisher instance.
type Options struct {
	// MaxQueueSize bounds the in-memory send queue.
	MaxQueueSize int
	// SendTimeout is the per-message, per-socket delivery deadline.
	SendTimeout time.Duration
	// BatchSize is how many queued messages one drain round takes.
	BatchSize int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxQueueSize: 10000,
		SendTimeout:  200 * time.Millisecond,
		BatchSize:    50,
	}
}

// maxRebindAttempts bounds reconnection after "endpoint gone".
const maxRebindAttempts = 3

// Publisher owns the bound side of an endpoint and a bounded send
// queue drained by a background worker. Publish fails with BusOverflow
// at capacity; messages that cannot be delivered within the send
// timeout are dropped and logged, never retried.
type Publisher struct {
	endpoint string
	fab      *fabric
	opts     Options

	mu    sync.Mutex
	queue []*Message
	hub   *hub

	notEmpty chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newPublisher(fab *fabric, endpoint string, opts Options) (*Publisher, error) {
	h, err := fab.bind(endpoint)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		endpoint: endpoint,
		fab:      fab,
		opts:     opts,
		hub:      h,
		notEmpty: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.drainLoop() //nolint:naked-goroutine // publisher service loop
	return p, nil
}

// Endpoint returns the bound endpoint address.
func (p *Publisher) Endpoint() string {
	return p.endpoint
}

// Publish enqueues one message. Back-pressure: when the queue is at
// capacity the call fails with BusOverflow and the message is not
// enqueued; the caller's next cycle re-attempts.
func (p *Publisher) Publish(m *Message) error {
	p.mu.Lock()
	if len(p.queue) >= p.opts.MaxQueueSize {
		p.mu.Unlock()
		metrics.BusDroppedTotal.WithLabelValues(p.endpoint, "overflow").Inc()
		return apperrors.BusOverflow("publisher queue at capacity")
	}
	p.queue = append(p.queue, m)
	depth := len(p.queue)
	p.mu.Unlock()

	metrics.BusPublishedTotal.WithLabelValues(p.endpoint, m.Exchange.String()).Inc()
	metrics.BusQueueDepth.WithLabelValues(p.endpoint).Set(float64(depth))
	p.wake()
	return nil
}

// PublishBatch enqueues N messages under a single critical section; it
// is not an atomic broker batch. When racing producers push the queue
// past 1.2x the bound, the oldest entries are dropped with a warning.
func (p *Publisher) PublishBatch(ms []*Message) error {
	if len(ms) == 0 {
		return nil
	}
	p.mu.Lock()
	p.queue = append(p.queue, ms...)
	if over := len(p.queue) - p.opts.MaxQueueSize*12/10; over > 0 {
		dropped := len(p.queue) - p.opts.MaxQueueSize
		p.queue = p.queue[dropped:]
		logger.Warn("publisher queue past high-water mark, dropping oldest",
			zap.String("endpoint", p.endpoint),
			zap.Int("dropped", dropped),
		)
		metrics.BusDroppedTotal.WithLabelValues(p.endpoint, "overflow").Add(float64(dropped))
	}
	depth := len(p.queue)
	p.mu.Unlock()

	for _, m := range ms {
		metrics.BusPublishedTotal.WithLabelValues(p.endpoint, m.Exchange.String()).Inc()
	}
	metrics.BusQueueDepth.WithLabelValues(p.endpoint).Set(float64(depth))
	p.wake()
	return nil
}

// QueueDepth returns the current send queue depth.
func (p *Publisher) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Publisher) wake() {
	select {
	case p.notEmpty <- struct{}{}:
	default:
	}
}

// drainLoop sends queued messages in batches. Send timeouts drop the
// message for the slow subscriber; an endpoint torn down under us
// triggers a bounded rebind.
func (p *Publisher) drainLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.notEmpty:
		}

		for {
			batch := p.takeBatch()
			if len(batch) == 0 {
				break
			}
			for _, m := range batch {
				p.send(m)
			}
			select {
			case <-p.stopCh:
				return
			default:
			}
		}
	}
}

func (p *Publisher) takeBatch() []*Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	if n == 0 {
		return nil
	}
	if n > p.opts.BatchSize {
		n = p.opts.BatchSize
	}
	batch := p.queue[:n]
	p.queue = append([]*Message(nil), p.queue[n:]...)
	metrics.BusQueueDepth.WithLabelValues(p.endpoint).Set(float64(len(p.queue)))
	return batch
}

func (p *Publisher) send(m *Message) {
	for attempt := 0; ; attempt++ {
		p.mu.Lock()
		h := p.hub
		p.mu.Unlock()

		timedOut, err := h.broadcast(m, p.opts.SendTimeout)
		if timedOut > 0 {
			logger.Warn("bus send timeout, message dropped for slow subscribers",
				zap.String("endpoint", p.endpoint),
				zap.String("msg_id", m.ID),
				zap.Int("subscribers", timedOut),
			)
			metrics.BusDroppedTotal.WithLabelValues(p.endpoint, "timeout").Add(float64(timedOut))
		}
		if err == nil {
			return
		}

		// Endpoint gone: rebind and resume, bounded.
		if attempt >= maxRebindAttempts {
			logger.Error("bus rebind attempts exhausted, dropping message",
				zap.String("endpoint", p.endpoint),
				zap.String("msg_id", m.ID),
			)
			return
		}
		nh, bindErr := p.fab.bind(p.endpoint)
		if bindErr != nil {
			logger.Error("bus rebind failed",
				zap.String("endpoint", p.endpoint),
				zap.Error(bindErr),
			)
			return
		}
		p.mu.Lock()
		p.hub = nh
		p.mu.Unlock()
		logger.Info("bus endpoint rebound", zap.String("endpoint", p.endpoint))
	}
}

// Close stops the drain worker and releases the endpoint. Messages
// still queued are discarded.
func (p *Publisher) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		<-p.done
		p.fab.release(p.endpoint)
	})
}
