// Package vehicle hosts the per-vehicle actors of the exchange: each
// client subscribes with a capability filter, buffers candidate
// orders in the KV cache, races the claim CAS, and finalizes won
// claims with grab-log and delivery-task rows.
package vehicle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/bus"
	"uvexchange.io/uvx/internal/config"
	"uvexchange.io/uvx/internal/kvcache"
	apperrors "uvexchange.io/uvx/internal/pkg/errors"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/store"
)

// Topics and channels of the claim pipeline.
const (
	TopicVehicleOrders = "vehicle_orders"
	TopicOrderUpdate   = "order_update"
	TopicOrderRetry    = "order_retry"
	TopicOrderLogTask  = "order_log_task"

	ChannelVehicleOrders = "vehicle_orders"
	ChannelUpdateOrders  = "update_orders"
	ChannelRetryOrders   = "retry_orders"
)

// Lifecycle states.
const (
	stateCreated    = "created"
	stateStarted    = "started"
	stateRunning    = "running"
	stateIdle       = "idle"
	stateStopping   = "stopping"
	stateTerminated = "terminated"
)

const stopJoinTimeout = 3 * time.Second

// Store is the slice of the order store a client touches.
type Store interface {
	OrderByID(ctx context.Context, id int64) (*store.Order, error)
	VehicleByID(ctx context.Context, id int64) (*store.Vehicle, error)
	ClaimOrder(ctx context.Context, orderID, uvID int64, version int) error
	ResetOrderForRetry(ctx context.Context, orderID int64) error
	InsertGrabLog(ctx context.Context, g *store.GrabLog) (int64, error)
	InsertDeliveryTask(ctx context.Context, d *store.DeliveryTask) (int64, error)
	RemoveGrabLog(ctx context.Context, id int64) error
	RemoveDeliveryTask(ctx context.Context, id int64) error
}

// Options carries the client's runtime knobs.
type Options struct {
	Endpoints config.EndpointConfig
	LockTTL   time.Duration
	CacheTTL  time.Duration
}

// Client is one vehicle actor. Message delivery is honored only in
// the running and idle states; a stopping client drops handler work.
type Client struct {
	id        int64
	supported []string

	st   Store
	kv   *kvcache.Client
	busm *bus.Manager
	opts Options

	pubUpdates *bus.Publisher
	pubTasks   *bus.Publisher
	subs       []*bus.Subscription

	machine *fsm.FSM
	wake    chan struct{}

	cancel   context.CancelFunc
	loopDone chan struct{}
	stopOnce sync.Once
}

// NewClient builds a stopped client for the vehicle id; Start wires
// subscriptions and launches the claim loop.
func NewClient(id int64, st Store, kv *kvcache.Client, busm *bus.Manager, opts Options) *Client {
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 1800 * time.Second
	}
	c := &Client{
		id:       id,
		st:       st,
		kv:       kv,
		busm:     busm,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
	c.machine = fsm.NewFSM(stateCreated,
		fsm.Events{
			{Name: "start", Src: []string{stateCreated}, Dst: stateStarted},
			{Name: "run", Src: []string{stateStarted, stateIdle}, Dst: stateRunning},
			{Name: "park", Src: []string{stateRunning}, Dst: stateIdle},
			{Name: "stop", Src: []string{stateStarted, stateRunning, stateIdle}, Dst: stateStopping},
			{Name: "terminate", Src: []string{stateStopping}, Dst: stateTerminated},
		},
		fsm.Callbacks{},
	)
	return c
}

// ID returns the vehicle id.
func (c *Client) ID() int64 { return c.id }

// State returns the lifecycle state name.
func (c *Client) State() string { return c.machine.Current() }

func (c *Client) cacheKey() string {
	return fmt.Sprintf("vehicle_orders:%d", c.id)
}

func (c *Client) typeFilter() string {
	return strings.Join(c.supported, ",")
}

// deliverable reports whether handlers may act on messages.
func (c *Client) deliverable() bool {
	cur := c.machine.Current()
	return cur == stateRunning || cur == stateIdle
}

// Start resolves the vehicle's capabilities, wires the five
// subscriptions and launches the claim loop.
func (c *Client) Start(ctx context.Context) error {
	if err := c.machine.Event(ctx, "start"); err != nil {
		return apperrors.BadConfig("client already started: " + err.Error())
	}

	v, err := c.st.VehicleByID(ctx, c.id)
	if err != nil {
		return err
	}
	c.supported = strings.Split(v.SupportedTypes, ",")

	c.pubUpdates, err = c.busm.AcquirePublisher(c.opts.Endpoints.E2)
	if err != nil {
		return err
	}
	c.pubTasks, err = c.busm.AcquirePublisher(c.opts.Endpoints.E3)
	if err != nil {
		return err
	}

	subTasks := c.busm.AcquireSubscriber(c.opts.Endpoints.E3)
	subUpdates := c.busm.AcquireSubscriber(c.opts.Endpoints.E2)
	subOrders := c.busm.AcquireSubscriber(c.opts.Endpoints.E1)

	filter := c.typeFilter()
	c.subs = []*bus.Subscription{
		subTasks.Subscribe([]string{TopicOrderLogTask}, c.handleFinalize, bus.Direct),
		subUpdates.SubscribeHeaders(map[string]string{
			"type": filter, "channel": ChannelRetryOrders,
		}, c.handleCandidate, TopicOrderRetry),
		subUpdates.SubscribeHeaders(map[string]string{
			"type": filter, "channel": ChannelUpdateOrders,
		}, c.handleOrderUpdate, TopicOrderUpdate),
		subOrders.SubscribeHeaders(map[string]string{
			"type": filter, "channel": ChannelVehicleOrders,
		}, c.handleCandidate, TopicVehicleOrders),
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	//nolint:naked-goroutine // claim loop owns its own lifecycle
	go func() {
		defer close(c.loopDone)
		c.claimLoop(loopCtx)
	}()

	_ = c.machine.Event(ctx, "run")
	logger.Info("vehicle client started",
		zap.Int64("uv_id", c.id),
		zap.String("supported_types", filter),
	)
	return nil
}

// handleCandidate buffers incoming orders into the per-vehicle cache
// and wakes the claim loop. The body is either a candidate document
// keyed by order id, or a bare order id on the retry channel.
func (c *Client) handleCandidate(ctx context.Context, msg *bus.Message) {
	if !c.deliverable() {
		return
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(msg.Body, &doc); err == nil {
		for orderID, payload := range doc {
			if err := c.kv.HSet(ctx, c.cacheKey(), orderID, string(payload)); err != nil {
				logger.Warn("candidate cache write failed",
					zap.Int64("uv_id", c.id),
					zap.String("order_id", orderID),
					zap.Error(err),
				)
			}
		}
		if len(doc) > 0 {
			c.refreshCacheTTL(ctx)
		}
		c.notify()
		return
	}

	// Retry messages carry just the order id.
	orderID, err := strconv.ParseInt(strings.TrimSpace(string(msg.Body)), 10, 64)
	if err != nil {
		logger.Warn("candidate payload unparsable",
			zap.Int64("uv_id", c.id),
			zap.String("topic", msg.Topic),
		)
		return
	}
	order, err := c.st.OrderByID(ctx, orderID)
	if err != nil || order.Status != store.OrderStatusPending {
		return
	}
	summary, _ := json.Marshal(map[string]interface{}{
		"订单编号": order.OrderNo,
		"订单类型": order.OrderType,
	})
	if err := c.kv.HSet(ctx, c.cacheKey(), strconv.FormatInt(orderID, 10), string(summary)); err != nil {
		logger.Warn("candidate cache write failed",
			zap.Int64("uv_id", c.id),
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)
		return
	}
	c.refreshCacheTTL(ctx)
	c.notify()
}

// refreshCacheTTL re-arms the candidate hash expiry on every write, so
// entries age out even after an unclean exit.
func (c *Client) refreshCacheTTL(ctx context.Context) {
	if err := c.kv.Expire(ctx, c.cacheKey(), c.opts.CacheTTL); err != nil {
		logger.Warn("candidate cache expire failed",
			zap.Int64("uv_id", c.id), zap.Error(err))
	}
}

// handleOrderUpdate evicts an order another vehicle has claimed.
func (c *Client) handleOrderUpdate(ctx context.Context, msg *bus.Message) {
	if !c.deliverable() {
		return
	}
	idStr := strings.TrimSpace(string(msg.Body))
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}
	order, err := c.st.OrderByID(ctx, orderID)
	if err != nil {
		return
	}
	if order.Status == store.OrderStatusClaimed {
		_ = c.kv.HDel(ctx, c.cacheKey(), idStr)
	}
}

// notify wakes the claim loop; a pending wake is enough.
func (c *Client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stop tears the client down: handlers stop accepting work, the claim
// loop is joined within a bounded window, subscriptions are cancelled
// and the candidate cache is dropped.
func (c *Client) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		_ = c.machine.Event(ctx, "stop")
		if c.cancel != nil {
			c.cancel()
			c.notify()
			select {
			case <-c.loopDone:
			case <-time.After(stopJoinTimeout):
				logger.Warn("claim loop join timeout, detaching",
					zap.Int64("uv_id", c.id))
			}
		}

		for _, s := range c.subs {
			s.Cancel()
		}
		if err := c.kv.Del(ctx, c.cacheKey()); err != nil {
			logger.Warn("candidate cache cleanup failed",
				zap.Int64("uv_id", c.id), zap.Error(err))
		}
		_ = c.machine.Event(ctx, "terminate")
		logger.Info("vehicle client stopped", zap.Int64("uv_id", c.id))
	})
}
