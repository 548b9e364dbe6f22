package vehicle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uvexchange.io/uvx/internal/bus"
	"uvexchange.io/uvx/internal/config"
	"uvexchange.io/uvx/internal/kvcache"
	apperrors "uvexchange.io/uvx/internal/pkg/errors"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/pkg/worker"
	"uvexchange.io/uvx/internal/store"
)

func init() {
	_ = logger.Init("error", "json")
}

// fakeStore is an in-memory Store with real CAS semantics.
type fakeStore struct {
	mu       sync.Mutex
	orders   map[int64]*store.Order
	vehicles map[int64]*store.Vehicle
	grabLogs map[int64]*store.GrabLog
	tasks    map[int64]*store.DeliveryTask
	nextID   int64

	failTaskInserts int // fail this many delivery-task inserts
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   make(map[int64]*store.Order),
		vehicles: make(map[int64]*store.Vehicle),
		grabLogs: make(map[int64]*store.GrabLog),
		tasks:    make(map[int64]*store.DeliveryTask),
		nextID:   5000,
	}
}

func (f *fakeStore) addOrder(o store.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = &o
}

func (f *fakeStore) addVehicle(v store.Vehicle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vehicles[v.ID] = &v
}

func (f *fakeStore) order(id int64) store.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.orders[id]
}

func (f *fakeStore) counts() (grabLogs, tasks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.grabLogs), len(f.tasks)
}

func (f *fakeStore) OrderByID(_ context.Context, id int64) (*store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok || o.IsDelete == 1 {
		return nil, apperrors.NotFound(fmt.Sprintf("order %d", id))
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) VehicleByID(_ context.Context, id int64) (*store.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vehicles[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("vehicle %d", id))
	}
	cp := *v
	return &cp, nil
}

func (f *fakeStore) ClaimOrder(_ context.Context, orderID, uvID int64, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.IsDelete == 1 || o.Status != store.OrderStatusPending || o.Version != version {
		return apperrors.ClaimLost(orderID)
	}
	o.Status = store.OrderStatusClaimed
	o.UvID = sql.NullInt64{Int64: uvID, Valid: true}
	o.Version = version + 1
	return nil
}

func (f *fakeStore) ResetOrderForRetry(_ context.Context, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != store.OrderStatusClaimed {
		return apperrors.NotFound("no claimed order to reset")
	}
	o.Status = store.OrderStatusPending
	o.Version = 0
	o.UvID = sql.NullInt64{}
	return nil
}

func (f *fakeStore) InsertGrabLog(_ context.Context, g *store.GrabLog) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := *g
	cp.ID = f.nextID
	f.grabLogs[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeStore) InsertDeliveryTask(_ context.Context, d *store.DeliveryTask) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTaskInserts > 0 {
		f.failTaskInserts--
		return 0, apperrors.Wrap(nil, apperrors.KindTransient, apperrors.CodeDBError, "injected insert failure")
	}
	f.nextID++
	cp := *d
	cp.ID = f.nextID
	f.tasks[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeStore) RemoveGrabLog(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.grabLogs, id)
	return nil
}

func (f *fakeStore) RemoveDeliveryTask(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}

type fixture struct {
	st   *fakeStore
	kv   *kvcache.Client
	busm *bus.Manager
	opts Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	kv := kvcache.NewWithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })

	pools, err := worker.NewPools(ctx, worker.PoolConfig{GeneralPoolSize: 20, BusPoolSize: 10})
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)

	endpoints := config.EndpointConfig{
		E1: "inproc://vehicle-orders",
		E2: "inproc://order-update",
		E3: "inproc://order-log-task",
	}
	busm := bus.NewManager(ctx, config.BusConfig{
		Endpoint:      endpoints,
		MaxQueueSize:  1000,
		SendTimeoutMs: 100,
		BatchSize:     50,
	}, pools.Bus)
	t.Cleanup(busm.CloseAll)

	return &fixture{
		st:   newFakeStore(),
		kv:   kv,
		busm: busm,
		opts: Options{
			Endpoints: endpoints,
			LockTTL:   time.Second,
			CacheTTL:  30 * time.Minute,
		},
	}
}

func (fx *fixture) startClient(t *testing.T, id int64, supportedTypes string) *Client {
	t.Helper()
	fx.st.addVehicle(store.Vehicle{
		ID:             id,
		UvCode:         fmt.Sprintf("UV-%d", id),
		SupportedTypes: supportedTypes,
	})
	c := NewClient(id, fx.st, fx.kv, fx.busm, fx.opts)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c
}

func (fx *fixture) publishCandidate(t *testing.T, o store.Order) {
	t.Helper()
	pub, err := fx.busm.AcquirePublisher(fx.opts.Endpoints.E1)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]map[string]interface{}{
		strconv.FormatInt(o.ID, 10): {
			"订单编号": o.OrderNo,
			"订单类型": o.OrderType,
			"奖励金额": o.Reward.InexactFloat64(),
		},
	})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(bus.NewHeadersMessage(TopicVehicleOrders, map[string]string{
		"type":    strconv.Itoa(o.OrderTypeCode),
		"channel": ChannelVehicleOrders,
	}, body)))
}

// Three vehicles race one order: exactly one wins, the order version
// advances once, and finalization leaves one grab log and one
// delivery task. All candidate caches drain.
func TestClaimRace_SingleWinner(t *testing.T) {
	fx := newFixture(t)
	fx.st.addOrder(store.Order{
		ID: 1001, OrderNo: "UV-1001", Status: store.OrderStatusPending,
		Version: 1, OrderTypeCode: 701, Reward: decimal.NewFromFloat(15),
	})

	ids := []int64{10, 20, 30}
	for _, id := range ids {
		fx.startClient(t, id, "701")
	}
	fx.publishCandidate(t, fx.st.order(1001))

	require.Eventually(t, func() bool {
		o := fx.st.order(1001)
		if o.Status != store.OrderStatusClaimed {
			return false
		}
		g, d := fx.st.counts()
		return g == 1 && d == 1
	}, 5*time.Second, 20*time.Millisecond)

	o := fx.st.order(1001)
	assert.Equal(t, 2, o.Version)
	require.True(t, o.UvID.Valid)
	assert.Contains(t, ids, o.UvID.Int64)

	// Winner evicts on claim; losers evict on the update broadcast.
	require.Eventually(t, func() bool {
		for _, id := range ids {
			entries, err := fx.kv.HGetAll(context.Background(), fmt.Sprintf("vehicle_orders:%d", id))
			if err != nil || len(entries) != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

// An order whose type code is outside the vehicle's capability filter
// never reaches its cache.
func TestCapabilityFilter_NonMatchingType(t *testing.T) {
	fx := newFixture(t)
	fx.st.addOrder(store.Order{
		ID: 1002, OrderNo: "UV-1002", Status: store.OrderStatusPending,
		Version: 1, OrderTypeCode: 601,
	})
	fx.startClient(t, 40, "701")

	fx.publishCandidate(t, fx.st.order(1002))

	time.Sleep(500 * time.Millisecond)
	entries, err := fx.kv.HGetAll(context.Background(), "vehicle_orders:40")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, store.OrderStatusPending, fx.st.order(1002).Status)
}

// A failed delivery-task insert rolls the order back to pending with
// version zero, removes the grab log, and re-publishes the order id
// on the retry channel.
func TestFinalize_CompensatesOnTaskInsertFailure(t *testing.T) {
	fx := newFixture(t)
	fx.st.addOrder(store.Order{
		ID: 1003, OrderNo: "UV-1003", Status: store.OrderStatusClaimed,
		Version: 6, OrderTypeCode: 101,
		UvID: sql.NullInt64{Int64: 50, Valid: true},
	})
	fx.st.failTaskInserts = 1

	var retryBodies []string
	var retryMu sync.Mutex
	observer := fx.busm.AcquireSubscriber(fx.opts.Endpoints.E2)
	observer.Subscribe(nil, func(_ context.Context, m *bus.Message) {
		if m.Topic == TopicOrderRetry {
			retryMu.Lock()
			retryBodies = append(retryBodies, string(m.Body))
			retryMu.Unlock()
		}
	}, bus.Fanout)

	c := NewClient(50, fx.st, fx.kv, fx.busm, fx.opts)
	ctx := context.Background()
	var err error
	c.pubUpdates, err = fx.busm.AcquirePublisher(fx.opts.Endpoints.E2)
	require.NoError(t, err)
	c.pubTasks, err = fx.busm.AcquirePublisher(fx.opts.Endpoints.E3)
	require.NoError(t, err)
	require.NoError(t, c.machine.Event(ctx, "start"))
	require.NoError(t, c.machine.Event(ctx, "run"))

	body, _ := json.Marshal(finalizePayload{
		OrderID: "1003", UvID: 50, ResponseTimeMs: 12,
		OrderTypeCode: 101, OrderReward: 8.8,
	})
	c.handleFinalize(ctx, bus.NewMessage(bus.Direct, TopicOrderLogTask, body))

	o := fx.st.order(1003)
	assert.Equal(t, store.OrderStatusPending, o.Status)
	assert.Equal(t, 0, o.Version)
	assert.False(t, o.UvID.Valid)
	g, d := fx.st.counts()
	assert.Zero(t, g, "orphan grab log after compensation")
	assert.Zero(t, d, "delivery task after failed insert")

	require.Eventually(t, func() bool {
		retryMu.Lock()
		defer retryMu.Unlock()
		return len(retryBodies) == 1 && retryBodies[0] == "1003"
	}, 2*time.Second, 20*time.Millisecond)
}

// The finalization task fans out to every client, but only the one
// whose uv_id matches persists anything.
func TestFinalize_IgnoresOtherVehicles(t *testing.T) {
	fx := newFixture(t)
	fx.st.addOrder(store.Order{
		ID: 1004, Status: store.OrderStatusClaimed, Version: 2,
		OrderTypeCode: 101, UvID: sql.NullInt64{Int64: 99, Valid: true},
	})

	c := NewClient(60, fx.st, fx.kv, fx.busm, fx.opts)
	ctx := context.Background()
	require.NoError(t, c.machine.Event(ctx, "start"))
	require.NoError(t, c.machine.Event(ctx, "run"))

	body, _ := json.Marshal(finalizePayload{OrderID: "1004", UvID: 99})
	c.handleFinalize(ctx, bus.NewMessage(bus.Direct, TopicOrderLogTask, body))

	g, d := fx.st.counts()
	assert.Zero(t, g)
	assert.Zero(t, d)
}

// Every candidate write arms the cache hash with the configured TTL,
// on both the document path and the bare-id retry path.
func TestCandidateCache_CarriesTTL(t *testing.T) {
	fx := newFixture(t)
	c := NewClient(90, fx.st, fx.kv, fx.busm, fx.opts)
	ctx := context.Background()
	require.NoError(t, c.machine.Event(ctx, "start"))
	require.NoError(t, c.machine.Event(ctx, "run"))

	body, _ := json.Marshal(map[string]map[string]interface{}{
		"1005": {"订单编号": "UV-1005", "订单类型": "同城快递"},
	})
	c.handleCandidate(ctx, bus.NewHeadersMessage(TopicVehicleOrders, map[string]string{
		"type": "701", "channel": ChannelVehicleOrders,
	}, body))

	ttl, err := fx.kv.TTL(ctx, "vehicle_orders:90")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, fx.opts.CacheTTL)

	// Retry path: a bare order id write re-arms the expiry too.
	fx.st.addOrder(store.Order{
		ID: 1006, OrderNo: "UV-1006", Status: store.OrderStatusPending,
		Version: 1, OrderTypeCode: 701,
	})
	require.NoError(t, fx.kv.Del(ctx, "vehicle_orders:90"))
	c.handleCandidate(ctx, bus.NewMessage(bus.Direct, TopicOrderRetry, []byte("1006")))

	ttl, err = fx.kv.TTL(ctx, "vehicle_orders:90")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, fx.opts.CacheTTL)
}

// A claimed order announced on the update channel is evicted from the
// local candidate cache.
func TestOrderUpdate_EvictsClaimedOrder(t *testing.T) {
	fx := newFixture(t)
	fx.st.addOrder(store.Order{
		ID: 7, Status: store.OrderStatusClaimed, Version: 2,
		UvID: sql.NullInt64{Int64: 99, Valid: true},
	})

	c := NewClient(70, fx.st, fx.kv, fx.busm, fx.opts)
	ctx := context.Background()
	require.NoError(t, c.machine.Event(ctx, "start"))
	require.NoError(t, c.machine.Event(ctx, "run"))

	require.NoError(t, fx.kv.HSet(ctx, "vehicle_orders:70", "7", "{}"))
	c.handleOrderUpdate(ctx, bus.NewMessage(bus.Direct, TopicOrderUpdate, []byte("7")))

	entries, err := fx.kv.HGetAll(ctx, "vehicle_orders:70")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// Stop drops the candidate cache key and refuses further deliveries.
func TestClient_StopCleansCache(t *testing.T) {
	fx := newFixture(t)
	c := fx.startClient(t, 80, "701")
	ctx := context.Background()

	require.NoError(t, fx.kv.HSet(ctx, "vehicle_orders:80", "1", "{}"))
	c.Stop(ctx)

	assert.Equal(t, stateTerminated, c.State())
	entries, err := fx.kv.HGetAll(ctx, "vehicle_orders:80")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
