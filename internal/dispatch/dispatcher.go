// Package dispatch sweeps pending orders out of the store and onto
// the vehicle-orders stream as capability-routed bus messages.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/bus"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/pkg/metrics"
	"uvexchange.io/uvx/internal/store"
)

// OrderChannel is the topic and channel header of the dispatch stream.
const OrderChannel = "vehicle_orders"

const defaultPageSize = 100

// OrderSource is the slice of the store the dispatcher reads.
type OrderSource interface {
	PendingOrderPage(ctx context.Context, page, pageSize int) (*store.Page[store.Order], error)
}

// orderPayload is the per-order dispatch document. Field names follow
// the established wire contract consumed by vehicle clients.
type orderPayload struct {
	OrderNo   string  `json:"订单编号"`
	OrderType string  `json:"订单类型"`
	Pickup    string  `json:"取货地点"`
	Delivery  string  `json:"送货地点"`
	Published string  `json:"发布时间"`
	Reward    float64 `json:"奖励金额"`
	Distance  int     `json:"配送距离"`
	Remaining string  `json:"剩余时间"`
}

// Dispatcher republishes one page of pending orders per sweep, newest
// first, wrapping back to the first page when the pool is exhausted.
// Orders are grouped by type code so each bus message routes to the
// vehicles whose capability filter covers that type.
type Dispatcher struct {
	orders   OrderSource
	pub      *bus.Publisher
	geo      *Geocoder
	pageSize int

	mu   sync.Mutex
	page int
}

// New creates a dispatcher publishing to the given endpoint publisher.
func New(orders OrderSource, pub *bus.Publisher, geo *Geocoder) *Dispatcher {
	return &Dispatcher{
		orders:   orders,
		pub:      pub,
		geo:      geo,
		pageSize: defaultPageSize,
		page:     1,
	}
}

// Sweep publishes the current page of pending orders and advances the
// page cursor. An empty pool resets the cursor and publishes nothing.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	d.mu.Lock()
	page := d.page
	d.mu.Unlock()

	res, err := d.orders.PendingOrderPage(ctx, page, d.pageSize)
	if err != nil {
		return err
	}
	if len(res.Items) == 0 {
		d.mu.Lock()
		d.page = 1
		d.mu.Unlock()
		return nil
	}

	if err := d.publishOrders(ctx, res.Items); err != nil {
		return err
	}

	d.mu.Lock()
	d.page = page + 1
	if int64(d.page) > res.Pages {
		d.page = 1
	}
	d.mu.Unlock()

	logger.Debug("dispatch sweep completed",
		zap.Int("page", page),
		zap.Int("orders", len(res.Items)),
		zap.Int64("pending_total", res.Total),
	)
	return nil
}

// publishOrders emits one headers message per order, a single-entry
// document keyed by the stringified order id. The type header carries
// the order type code that vehicle capability filters match against.
func (d *Dispatcher) publishOrders(ctx context.Context, orders []store.Order) error {
	msgs := make([]*bus.Message, 0, len(orders))
	for i := range orders {
		o := &orders[i]
		body, err := json.Marshal(map[string]orderPayload{
			strconv.FormatInt(o.ID, 10): d.payloadFor(ctx, o),
		})
		if err != nil {
			return err
		}
		msgs = append(msgs, bus.NewHeadersMessage(OrderChannel, map[string]string{
			"type":    strconv.Itoa(o.OrderTypeCode),
			"channel": OrderChannel,
		}, body))
	}
	if err := d.pub.PublishBatch(msgs); err != nil {
		return err
	}
	metrics.OrdersDispatchedTotal.Add(float64(len(orders)))
	return nil
}

func (d *Dispatcher) payloadFor(ctx context.Context, o *store.Order) orderPayload {
	remaining := 0
	if o.ExpireTime.Valid {
		if s := int(time.Until(o.ExpireTime.Time).Seconds()); s > 0 {
			remaining = s
		}
	}
	return orderPayload{
		OrderNo:   o.OrderNo,
		OrderType: o.OrderType,
		Pickup:    d.geo.Address(ctx, o.Pickup),
		Delivery:  d.geo.Address(ctx, o.Delivery),
		Published: o.CreatedAt.Format("2006-01-02 15:04:05"),
		Reward:    o.Reward.InexactFloat64(),
		Distance:  o.Distance,
		Remaining: fmt.Sprintf("%d秒", remaining),
	}
}
