package vehicle

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/bus"
	apperrors "uvexchange.io/uvx/internal/pkg/errors"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/store"
)

const (
	claimPollInterval = 100 * time.Millisecond
	deepIdleWait      = 5 * time.Second
	deepIdleThreshold = 5
)

// finalizePayload drives the post-claim finalization on the task
// endpoint.
type finalizePayload struct {
	OrderID        string  `json:"order_id"`
	UvID           int64   `json:"uv_id"`
	ResponseTimeMs int64   `json:"response_time_ms"`
	OrderTypeCode  int     `json:"order_type_code"`
	OrderReward    float64 `json:"order_reward"`
}

// claimLoop drains the candidate cache and races the claim CAS for
// each entry. An empty cache backs off 100ms, deepening to a 5s
// condition wait after five idle rounds; candidate arrivals wake it
// early.
func (c *Client) claimLoop(ctx context.Context) {
	idle := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := c.kv.HGetAll(ctx, c.cacheKey())
		if err != nil {
			logger.Warn("candidate cache read failed",
				zap.Int64("uv_id", c.id), zap.Error(err))
			if !c.sleep(ctx, claimPollInterval) {
				return
			}
			continue
		}

		if len(entries) == 0 {
			idle++
			if idle >= deepIdleThreshold {
				idle = 0
				select {
				case <-ctx.Done():
					return
				case <-c.wake:
				case <-time.After(deepIdleWait):
				}
			} else if !c.sleep(ctx, claimPollInterval) {
				return
			}
			continue
		}
		idle = 0

		for orderIDStr := range entries {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.tryClaim(ctx, orderIDStr)
		}

		if !c.sleep(ctx, claimPollInterval) {
			return
		}
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// tryClaim races one candidate: lock, re-read, CAS. A lost race
// leaves the cache entry in place; the winner's update broadcast will
// evict it.
func (c *Client) tryClaim(ctx context.Context, orderIDStr string) {
	orderID, err := strconv.ParseInt(orderIDStr, 10, 64)
	if err != nil {
		_ = c.kv.HDel(ctx, c.cacheKey(), orderIDStr)
		return
	}

	lock, err := c.kv.TryLock(ctx, "order_lock:"+orderIDStr, c.opts.LockTTL)
	if err != nil {
		// Contended or KV down; the entry stays for the next round.
		return
	}
	defer func() { _ = lock.Unlock(ctx) }()

	order, err := c.st.OrderByID(ctx, orderID)
	if err != nil || order.Status != store.OrderStatusPending {
		_ = c.kv.HDel(ctx, c.cacheKey(), orderIDStr)
		return
	}

	start := time.Now()
	if err := c.st.ClaimOrder(ctx, orderID, c.id, order.Version); err != nil {
		if apperrors.IsCode(err, apperrors.CodeClaimLost) {
			logger.Debug("claim lost",
				zap.Int64("uv_id", c.id), zap.Int64("order_id", orderID))
		} else {
			logger.Warn("claim attempt failed",
				zap.Int64("uv_id", c.id),
				zap.Int64("order_id", orderID),
				zap.Error(err),
			)
		}
		return
	}

	_ = c.kv.HDel(ctx, c.cacheKey(), orderIDStr)
	c.broadcastClaim(order, orderIDStr, time.Since(start))

	logger.Info("order claimed",
		zap.Int64("uv_id", c.id),
		zap.Int64("order_id", orderID),
		zap.Int("version", order.Version+1),
	)
}

// broadcastClaim tells the fleet to evict the order and hands the
// finalization work to the task endpoint.
func (c *Client) broadcastClaim(order *store.Order, orderIDStr string, elapsed time.Duration) {
	typeCode := strconv.Itoa(order.OrderTypeCode)

	update := bus.NewHeadersMessage(TopicOrderUpdate, map[string]string{
		"type": typeCode, "channel": ChannelUpdateOrders,
	}, []byte(orderIDStr))
	if err := c.pubUpdates.Publish(update); err != nil {
		logger.Warn("order update publish failed",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}

	body, _ := json.Marshal(finalizePayload{
		OrderID:        orderIDStr,
		UvID:           c.id,
		ResponseTimeMs: elapsed.Milliseconds(),
		OrderTypeCode:  order.OrderTypeCode,
		OrderReward:    order.Reward.InexactFloat64(),
	})
	task := bus.NewMessage(bus.Direct, TopicOrderLogTask, body)
	if err := c.pubTasks.Publish(task); err != nil {
		logger.Warn("finalization task publish failed",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}
}
