package vehicle

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/bus"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/pkg/metrics"
	"uvexchange.io/uvx/internal/store"
)

// handleFinalize persists the side effects of a won claim: one grab
// log and one delivery task. Every client receives the task message;
// only the one whose uv_id matches does the work.
//
// The two inserts are deliberately not one transaction: a failure of
// either triggers compensation, which rolls the order back into the
// pending pool and re-publishes it on the retry channel.
func (c *Client) handleFinalize(ctx context.Context, msg *bus.Message) {
	if !c.deliverable() {
		return
	}
	var p finalizePayload
	if err := json.Unmarshal(msg.Body, &p); err != nil {
		logger.Warn("finalization payload unparsable",
			zap.Int64("uv_id", c.id), zap.Error(err))
		return
	}
	if p.UvID != c.id {
		return
	}
	orderID, err := strconv.ParseInt(p.OrderID, 10, 64)
	if err != nil {
		logger.Warn("finalization order id unparsable",
			zap.String("order_id", p.OrderID))
		return
	}

	now := time.Now()
	grabLogID, err := c.st.InsertGrabLog(ctx, &store.GrabLog{
		OrderID:      orderID,
		UvID:         c.id,
		Status:       1,
		Result:       1,
		BidAmount:    decimal.NewFromFloat(p.OrderReward),
		ResponseTime: p.ResponseTimeMs,
	})
	if err != nil || grabLogID == 0 {
		logger.Error("grab log insert failed, compensating",
			zap.Int64("order_id", orderID), zap.Error(err))
		c.compensate(ctx, orderID, p.OrderTypeCode, grabLogID, 0)
		return
	}

	taskID, err := c.st.InsertDeliveryTask(ctx, &store.DeliveryTask{
		OrderID:   orderID,
		UvID:      c.id,
		Status:    1,
		StartTime: sql.NullTime{Time: now, Valid: true},
	})
	if err != nil || taskID == 0 {
		logger.Error("delivery task insert failed, compensating",
			zap.Int64("order_id", orderID), zap.Error(err))
		c.compensate(ctx, orderID, p.OrderTypeCode, grabLogID, taskID)
		return
	}

	metrics.FinalizationsTotal.WithLabelValues("completed").Inc()
	logger.Info("claim finalized",
		zap.Int64("order_id", orderID),
		zap.Int64("uv_id", c.id),
		zap.Int64("grab_log_id", grabLogID),
		zap.Int64("delivery_task_id", taskID),
	)
}

// compensate undoes a partial finalization: the order returns to the
// pending pool with a zeroed version, inserted rows are removed, and
// the order re-enters circulation on the retry channel.
func (c *Client) compensate(ctx context.Context, orderID int64, typeCode int, grabLogID, taskID int64) {
	if err := c.st.ResetOrderForRetry(ctx, orderID); err != nil {
		logger.Error("order reset failed during compensation",
			zap.Int64("order_id", orderID), zap.Error(err))
	}
	if grabLogID > 0 {
		if err := c.st.RemoveGrabLog(ctx, grabLogID); err != nil {
			logger.Warn("grab log removal failed during compensation",
				zap.Int64("grab_log_id", grabLogID), zap.Error(err))
		}
	}
	if taskID > 0 {
		if err := c.st.RemoveDeliveryTask(ctx, taskID); err != nil {
			logger.Warn("delivery task removal failed during compensation",
				zap.Int64("delivery_task_id", taskID), zap.Error(err))
		}
	}

	retry := bus.NewHeadersMessage(TopicOrderRetry, map[string]string{
		"type":    strconv.Itoa(typeCode),
		"channel": ChannelRetryOrders,
	}, []byte(strconv.FormatInt(orderID, 10)))
	if err := c.pubUpdates.Publish(retry); err != nil {
		logger.Error("retry publish failed, order stays pending for the next sweep",
			zap.Int64("order_id", orderID), zap.Error(err))
	}
	metrics.FinalizationsTotal.WithLabelValues("compensated").Inc()
}
