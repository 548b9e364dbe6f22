package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/pkg/metrics"
)

// ClaimOrder attempts the optimistic claim: exactly one vehicle may
// move the order from pending to claimed at a given version. The
// statement is a compare-and-set on (id, version); zero affected rows
// means another vehicle won or the order is gone, reported as
// ClaimLost.
func (s *Store) ClaimOrder(ctx context.Context, orderID, uvID int64, version int) error {
	affected, err := s.ExecUpdate(ctx,
		`UPDATE orders SET status = $1, uv_id = $2, version = $3, updated_at = $4
		 WHERE id = $5 AND version = $6 AND status = $7 AND is_delete = 0`,
		OrderStatusClaimed, uvID, version+1, time.Now(),
		orderID, version, OrderStatusPending)
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		return err
	}
	if affected == 0 {
		metrics.ClaimsTotal.WithLabelValues("lost").Inc()
		return apperrors.ClaimLost(orderID)
	}
	metrics.ClaimsTotal.WithLabelValues("won").Inc()
	return nil
}

// ResetOrderForRetry is the compensation path: the order returns to
// the pending pool with version zeroed, so the next dispatch sweep
// republishes it and any stale claim attempt against the old version
// fails its compare-and-set.
func (s *Store) ResetOrderForRetry(ctx context.Context, orderID int64) error {
	affected, err := s.ExecUpdate(ctx,
		`UPDATE orders SET status = $1, version = 0, uv_id = NULL, updated_at = $2
		 WHERE id = $3 AND status = $4 AND is_delete = 0`,
		OrderStatusPending, time.Now(), orderID, OrderStatusClaimed)
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("no claimed order to reset")
	}
	logger.Warn("order reset for retry", zap.Int64("order_id", orderID))
	return nil
}

// OrderByID fetches one live order.
func (s *Store) OrderByID(ctx context.Context, id int64) (*Order, error) {
	return QueryByID[Order](ctx, s, id)
}

// VehicleByID fetches one live vehicle.
func (s *Store) VehicleByID(ctx context.Context, id int64) (*Vehicle, error) {
	return QueryByID[Vehicle](ctx, s, id)
}

// PendingOrderPage returns one page of pending orders, newest first.
// This is the dispatch sweep's read path.
func (s *Store) PendingOrderPage(ctx context.Context, page, pageSize int) (*Page[Order], error) {
	return QueryPage[Order](ctx, s, QuerySpec{
		Conditions: map[string]interface{}{"status": OrderStatusPending},
		OrderBy:    "created_at DESC",
	}, page, pageSize)
}

// ActiveVehicles returns all live, non-maintenance vehicles.
func (s *Store) ActiveVehicles(ctx context.Context) ([]Vehicle, error) {
	return QueryAdvanced[Vehicle](ctx, s, QuerySpec{
		Ins:     map[string][]interface{}{"status": {VehicleStatusIdle, VehicleStatusBusy}},
		OrderBy: "id",
	})
}

// InsertGrabLog records the audit row of a winning claim.
func (s *Store) InsertGrabLog(ctx context.Context, g *GrabLog) (int64, error) {
	return Insert(ctx, s, g)
}

// InsertDeliveryTask creates the work item of a finalized claim.
func (s *Store) InsertDeliveryTask(ctx context.Context, d *DeliveryTask) (int64, error) {
	return Insert(ctx, s, d)
}

// RemoveGrabLog soft-deletes a grab log during compensation.
func (s *Store) RemoveGrabLog(ctx context.Context, id int64) error {
	return Remove[GrabLog](ctx, s, id)
}

// RemoveDeliveryTask soft-deletes a delivery task during compensation.
func (s *Store) RemoveDeliveryTask(ctx context.Context, id int64) error {
	return Remove[DeliveryTask](ctx, s, id)
}

// InsertOrders bulk-inserts producer batches.
func (s *Store) InsertOrders(ctx context.Context, orders []*Order) ([]int64, error) {
	return BulkInsert(ctx, s, orders)
}

// InsertVehicles bulk-inserts producer batches.
func (s *Store) InsertVehicles(ctx context.Context, vehicles []*Vehicle) ([]int64, error) {
	return BulkInsert(ctx, s, vehicles)
}

// CountVehicles returns the number of live vehicle rows.
func (s *Store) CountVehicles(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM u_vehicles WHERE is_delete = 0"); err != nil {
		return 0, wrapDBError(err, "count vehicles")
	}
	return n, nil
}
