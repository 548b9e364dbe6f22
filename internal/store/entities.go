// Package store provides typed access to the orders, vehicles,
// grab-logs and delivery-tasks tables over a shared pgx connection
// pool, plus the optimistic claim update and grab-log partition
// maintenance.
//
// Entities are hand-written structs with a schema description (Meta)
// consumed by the generic CRUD helpers; row mapping is sqlx `db` tags.
package store

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Order status values.
const (
	OrderStatusPending    = 0
	OrderStatusClaimed    = 1
	OrderStatusDelivering = 2
	OrderStatusCompleted  = 3
	OrderStatusCanceled   = 4
)

// Vehicle model types.
const (
	VehicleModelGround = 1
	VehicleModelDrone  = 2
	VehicleModelRobot  = 3
)

// Vehicle status values.
const (
	VehicleStatusIdle        = 0
	VehicleStatusBusy        = 1
	VehicleStatusMaintenance = 2
)

// Meta is the schema description of an entity: table name plus the
// non-primary-key columns in canonical order. The CRUD generators
// consume this uniform description.
type Meta struct {
	Table   string
	Columns []string
}

// Entity is implemented by every persisted row type.
type Entity interface {
	Meta() Meta
	GetID() int64
	SetID(int64)
}

// Order is a merchant's delivery request. Mutated exclusively by the
// claim CAS and delivery state transitions.
type Order struct {
	ID            int64           `db:"id"`
	OrderNo       string          `db:"order_no"`
	MerchantID    int64           `db:"merchant_id"`
	Reward        decimal.Decimal `db:"reward"`
	Distance      int             `db:"distance"`
	Pickup        string          `db:"pickup"`   // WKT point
	Delivery      string          `db:"delivery"` // WKT point
	OrderType     string          `db:"order_type"`
	OrderTypeCode int             `db:"order_type_code"`
	Status        int             `db:"status"`
	Version       int             `db:"version"`
	UvID          sql.NullInt64   `db:"uv_id"`
	ExpireTime    sql.NullTime    `db:"expire_time"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
	IsDelete      int             `db:"is_delete"`
}

var orderMeta = Meta{
	Table: "orders",
	Columns: []string{
		"order_no", "merchant_id", "reward", "distance", "pickup", "delivery",
		"order_type", "order_type_code", "status", "version", "uv_id",
		"expire_time", "created_at", "updated_at", "is_delete",
	},
}

// Meta implements Entity.
func (o *Order) Meta() Meta { return orderMeta }

// GetID implements Entity.
func (o *Order) GetID() int64 { return o.ID }

// SetID implements Entity.
func (o *Order) SetID(id int64) { o.ID = id }

// Vehicle is a participating unmanned vehicle. SupportedTypes is the
// fundamental routing key of the dispatch exchange.
type Vehicle struct {
	ID             int64         `db:"id"`
	UvCode         string        `db:"uv_code"`
	ModelType      int           `db:"model_type"`
	Status         int           `db:"status"`
	Battery        int           `db:"battery"`
	Capabilities   string        `db:"capabilities"`    // comma-joined tags
	SupportedTypes string        `db:"supported_types"` // comma-joined order_type_codes
	Location       string        `db:"location"`        // WKT point
	Version        int           `db:"version"`
	HeartbeatTime  sql.NullTime  `db:"heartbeat_time"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
	IsDelete       int           `db:"is_delete"`
}

var vehicleMeta = Meta{
	Table: "u_vehicles",
	Columns: []string{
		"uv_code", "model_type", "status", "battery", "capabilities",
		"supported_types", "location", "version", "heartbeat_time",
		"created_at", "updated_at", "is_delete",
	},
}

// Meta implements Entity.
func (v *Vehicle) Meta() Meta { return vehicleMeta }

// GetID implements Entity.
func (v *Vehicle) GetID() int64 { return v.ID }

// SetID implements Entity.
func (v *Vehicle) SetID(id int64) { v.ID = id }

// GrabLog is the append-only audit record of a claim.
type GrabLog struct {
	ID           int64           `db:"id"`
	OrderID      int64           `db:"order_id"`
	UvID         int64           `db:"uv_id"`
	Status       int             `db:"status"`
	Result       int             `db:"result"`
	BidAmount    decimal.Decimal `db:"bid_amount"`
	ResponseTime int64           `db:"response_time"` // ms from decision to commit
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
	IsDelete     int             `db:"is_delete"`
}

var grabLogMeta = Meta{
	Table: "grab_logs",
	Columns: []string{
		"order_id", "uv_id", "status", "result", "bid_amount",
		"response_time", "created_at", "updated_at", "is_delete",
	},
}

// Meta implements Entity.
func (g *GrabLog) Meta() Meta { return grabLogMeta }

// GetID implements Entity.
func (g *GrabLog) GetID() int64 { return g.ID }

// SetID implements Entity.
func (g *GrabLog) SetID(id int64) { g.ID = id }

// DeliveryTask is the work item generated when a claim completes.
type DeliveryTask struct {
	ID             int64         `db:"id"`
	OrderID        int64         `db:"order_id"`
	UvID           int64         `db:"uv_id"`
	ActualDistance int           `db:"actual_distance"`
	StartTime      sql.NullTime  `db:"start_time"`
	EndTime        sql.NullTime  `db:"end_time"`
	Status         int           `db:"status"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
	IsDelete       int           `db:"is_delete"`
}

var deliveryTaskMeta = Meta{
	Table: "delivery_tasks",
	Columns: []string{
		"order_id", "uv_id", "actual_distance", "start_time", "end_time",
		"status", "created_at", "updated_at", "is_delete",
	},
}

// Meta implements Entity.
func (d *DeliveryTask) Meta() Meta { return deliveryTaskMeta }

// GetID implements Entity.
func (d *DeliveryTask) GetID() int64 { return d.ID }

// SetID implements Entity.
func (d *DeliveryTask) SetID(id int64) { d.ID = id }
