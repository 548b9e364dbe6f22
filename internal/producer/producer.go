// Package producer generates synthetic orders and vehicles on a
// schedule. The producers exercise the dispatch and claim pipeline
// under demo and test loads; they are not part of the correctness
// surface.
package producer

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/config"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/store"
)

// orderTypes maps type codes to display names. A vehicle's
// supported_types lists the codes it can serve.
var orderTypes = map[int]string{
	101: "同城快递",
	102: "餐饮外卖",
	201: "生鲜冷链",
	601: "大件货运",
	701: "无人机急送",
	702: "无人机医疗",
}

// modelSupportedTypes maps vehicle model to the type codes it may
// advertise.
var modelSupportedTypes = map[int][]int{
	store.VehicleModelGround: {101, 102, 201, 601},
	store.VehicleModelDrone:  {701, 702},
	store.VehicleModelRobot:  {101, 102},
}

// modelCapabilities maps vehicle model to the capability tags it may
// carry.
var modelCapabilities = map[int][]string{
	store.VehicleModelGround: {"保温箱", "冷藏箱", "大载重"},
	store.VehicleModelDrone:  {"防震", "冷藏箱", "夜航"},
	store.VehicleModelRobot:  {"保温箱", "防震"},
}

// Store is the slice of the order store the producers write through.
type Store interface {
	InsertOrders(ctx context.Context, orders []*store.Order) ([]int64, error)
	InsertVehicles(ctx context.Context, vehicles []*store.Vehicle) ([]int64, error)
	CountVehicles(ctx context.Context) (int64, error)
}

// Producer creates randomized orders and vehicles in batches.
type Producer struct {
	st  Store
	cfg config.ProducerConfig
	seq atomic.Int64
}

// New creates a producer with the configured batch sizes.
func New(st Store, cfg config.ProducerConfig) *Producer {
	return &Producer{st: st, cfg: cfg}
}

// randomPoint picks a WKT point in the metro area.
func randomPoint() string {
	lng := 121.2 + rand.Float64()*0.6
	lat := 31.0 + rand.Float64()*0.4
	return store.FormatPoint(lng, lat)
}

// ProduceOrders inserts one batch of pending orders.
func (p *Producer) ProduceOrders(ctx context.Context) error {
	batch := p.cfg.OrderBatch
	if batch <= 0 {
		batch = 20
	}
	maxReward := p.cfg.RewardMaxYuan
	if maxReward <= 0 {
		maxReward = 100
	}

	codes := lo.Keys(orderTypes)
	now := time.Now()
	orders := make([]*store.Order, 0, batch)
	for i := 0; i < batch; i++ {
		code := codes[rand.Intn(len(codes))]
		reward := decimal.NewFromFloat(rand.Float64() * float64(maxReward)).Round(2)
		orders = append(orders, &store.Order{
			OrderNo:       fmt.Sprintf("UV%s%06d", now.Format("20060102150405"), p.seq.Add(1)),
			MerchantID:    int64(1 + rand.Intn(500)),
			Reward:        reward,
			Distance:      500 + rand.Intn(9500),
			Pickup:        randomPoint(),
			Delivery:      randomPoint(),
			OrderType:     orderTypes[code],
			OrderTypeCode: code,
			Status:        store.OrderStatusPending,
			Version:       1,
			ExpireTime:    sql.NullTime{Time: now.Add(30 * time.Minute), Valid: true},
		})
	}

	ids, err := p.st.InsertOrders(ctx, orders)
	if err != nil {
		return err
	}
	logger.Info("order batch produced", zap.Int("count", len(ids)))
	return nil
}

// ProduceVehicles inserts one batch of vehicles until the fleet cap
// is reached.
func (p *Producer) ProduceVehicles(ctx context.Context) error {
	maxVehicles := p.cfg.MaxVehicles
	if maxVehicles <= 0 {
		maxVehicles = 50
	}
	existing, err := p.st.CountVehicles(ctx)
	if err != nil {
		return err
	}
	if existing >= int64(maxVehicles) {
		return nil
	}

	batch := p.cfg.VehicleBatch
	if batch <= 0 {
		batch = 5
	}
	if int64(batch) > int64(maxVehicles)-existing {
		batch = int(int64(maxVehicles) - existing)
	}

	models := lo.Keys(modelSupportedTypes)
	vehicles := make([]*store.Vehicle, 0, batch)
	for i := 0; i < batch; i++ {
		model := models[rand.Intn(len(models))]
		codes := modelSupportedTypes[model]
		supported := lo.Samples(codes, 1+rand.Intn(len(codes)))
		tags := modelCapabilities[model]
		caps := lo.Samples(tags, 1+rand.Intn(len(tags)))
		vehicles = append(vehicles, &store.Vehicle{
			UvCode:       fmt.Sprintf("UV-%d-%06d", model, p.seq.Add(1)),
			ModelType:    model,
			Status:       store.VehicleStatusIdle,
			Battery:      60 + rand.Intn(41),
			Capabilities: strings.Join(caps, ","),
			SupportedTypes: strings.Join(
				lo.Map(supported, func(c int, _ int) string { return fmt.Sprint(c) }), ","),
			Location: randomPoint(),
			Version:  1,
		})
	}

	ids, err := p.st.InsertVehicles(ctx, vehicles)
	if err != nil {
		return err
	}
	logger.Info("vehicle batch produced",
		zap.Int("count", len(ids)),
		zap.Int64("fleet_size", existing+int64(len(ids))),
	)
	return nil
}
