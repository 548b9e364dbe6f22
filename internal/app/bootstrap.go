// Package app is the composition root: bootstrap wires the store, KV
// cache, bus fabric, scheduler and pipeline components; lifecycle
// starts and stops them in dependency order.
package app

import (
	"context"
	"fmt"

	"uvexchange.io/uvx/internal/bus"
	"uvexchange.io/uvx/internal/config"
	"uvexchange.io/uvx/internal/deadletter"
	"uvexchange.io/uvx/internal/dispatch"
	"uvexchange.io/uvx/internal/kvcache"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/pkg/worker"
	"uvexchange.io/uvx/internal/producer"
	"uvexchange.io/uvx/internal/scheduler"
	"uvexchange.io/uvx/internal/store"
	"uvexchange.io/uvx/internal/vehicle"
)

// Task names registered with the scheduler.
const (
	taskDispatchSweep    = "dispatch-sweep"
	taskDeadLetter       = "dead-letter-archive"
	taskPartitions       = "partition-maintenance"
	taskOrderProducer    = "order-producer"
	taskVehicleProducer  = "vehicle-producer"
	grabLogTable         = "grab_logs"
	grabLogCommentPrefix = "grab log archive"
)

// Application holds the composed dependency graph.
type Application struct {
	Config     *config.Config
	Store      *store.Store
	KV         *kvcache.Client
	Bus        *bus.Manager
	Pools      *worker.Pools
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatch.Dispatcher
	Registry   *vehicle.Registry
	Observer   *deadletter.Observer
	Archiver   *deadletter.Archiver
	Producer   *producer.Producer
}

// Bootstrap initializes all dependencies with manual wiring.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		BusPoolSize:     cfg.Worker.BusPoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	st, err := store.New(ctx, cfg.DB)
	if err != nil {
		pools.Shutdown()
		return nil, fmt.Errorf("init store: %w", err)
	}
	if cfg.DB.AutoMigrate {
		if err := st.AutoMigrate(ctx, cfg.Partition.LookaheadMonths); err != nil {
			st.Close()
			pools.Shutdown()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	kv, err := kvcache.New(ctx, cfg.KV)
	if err != nil {
		st.Close()
		pools.Shutdown()
		return nil, fmt.Errorf("init kv cache: %w", err)
	}

	busm := bus.NewManager(ctx, cfg.Bus, pools.Bus)

	orderPub, err := busm.AcquirePublisher(cfg.Bus.Endpoint.E1)
	if err != nil {
		busm.CloseAll()
		_ = kv.Close()
		st.Close()
		pools.Shutdown()
		return nil, fmt.Errorf("bind dispatch endpoint: %w", err)
	}
	geo := dispatch.NewGeocoder(cfg.Geocoder, kv)
	disp := dispatch.New(st, orderPub, geo)

	observer := deadletter.NewObserver(kv, busm, cfg.DeadLetter)
	observer.Watch(cfg.Bus.Endpoint.E1, cfg.Bus.Endpoint.E2, cfg.Bus.Endpoint.E3)

	app := &Application{
		Config:     cfg,
		Store:      st,
		KV:         kv,
		Bus:        busm,
		Pools:      pools,
		Scheduler:  scheduler.New(pools.General),
		Dispatcher: disp,
		Registry:   vehicle.NewRegistry(),
		Observer:   observer,
		Archiver:   deadletter.NewArchiver(kv, cfg.DeadLetter),
		Producer:   producer.New(st, cfg.Producer),
	}
	if err := app.registerTasks(); err != nil {
		app.Shutdown()
		return nil, err
	}
	return app, nil
}

func (a *Application) registerTasks() error {
	cfg := a.Config.Scheduler

	if err := a.Scheduler.Register(taskDispatchSweep, cfg.DispatchCron, func(ctx context.Context) {
		if err := a.Dispatcher.Sweep(ctx); err != nil {
			logger.Warn("dispatch sweep failed: " + err.Error())
		}
	}); err != nil {
		return err
	}

	if err := a.Scheduler.Register(taskDeadLetter, cfg.DeadLetterCron, func(ctx context.Context) {
		if _, err := a.Archiver.Run(ctx); err != nil {
			logger.Warn("dead-letter maintenance failed: " + err.Error())
		}
	}); err != nil {
		return err
	}

	if err := a.Scheduler.Register(taskPartitions, cfg.PartitionCron, func(ctx context.Context) {
		if _, err := a.Store.CreateNextMonthPartition(ctx, grabLogTable, grabLogCommentPrefix); err != nil {
			logger.Warn("partition maintenance failed: " + err.Error())
		}
	}); err != nil {
		return err
	}

	if !a.Config.Producer.Enabled {
		return nil
	}
	if err := a.Scheduler.Register(taskOrderProducer, cfg.OrderProducerCron, func(ctx context.Context) {
		if err := a.Producer.ProduceOrders(ctx); err != nil {
			logger.Warn("order producer failed: " + err.Error())
		}
	}); err != nil {
		return err
	}
	return a.Scheduler.Register(taskVehicleProducer, cfg.VehicleProduceCron, a.runVehicleProduction)
}

// runVehicleProduction produces one vehicle batch, then brings clients
// up for any vehicles that do not have one yet. The sync runs even
// when production fails, so vehicles inserted out of band still get a
// client on the next cycle.
func (a *Application) runVehicleProduction(ctx context.Context) {
	if err := a.Producer.ProduceVehicles(ctx); err != nil {
		logger.Warn("vehicle producer failed: " + err.Error())
	}
	if err := a.SyncVehicles(ctx); err != nil {
		logger.Warn("vehicle sync failed: " + err.Error())
	}
}
