package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/vehicle"
)

const schedulerStopWindow = 10 * time.Second

// Start spins up one vehicle client per live vehicle and begins
// scheduled work. Vehicles added later join through SyncVehicles on
// the next vehicle-producer cycle.
func (a *Application) Start(ctx context.Context) error {
	if err := a.SyncVehicles(ctx); err != nil {
		return err
	}
	a.Scheduler.Start(ctx)
	logger.Info("application started",
		zap.Int("vehicle_clients", a.Registry.Len()),
	)
	return nil
}

// SyncVehicles starts a client for every live vehicle that does not
// have one yet.
func (a *Application) SyncVehicles(ctx context.Context) error {
	vehicles, err := a.Store.ActiveVehicles(ctx)
	if err != nil {
		return err
	}
	opts := vehicle.Options{
		Endpoints: a.Config.Bus.Endpoint,
		LockTTL:   a.Config.Claim.LockTTL(),
		CacheTTL:  a.Config.Cache.OrderTTL(),
	}
	for i := range vehicles {
		v := &vehicles[i]
		if _, ok := a.Registry.Get(v.ID); ok {
			continue
		}
		c := vehicle.NewClient(v.ID, a.Store, a.KV, a.Bus, opts)
		if err := c.Start(ctx); err != nil {
			logger.Warn("vehicle client start failed",
				zap.Int64("uv_id", v.ID), zap.Error(err))
			continue
		}
		if prev := a.Registry.Add(c); prev != nil {
			prev.Stop(ctx)
		}
	}
	return nil
}

// Shutdown stops components in reverse dependency order: scheduled
// work first, then the vehicle actors, then the fabric, then the
// connections.
func (a *Application) Shutdown() {
	ctx := context.Background()

	if a.Scheduler != nil {
		a.Scheduler.Stop(schedulerStopWindow)
	}
	if a.Registry != nil {
		a.Registry.StopAll(ctx)
	}
	if a.Observer != nil {
		a.Observer.Stop()
	}
	if a.Bus != nil {
		a.Bus.CloseAll()
	}
	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.KV != nil {
		_ = a.KV.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
	logger.Info("application stopped")
}
