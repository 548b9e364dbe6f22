// Package deadletter preserves bus messages that aged out of their
// processing window: an observer tails every configured endpoint
// through fanout subscriptions and records expired frames in the KV
// store; an archiver later moves aging records to disk.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/bus"
	"uvexchange.io/uvx/internal/config"
	"uvexchange.io/uvx/internal/kvcache"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/pkg/metrics"
)

const (
	keyPrefix    = "deadletter:"
	recordTTL    = 24 * time.Hour
	maxDataBytes = 1 << 20
)

// Observer records expired messages. It never consumes them; fanout
// registrations see every frame regardless of exchange discipline.
type Observer struct {
	kv     *kvcache.Client
	busm   *bus.Manager
	expire time.Duration
	subs   []*bus.Subscription
}

// NewObserver creates an observer with the configured age threshold.
func NewObserver(kv *kvcache.Client, busm *bus.Manager, cfg config.DeadLetterConfig) *Observer {
	return &Observer{kv: kv, busm: busm, expire: cfg.Expire()}
}

// Watch attaches a fanout tail to each endpoint.
func (o *Observer) Watch(endpoints ...string) {
	for _, ep := range endpoints {
		sub := o.busm.AcquireSubscriber(ep)
		o.subs = append(o.subs, sub.Subscribe(nil, o.observe, bus.Fanout))
		logger.Info("dead-letter observer attached", zap.String("endpoint", ep))
	}
}

// Stop detaches the observer from all endpoints.
func (o *Observer) Stop() {
	for _, s := range o.subs {
		s.Cancel()
	}
	o.subs = nil
}

func (o *Observer) observe(ctx context.Context, msg *bus.Message) {
	age := time.Since(msg.Timestamp)
	if age <= o.expire {
		return
	}

	data := msg.Body
	if len(data) > maxDataBytes {
		data = data[:maxDataBytes]
	}
	key := keyPrefix + msg.ID
	err := o.kv.HMSet(ctx, key, map[string]interface{}{
		"timestamp": msg.Timestamp.Unix(),
		"msg_id":    msg.ID,
		"data":      string(data),
	}, recordTTL)
	if err != nil {
		logger.Warn("dead-letter record write failed",
			zap.String("msg_id", msg.ID), zap.Error(err))
		return
	}

	metrics.DeadLettersTotal.WithLabelValues("detected").Inc()
	logger.Warn("expired message dead-lettered",
		zap.String("msg_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Duration("age", age),
	)
}

// recordKey is exposed for the archiver's file naming.
func recordFileName(day time.Time, key string) string {
	return fmt.Sprintf("%s_%s.json", day.Format("20060102"), key)
}
