package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/config"
	"uvexchange.io/uvx/internal/kvcache"
	"uvexchange.io/uvx/internal/pkg/logger"
)

// Resolved addresses are cached without expiry; the mapping from a
// point to its address is stable.
const addressCacheTTL = 0

// Geocoder resolves a stored location to a human-readable address for
// the dispatch payload. Lookups go through a circuit breaker and a KV
// cache; on any failure the raw location string is used instead, so
// dispatch never stalls on the geocoding dependency.
type Geocoder struct {
	cfg     config.GeocoderConfig
	kv      *kvcache.Client
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewGeocoder creates the resolver. kv may be nil, which disables
// caching.
func NewGeocoder(cfg config.GeocoderConfig, kv *kvcache.Client) *Geocoder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	var breaker *gobreaker.CircuitBreaker
	if cfg.BreakerOn {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "geocoder",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("geocoder breaker state change",
					zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
	}
	return &Geocoder{
		cfg:     cfg,
		kv:      kv,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// Address resolves a WKT point to an address, degrading to the raw
// point text when the service is unconfigured, broken or slow.
func (g *Geocoder) Address(ctx context.Context, point string) string {
	if g.cfg.BaseURL == "" {
		return point
	}
	if g.kv != nil {
		if addr, err := g.kv.Get(ctx, "point_address:"+point); err == nil {
			return addr
		}
	}

	lookup := func() (interface{}, error) { return g.fetch(ctx, point) }
	var (
		res interface{}
		err error
	)
	if g.breaker != nil {
		res, err = g.breaker.Execute(lookup)
	} else {
		res, err = lookup()
	}
	if err != nil {
		logger.Debug("geocoder lookup degraded",
			zap.String("point", point), zap.Error(err))
		return point
	}
	addr := res.(string)

	if g.kv != nil {
		_ = g.kv.Set(ctx, "point_address:"+point, addr, addressCacheTTL)
		_ = g.kv.Set(ctx, "geo:"+addr, point, addressCacheTTL)
	}
	return addr
}

func (g *Geocoder) fetch(ctx context.Context, point string) (string, error) {
	u := g.cfg.BaseURL + "?location=" + url.QueryEscape(point)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geocoder status %d", resp.StatusCode)
	}
	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Address == "" {
		return "", fmt.Errorf("geocoder returned empty address")
	}
	return body.Address, nil
}
