package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10000, cfg.Bus.MaxQueueSize)
	assert.Equal(t, 200, cfg.Bus.SendTimeoutMs)
	assert.Equal(t, 50, cfg.Bus.BatchSize)
	assert.Equal(t, 1000, cfg.Claim.LockTTLMs)
	assert.Equal(t, 1800, cfg.Cache.OrderTTLSec)
	assert.Equal(t, 300, cfg.DeadLetter.ExpireSec)
	assert.Equal(t, "/var/deadletter/", cfg.DeadLetter.ArchiveDir)
	assert.Equal(t, 3, cfg.Partition.LookaheadMonths)
	assert.Equal(t, "inproc://vehicle-orders", cfg.Bus.Endpoint.E1)
	assert.Equal(t, "inproc://order-update", cfg.Bus.Endpoint.E2)
	assert.Equal(t, "inproc://order-log-task", cfg.Bus.Endpoint.E3)
}

func TestDBConfig_DSN(t *testing.T) {
	c := DBConfig{Host: "db", Port: 5432, User: "uvx", Password: "pw", Database: "uvx"}
	assert.Equal(t, "postgres://uvx:pw@db:5432/uvx?sslmode=disable", c.DSN())

	c.ConnStr = "postgres://explicit"
	assert.Equal(t, "postgres://explicit", c.DSN())
}

func TestKVConfig_Addr(t *testing.T) {
	c := KVConfig{Host: "redis", Port: 6380}
	assert.Equal(t, "redis:6380", c.Addr())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue size", func(c *Config) { c.Bus.MaxQueueSize = 0 }},
		{"zero send timeout", func(c *Config) { c.Bus.SendTimeoutMs = 0 }},
		{"zero batch size", func(c *Config) { c.Bus.BatchSize = 0 }},
		{"zero lock ttl", func(c *Config) { c.Claim.LockTTLMs = 0 }},
		{"zero order ttl", func(c *Config) { c.Cache.OrderTTLSec = 0 }},
		{"zero deadletter expire", func(c *Config) { c.DeadLetter.ExpireSec = 0 }},
		{"zero lookahead", func(c *Config) { c.Partition.LookaheadMonths = 0 }},
		{"missing endpoint", func(c *Config) { c.Bus.Endpoint.E2 = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.CodeBadConfig))
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "200ms", cfg.Bus.SendTimeout().String())
	assert.Equal(t, "1s", cfg.Claim.LockTTL().String())
	assert.Equal(t, "30m0s", cfg.Cache.OrderTTL().String())
	assert.Equal(t, "5m0s", cfg.DeadLetter.Expire().String())
}
