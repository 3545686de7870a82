package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_ConnectsAndPings(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := DefaultConnectionConfig()
	cfg.URL = "redis://" + mr.Addr()

	client, err := NewClient(cfg, logger)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, mr.Addr(), client.GetRedisClient().Options().Addr)
	assert.Equal(t, 20, client.GetRedisClient().Options().PoolSize)
}

func TestNewClient_InvalidURL(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := DefaultConnectionConfig()
	cfg.URL = "not-a-url"

	_, err := NewClient(cfg, logger)
	assert.Error(t, err)
}

func TestNewConnectionConfig(t *testing.T) {
	cfg := NewConnectionConfig("redis://cache:6379/2", 50, 10)
	assert.Equal(t, "redis://cache:6379/2", cfg.URL)
	assert.Equal(t, 50, cfg.PoolSize)
	assert.Equal(t, 10, cfg.MinIdleConns)

	cfg = NewConnectionConfig("redis://cache:6379", 0, -1)
	assert.Equal(t, DefaultConnectionConfig().PoolSize, cfg.PoolSize)
	assert.Equal(t, DefaultConnectionConfig().MinIdleConns, cfg.MinIdleConns)

	cfg = NewConnectionConfig("redis://cache:6379", 4, 8)
	assert.Equal(t, 4, cfg.MinIdleConns)
}

func TestNewClient_AppliesPoolSize(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	client, err := NewClient(NewConnectionConfig("redis://"+mr.Addr(), 7, 2), logger)
	require.NoError(t, err)
	defer client.Close()

	opts := client.GetRedisClient().Options()
	assert.Equal(t, 7, opts.PoolSize)
	assert.Equal(t, 2, opts.MinIdleConns)
}
