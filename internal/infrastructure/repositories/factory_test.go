package repositories

import (
	"context"
	"testing"

	"visiocall/internal/core/domain"
	"visiocall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRepositoryFactory_FallsBackWithoutRedis(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	factory, err := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer factory.Close()

	assert.Nil(t, factory.RedisClient())
	assert.Nil(t, factory.CreatePresenceFeed("i1"))
	assert.NoError(t, factory.HealthCheck(context.Background()))

	registry := factory.CreatePresenceRegistry()
	registry.Register("a1", "Alice", "c1")
	conn, ok := registry.LookupConnection(domain.UserID("a1"))
	require.True(t, ok)
	assert.Equal(t, domain.ConnectionID("c1"), conn)
}

func TestRepositoryFactory_MemoryOnlyByDefault(t *testing.T) {
	factory, err := NewRepositoryFactory(config.DefaultConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Nil(t, factory.RedisClient())
	assert.NoError(t, factory.Close())
}
