package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/config"
)

func testDatabaseConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "ripple",
		Password: "ripple",
		Database: "ripple",
		SSLMode:  "disable",
	}
}

func TestPoolConfigAppliesBounds(t *testing.T) {
	cfg := testDatabaseConfig()
	cfg.MaxConns = 20
	cfg.MinConns = 4

	pc, err := poolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(20), pc.MaxConns)
	assert.Equal(t, int32(4), pc.MinConns)
	assert.Equal(t, "ripple", pc.ConnConfig.Database)
	assert.Equal(t, uint16(5432), pc.ConnConfig.Port)
}

func TestPoolConfigClampsMinToMax(t *testing.T) {
	cfg := testDatabaseConfig()
	cfg.MaxConns = 2
	cfg.MinConns = 8

	pc, err := poolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(2), pc.MinConns)
}

func TestPoolConfigRejectsBadDSN(t *testing.T) {
	cfg := testDatabaseConfig()
	cfg.Port = -1

	_, err := poolConfig(cfg)
	assert.Error(t, err)
}
