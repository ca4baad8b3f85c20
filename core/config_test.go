package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	c, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, 10, c.MaxConcurrency)
	assert.Equal(t, 3600*time.Second, c.WorkflowTimeout)
	assert.Equal(t, BackendRedis, c.StateStore)
}

func TestNewConfigOptionsOverrideDefaults(t *testing.T) {
	c, err := NewConfig(WithMaxConcurrency(5), WithStateStoreBackend(BackendEmbedded), WithSQLitePath("/tmp/x.db"))
	require.NoError(t, err)
	assert.Equal(t, 5, c.MaxConcurrency)
	assert.Equal(t, BackendEmbedded, c.StateStore)
	assert.Equal(t, "/tmp/x.db", c.SQLitePath)
}

func TestNewConfigEnvOverridesDefaultsButNotOptions(t *testing.T) {
	t.Setenv("ENGINE_MAX_CONCURRENCY", "7")
	c, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, c.MaxConcurrency)

	c2, err := NewConfig(WithMaxConcurrency(3))
	require.NoError(t, err)
	assert.Equal(t, 3, c2.MaxConcurrency, "explicit option wins over env")
}

func TestNewConfigRejectsInvalidMaxConcurrency(t *testing.T) {
	_, err := NewConfig(WithMaxConcurrency(0))
	assert.Error(t, err)
}

func TestNewConfigRejectsUnknownStateStoreBackend(t *testing.T) {
	_, err := NewConfig(WithStateStoreBackend("bogus"))
	assert.Error(t, err)
}

func TestNewConfigRejectsInvalidCheckpointRetention(t *testing.T) {
	_, err := NewConfig(WithCheckpointRetention(0))
	assert.Error(t, err)
}
