package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, cfg.ElectionTimeoutMin)
	assert.Equal(t, 5*time.Second, cfg.ElectionTimeoutMax)
	assert.Equal(t, 500*time.Millisecond, cfg.RPCTimeout)
	assert.NotNil(t, cfg.Rand)
	assert.NotNil(t, cfg.Clock)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Peers)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.ID = "n1"
		cfg.Peers = map[NodeID]NodeAddress{"n1": "localhost:5001", "n2": "localhost:5002"}
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty id", func(c *Config) { c.ID = "" }, "node id is empty"},
		{"self missing from directory", func(c *Config) { c.ID = "n9" }, "missing from the peer directory"},
		{"incomplete peer", func(c *Config) { c.Peers["n3"] = "" }, "incomplete"},
		{"non-positive heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, "heartbeat interval"},
		{"non-positive timeout", func(c *Config) { c.ElectionTimeoutMin = -time.Second }, "minimum election timeout"},
		{"inverted timeout range", func(c *Config) { c.ElectionTimeoutMin = 6 * time.Second }, "exceeds maximum"},
		{"non-positive rpc timeout", func(c *Config) { c.RPCTimeout = 0 }, "rpc timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("reports every problem", func(t *testing.T) {
		err := Config{}.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "node id is empty")
		assert.Contains(t, err.Error(), "heartbeat interval")
		assert.Contains(t, err.Error(), "rpc timeout")
	})
}

func TestConfig_Quorum(t *testing.T) {
	for size, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		assert.Equal(t, want, quorum(size), "cluster of %d", size)
	}

	cfg := DefaultConfig()
	cfg.ID = "b"
	cfg.Peers = map[NodeID]NodeAddress{"c": "c:1", "a": "a:1", "b": "b:1"}
	assert.Equal(t, 3, cfg.ClusterSize())
	assert.Equal(t, 2, cfg.Quorum())
	assert.Equal(t, []NodeID{"a", "c"}, cfg.OtherPeers())
}

func TestParsePeers(t *testing.T) {
	t.Run("parses a directory", func(t *testing.T) {
		peers, err := ParsePeers("n1=localhost:5001, n2=localhost:5002")
		require.NoError(t, err)
		assert.Equal(t, map[NodeID]NodeAddress{"n1": "localhost:5001", "n2": "localhost:5002"}, peers)
	})

	t.Run("empty string is an empty directory", func(t *testing.T) {
		peers, err := ParsePeers("  ")
		require.NoError(t, err)
		assert.Empty(t, peers)
	})

	t.Run("rejects malformed entries", func(t *testing.T) {
		for _, in := range []string{"n1", "n1=", "=localhost:5001", "n1=a:1,n1=b:2"} {
			_, err := ParsePeers(in)
			assert.Error(t, err, in)
		}
	})
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{ID: "n1"}.withDefaults()

	assert.NotNil(t, cfg.Rand)
	assert.NotNil(t, cfg.Clock)
	assert.NotNil(t, cfg.Logger)
	assert.IsType(t, nopMetrics{}, cfg.Metrics)
}
