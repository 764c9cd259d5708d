package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, TransportMemory, cfg.Transport)
	assert.Equal(t, "fanout.", cfg.Prefix)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "fanout", cfg.Gossip.Rendezvous)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FANOUT_TRANSPORT", "gossip")
	t.Setenv("FANOUT_BROADCAST_TIMEOUT", "3s")
	t.Setenv("FANOUT_GOSSIP_LISTEN", "/ip4/0.0.0.0/tcp/4001,/ip4/0.0.0.0/tcp/4002")
	t.Setenv("FANOUT_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, TransportGossip, cfg.Transport)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/4001", "/ip4/0.0.0.0/tcp/4002"}, cfg.Gossip.ListenAddrs)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	t.Setenv("FANOUT_TRANSPORT", "carrier-pigeon")
	_, err := Load()
	require.Error(t, err)
}
