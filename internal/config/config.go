// Package config loads replica configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	TransportMemory = "memory"
	TransportGossip = "gossip"
)

type Config struct {
	// Transport selects the broker backing the broadcast core: "gossip"
	// for a real deployment, "memory" for a single replica without one.
	Transport string `env:"FANOUT_TRANSPORT" envDefault:"memory"`

	// Prefix namespaces every topic so deployments can share a broker.
	Prefix string `env:"FANOUT_BROADCAST_PREFIX" envDefault:"fanout."`

	// Timeout is the default aggregation window for broadcast calls.
	Timeout time.Duration `env:"FANOUT_BROADCAST_TIMEOUT" envDefault:"10s"`

	Version string `env:"FANOUT_VERSION" envDefault:"dev"`

	Log    Log    `envPrefix:"FANOUT_LOG_"`
	Gossip Gossip `envPrefix:"FANOUT_GOSSIP_"`
}

type Log struct {
	Level   string `env:"LEVEL" envDefault:"info"`
	Console bool   `env:"CONSOLE" envDefault:"false"`
}

type Gossip struct {
	ListenAddrs     []string `env:"LISTEN" envSeparator:","`
	Bootstrap       []string `env:"BOOTSTRAP" envSeparator:","`
	Rendezvous      string   `env:"RENDEZVOUS" envDefault:"fanout"`
	MDNS            bool     `env:"MDNS" envDefault:"true"`
	IdentityKeyFile string   `env:"IDENTITY_KEY"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Transport != TransportMemory && cfg.Transport != TransportGossip {
		return Config{}, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	return cfg, nil
}
