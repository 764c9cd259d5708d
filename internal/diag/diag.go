// Package diag provides the stock diagnostic broadcast operations: report
// and change the log level of every replica, and collect per-replica process
// information. These are the operations an operator hits through the service
// admin surface; each one fans out to all live replicas.
package diag

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"fanout/internal/broadcast"
)

const (
	channelGetLogLevel = "diag.get_log_level"
	channelSetLogLevel = "diag.set_log_level"
	channelInfo        = "diag.info"
)

// PeerSource exposes transport-level peer information when the bus has any,
// e.g. the gossip transport. May be nil.
type PeerSource interface {
	PeerID() string
	ConnectedPeers() []string
}

// LevelReport is one replica's view of its logging setup.
type LevelReport struct {
	Name  string `json:"name"`
	Level string `json:"level"`
}

// ProcessInfo describes one replica process.
type ProcessInfo struct {
	Hostname      string   `json:"hostname"`
	PID           int      `json:"pid"`
	UptimeSeconds float64  `json:"uptime_seconds"`
	Version       string   `json:"version"`
	PeerID        string   `json:"peer_id,omitempty"`
	Peers         []string `json:"peers,omitempty"`
}

// Proxies holds the decorated diagnostic operations.
type Proxies struct {
	GetLogLevel *broadcast.Proxy
	SetLogLevel *broadcast.Proxy
	Info        *broadcast.Proxy
}

type service struct {
	version string
	started time.Time
	peers   PeerSource
	log     zerolog.Logger
}

// Mount registers the diagnostic handlers on b and returns their proxies.
// It must run before b.Start. opts apply to every proxy, e.g. a shorter
// aggregation window or a known replica count.
func Mount(b *broadcast.Broadcaster, version string, peers PeerSource, log zerolog.Logger, opts ...broadcast.ProxyOption) (*Proxies, error) {
	s := &service{
		version: version,
		started: time.Now(),
		peers:   peers,
		log:     log.With().Str("component", "diag").Logger(),
	}

	var (
		p   Proxies
		err error
	)
	if p.GetLogLevel, err = b.Decorate(channelGetLogLevel, s.getLogLevel, true, opts...); err != nil {
		return nil, err
	}
	if p.SetLogLevel, err = b.Decorate(channelSetLogLevel, s.setLogLevel, true, opts...); err != nil {
		return nil, err
	}
	if p.Info, err = b.Decorate(channelInfo, s.info, true, opts...); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *service) getLogLevel(_ context.Context, call *broadcast.Call) (any, error) {
	name := loggerName(call)
	return LevelReport{Name: name, Level: zerolog.GlobalLevel().String()}, nil
}

func (s *service) setLogLevel(_ context.Context, call *broadcast.Call) (any, error) {
	var levelName string
	if err := call.Kwarg("level", &levelName); err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %q", levelName)
	}
	zerolog.SetGlobalLevel(level)
	s.log.Info().Str("level", level.String()).Msg("log level changed")
	return LevelReport{Name: loggerName(call), Level: level.String()}, nil
}

func (s *service) info(_ context.Context, _ *broadcast.Call) (any, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info := ProcessInfo{
		Hostname:      hostname,
		PID:           os.Getpid(),
		UptimeSeconds: time.Since(s.started).Seconds(),
		Version:       s.version,
	}
	if s.peers != nil {
		info.PeerID = s.peers.PeerID()
		info.Peers = s.peers.ConnectedPeers()
	}
	return info, nil
}

func loggerName(call *broadcast.Call) string {
	name := "root"
	if call.HasKwarg("name") {
		_ = call.Kwarg("name", &name)
	}
	return name
}
