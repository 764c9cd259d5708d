package diag

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/broadcast"
	"fanout/internal/transport"
)

func mountReplica(t *testing.T) *Proxies {
	t.Helper()
	b := broadcast.New(transport.NewMemoryPubSub(),
		broadcast.WithWorkerID("w1"),
		broadcast.WithDefaultTimeout(2*time.Second),
	)
	proxies, err := Mount(b, "1.2.3", nil, zerolog.Nop(), broadcast.WithExpectedAnswers(1))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return proxies
}

func TestLogLevelRoundTrip(t *testing.T) {
	previous := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(previous) })
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	proxies := mountReplica(t)

	answers, err := proxies.GetLogLevel.Call(context.Background())
	require.NoError(t, err)
	require.Len(t, answers, 1)
	var report LevelReport
	require.NoError(t, answers[0].DecodeResult(&report))
	assert.Equal(t, LevelReport{Name: "root", Level: "info"}, report)

	answers, err = proxies.SetLogLevel.CallNamed(context.Background(), map[string]any{"level": "debug"})
	require.NoError(t, err)
	require.Len(t, answers, 1)
	require.NoError(t, answers[0].DecodeResult(&report))
	assert.Equal(t, "debug", report.Level)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestSetLogLevelRejectsUnknownLevel(t *testing.T) {
	previous := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(previous) })

	proxies := mountReplica(t)

	answers, err := proxies.SetLogLevel.CallNamed(context.Background(), map[string]any{"level": "shouting"})
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.True(t, answers[0].Failed())
	assert.Contains(t, answers[0].Error, "unknown log level")
	assert.Equal(t, previous, zerolog.GlobalLevel(), "a bad request must not change the level")
}

func TestInfoReportsProcessIdentity(t *testing.T) {
	proxies := mountReplica(t)

	answers, err := proxies.Info.Call(context.Background())
	require.NoError(t, err)
	require.Len(t, answers, 1)

	var info ProcessInfo
	require.NoError(t, answers[0].DecodeResult(&info))
	hostname, _ := os.Hostname()
	assert.Equal(t, hostname, info.Hostname)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "1.2.3", info.Version)
	assert.GreaterOrEqual(t, info.UptimeSeconds, 0.0)
	assert.Empty(t, info.PeerID, "no peer source mounted")
}
