package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"NetTrafficSentinel/internal/config"
	"NetTrafficSentinel/internal/engine/capture"
	"NetTrafficSentinel/internal/engine/exclusion"
	"NetTrafficSentinel/internal/engine/protocol/protocoltest"
	"NetTrafficSentinel/internal/logging"
	"NetTrafficSentinel/internal/query"
	"NetTrafficSentinel/pkg/pcap"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.API.Enabled = false
	cfg.Capture.ExcludeIPv6Prefix = "fd00::/8"
	cfg.Writers = []config.WriterDef{
		{Type: "sqlite", Enabled: true, SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "traffic.db")}},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func writeCapture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	frames := [][]byte{
		protocoltest.Ethernet("192.0.2.1", "192.0.2.10", 100),
		protocoltest.Ethernet("2001:db8::1", "fd00::53", 100),
		protocoltest.Ethernet("192.0.2.1", "192.0.2.10", 100),
		protocoltest.ARP(),
	}
	for i, frame := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000+int64(i), 0),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		require.NoError(t, w.WritePacket(ci, frame))
	}
	return path
}

func timeline(t *testing.T, cfg *config.Config) []query.TimelinePoint {
	t.Helper()
	q, err := query.NewSQLiteQuerier(cfg.Writers[0].SQLite.Path)
	require.NoError(t, err)
	defer q.Close()
	points, err := q.Timeline(context.Background(), time.Unix(0, 0), time.Now().Add(time.Hour))
	require.NoError(t, err)
	return points
}

func TestRun_ReplayCommitsFinalSnapshot(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, pcap.FileOpener(writeCapture(t)), logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Run(ctx))

	stats := a.Capture().Stats()
	assert.Equal(t, uint64(4), stats.Seen)
	assert.Equal(t, uint64(2), stats.Counted)
	assert.Equal(t, uint64(1), stats.Excluded)
	assert.Equal(t, uint64(1), stats.Unparsed)
	assert.Equal(t, capture.StateStopped, a.Capture().State())

	points := timeline(t, cfg)
	require.Len(t, points, 1)
	assert.Equal(t, uint64(1), points[0].Flows)
	assert.Equal(t, uint64(2), points[0].Packets)
	assert.Zero(t, a.Aggregator().Len())
}

type idleSource struct{}

func (idleSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	time.Sleep(5 * time.Millisecond)
	return nil, gopacket.CaptureInfo{}, capture.ErrReadTimeout
}
func (idleSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (idleSource) Close() error              { return nil }

func TestRun_CancelFlushesEmptyEpoch(t *testing.T) {
	cfg := testConfig(t)
	opener := func(context.Context) (capture.Source, error) { return idleSource{}, nil }
	a, err := New(cfg, opener, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.Capture().State() == capture.StateRunning
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	points := timeline(t, cfg)
	require.Len(t, points, 1)
	assert.Zero(t, points[0].Flows)
}

func TestNew_InvalidExclusion(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.ExcludeIPv6Prefix = "not-a-prefix"
	_, err := New(cfg, pcap.FileOpener("unused.pcap"), logging.Discard())
	assert.ErrorIs(t, err, exclusion.ErrInvalidPrefix)
}
