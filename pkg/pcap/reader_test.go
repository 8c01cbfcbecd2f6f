package pcap

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"NetTrafficSentinel/internal/engine/aggregator"
	"NetTrafficSentinel/internal/engine/capture"
	"NetTrafficSentinel/internal/engine/exclusion"
	"NetTrafficSentinel/internal/engine/protocol/protocoltest"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFrames = [][]byte{
	protocoltest.Ethernet("192.0.2.1", "192.0.2.10", 100),
	protocoltest.Ethernet("192.0.2.1", "192.0.2.10", 100),
	protocoltest.Ethernet("2001:db8::1", "fd00::53", 100),
	protocoltest.ARP(),
}

func ci(i int, data []byte) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     time.Unix(1700000000+int64(i), 0),
		CaptureLength: len(data),
		Length:        len(data),
	}
}

func writePcap(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i, frame := range testFrames {
		require.NoError(t, w.WritePacket(ci(i, frame), frame))
	}
	return path
}

func writePcapng(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pcapng")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for i, frame := range testFrames {
		require.NoError(t, w.WritePacket(ci(i, frame), frame))
	}
	require.NoError(t, w.Flush())
	return path
}

func TestReader_ReadPackets(t *testing.T) {
	for name, path := range map[string]string{"pcap": writePcap(t), "pcapng": writePcapng(t)} {
		t.Run(name, func(t *testing.T) {
			reader, err := NewReader(path)
			require.NoError(t, err)
			defer reader.Close()

			assert.Equal(t, layers.LinkTypeEthernet, reader.LinkType())

			count := 0
			for {
				data, info, err := reader.ReadPacketData()
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				assert.Equal(t, testFrames[count], data)
				assert.Equal(t, len(testFrames[count]), info.Length)
				count++
			}
			assert.Equal(t, len(testFrames), count)
		})
	}
}

func TestReader_Errors(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)

	junk := filepath.Join(t.TempDir(), "junk.pcap")
	require.NoError(t, os.WriteFile(junk, []byte("definitely not a capture file"), 0o644))
	_, err = NewReader(junk)
	assert.Error(t, err)
}

func TestFileOpener_Replay(t *testing.T) {
	ex, err := exclusion.New([]string{"fd00::/8"})
	require.NoError(t, err)

	agg := aggregator.New()
	c := capture.New(FileOpener(writePcap(t)), agg, ex, capture.Options{})
	require.NoError(t, c.Run(context.Background()))

	stats := c.Stats()
	assert.Equal(t, uint64(4), stats.Seen)
	assert.Equal(t, uint64(2), stats.Counted)
	assert.Equal(t, uint64(1), stats.Excluded)
	assert.Equal(t, uint64(1), stats.Unparsed)

	snap := agg.Flush()
	require.Len(t, snap.Records, 1)
	rec := snap.Records[0]
	assert.Equal(t, uint64(2*len(testFrames[0])), rec.Counter.Bytes)
	assert.True(t, rec.Counter.FirstSeen.Equal(time.Unix(1700000000, 0)), "first seen %s", rec.Counter.FirstSeen)
	assert.True(t, rec.Counter.LastSeen.Equal(time.Unix(1700000001, 0)), "last seen %s", rec.Counter.LastSeen)
}

func TestLiveConfig_DefaultFilterCompiles(t *testing.T) {
	cfg := LiveConfig{Interface: "eth0"}
	cfg.setDefaults()
	assert.Equal(t, DefaultFilter, cfg.Filter)
	assert.Contains(t, cfg.Filter, "vlan")

	insns, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, cfg.SnapLen, cfg.Filter)
	require.NoError(t, err)
	assert.NotEmpty(t, insns)
}

func TestOpenLive_MissingInterface(t *testing.T) {
	_, err := OpenLive(LiveConfig{Interface: "nts-no-such-if0"})
	assert.Error(t, err)
}
