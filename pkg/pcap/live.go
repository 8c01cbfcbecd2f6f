package pcap

import (
	"context"
	"fmt"
	"time"

	"NetTrafficSentinel/internal/engine/capture"
	"NetTrafficSentinel/pkg/netif"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// DefaultFilter keeps only IP traffic in the kernel, including 802.1Q-tagged
// frames.
const DefaultFilter = "ip or ip6 or (vlan and (ip or ip6))"

// LiveConfig describes how a network interface is opened for capture.
type LiveConfig struct {
	Interface    string
	SnapLen      int
	Promiscuous  bool
	ReadTimeout  time.Duration
	BufferSizeMB int
	Filter       string
}

func (c *LiveConfig) setDefaults() {
	if c.SnapLen <= 0 {
		// Link, VLAN and IPv6 headers fit with room to spare.
		c.SnapLen = 128
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.Filter == "" {
		c.Filter = DefaultFilter
	}
}

// Live is an activated libpcap handle on a network interface.
type Live struct {
	handle *pcap.Handle
}

// OpenLive checks that the interface exists and activates a capture handle on it.
func OpenLive(cfg LiveConfig) (*Live, error) {
	cfg.setDefaults()
	if _, err := netif.Lookup(cfg.Interface); err != nil {
		return nil, err
	}

	inactive, err := pcap.NewInactiveHandle(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("failed to create handle for %s: %w", cfg.Interface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(cfg.SnapLen); err != nil {
		return nil, fmt.Errorf("failed to set snaplen: %w", err)
	}
	if err := inactive.SetPromisc(cfg.Promiscuous); err != nil {
		return nil, fmt.Errorf("failed to set promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(cfg.ReadTimeout); err != nil {
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	if cfg.BufferSizeMB > 0 {
		if err := inactive.SetBufferSize(cfg.BufferSizeMB << 20); err != nil {
			return nil, fmt.Errorf("failed to set buffer size: %w", err)
		}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("failed to activate capture on %s: %w", cfg.Interface, err)
	}
	if err := handle.SetBPFFilter(cfg.Filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to apply filter %q: %w", cfg.Filter, err)
	}
	return &Live{handle: handle}, nil
}

// ReadPacketData copies the next packet out of the kernel buffer.
func (l *Live) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := l.handle.ReadPacketData()
	return data, ci, translate(err)
}

// ZeroCopyReadPacketData returns a buffer that is only valid until the next read.
func (l *Live) ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := l.handle.ZeroCopyReadPacketData()
	return data, ci, translate(err)
}

// LinkType returns the link type of the interface.
func (l *Live) LinkType() layers.LinkType {
	return l.handle.LinkType()
}

// DropStats reports packets dropped by the kernel and by the interface.
func (l *Live) DropStats() (capture.DropStats, error) {
	s, err := l.handle.Stats()
	if err != nil {
		return capture.DropStats{}, err
	}
	return capture.DropStats{
		Dropped:   uint64(s.PacketsDropped),
		IfDropped: uint64(s.PacketsIfDropped),
	}, nil
}

// Close releases the handle.
func (l *Live) Close() error {
	l.handle.Close()
	return nil
}

func translate(err error) error {
	if err == pcap.NextErrorTimeoutExpired {
		return capture.ErrReadTimeout
	}
	return err
}

// LiveOpener returns an opener for the capture loop.
func LiveOpener(cfg LiveConfig) capture.Opener {
	return func(ctx context.Context) (capture.Source, error) {
		return OpenLive(cfg)
	}
}
