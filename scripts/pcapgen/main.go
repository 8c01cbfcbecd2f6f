package main

import (
	"flag"
	"io"
	"log"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Hosts on a small home network: LAN clients, a ULA range that is usually
// excluded, and a few remote peers.
var (
	lanV4  = []string{"192.168.1.10", "192.168.1.20", "192.168.1.30"}
	lanV6  = []string{"2001:db8:1::10", "2001:db8:1::20"}
	ulaV6  = []string{"fd00::1", "fd00::53"}
	wanV4  = []string{"198.51.100.7", "203.0.113.40", "192.0.2.99"}
	wanV6  = []string{"2001:db8:ffff::1", "2001:db8:ffff::2"}
	nasMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	gwMAC  = net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA}
)

type packetWriter interface {
	WritePacket(ci gopacket.CaptureInfo, data []byte) error
}

func main() {
	outputFile := flag.String("o", "test.pcap", "Output capture file path")
	packetCount := flag.Int("c", 1000, "Number of packets to generate")
	ng := flag.Bool("ng", false, "Write pcapng instead of pcap")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	w, flush, err := newWriter(f, *ng)
	if err != nil {
		log.Fatalf("Failed to write capture header: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	start := time.Now().Add(-time.Duration(*packetCount) * time.Millisecond)

	log.Printf("Generating %d packets into %s...", *packetCount, *outputFile)
	for i := 0; i < *packetCount; i++ {
		if (i+1)%100000 == 0 {
			log.Printf("Generated %d packets...", i+1)
		}

		data, err := randomFrame(rng)
		if err != nil {
			log.Fatalf("Failed to serialize layers: %v", err)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			log.Fatalf("Failed to write packet: %v", err)
		}
	}
	if err := flush(); err != nil {
		log.Fatalf("Failed to flush capture file: %v", err)
	}

	log.Printf("Successfully generated %d packets into %s.", *packetCount, *outputFile)
}

func newWriter(out io.Writer, ng bool) (packetWriter, func() error, error) {
	if ng {
		w, err := pcapgo.NewNgWriter(out, layers.LinkTypeEthernet)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Flush, nil
	}
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, nil, err
	}
	return w, func() error { return nil }, nil
}

func pick(rng *rand.Rand, hosts []string) netip.Addr {
	return netip.MustParseAddr(hosts[rng.Intn(len(hosts))])
}

// randomFrame returns mostly IPv4, some IPv6 (a share of it to ULA hosts) and
// the occasional ARP frame that the monitor does not count.
func randomFrame(rng *rand.Rand) ([]byte, error) {
	var src, dst netip.Addr
	switch n := rng.Intn(100); {
	case n < 2:
		return serialize(arpLayers()...)
	case n < 60:
		src, dst = pick(rng, lanV4), pick(rng, wanV4)
	case n < 80:
		src, dst = pick(rng, lanV6), pick(rng, wanV6)
	default:
		src, dst = pick(rng, lanV6), pick(rng, ulaV6)
	}
	if rng.Intn(2) == 0 {
		src, dst = dst, src
	}

	payload := make([]byte, rng.Intn(1400)+50)
	rng.Read(payload)
	return serialize(ipLayers(rng, src, dst, payload)...)
}

func ipLayers(rng *rand.Rand, src, dst netip.Addr, payload []byte) []gopacket.SerializableLayer {
	eth := &layers.Ethernet{SrcMAC: nasMAC, DstMAC: gwMAC}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(rng.Intn(65535-1024) + 1024),
		DstPort: layers.TCPPort([]int{22, 80, 443, 445, 2049}[rng.Intn(5)]),
		Seq:     rng.Uint32(),
		Ack:     rng.Uint32(),
		ACK:     true,
		Window:  14600,
	}

	if src.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
		}
		tcp.SetNetworkLayerForChecksum(ip)
		return []gopacket.SerializableLayer{eth, ip, tcp, gopacket.Payload(payload)}
	}

	eth.EthernetType = layers.EthernetTypeIPv6
	ip := &layers.IPv6{
		SrcIP:      src.AsSlice(),
		DstIP:      dst.AsSlice(),
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolTCP,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	return []gopacket.SerializableLayer{eth, ip, tcp, gopacket.Payload(payload)}
}

func arpLayers() []gopacket.SerializableLayer {
	return []gopacket.SerializableLayer{
		&layers.Ethernet{SrcMAC: nasMAC, DstMAC: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   nasMAC,
			SourceProtAddress: []byte{192, 168, 1, 10},
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    []byte{192, 168, 1, 1},
		},
	}
}

func serialize(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
