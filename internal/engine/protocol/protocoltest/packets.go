// Package protocoltest builds serialized packets for tests.
package protocoltest

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	srcMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	dstMAC = net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA}
)

// Ethernet serializes an Ethernet frame carrying a UDP datagram between src and dst.
// The address family is taken from src.
func Ethernet(src, dst string, payloadLen int) []byte {
	s, d := netip.MustParseAddr(src), netip.MustParseAddr(dst)
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	if s.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
	}
	return serialize(append([]gopacket.SerializableLayer{eth}, ipUDP(s, d, payloadLen)...)...)
}

// Raw serializes a bare IP packet, as seen on LinkTypeRaw interfaces such as tun devices.
func Raw(src, dst string, payloadLen int) []byte {
	return serialize(ipUDP(netip.MustParseAddr(src), netip.MustParseAddr(dst), payloadLen)...)
}

// Loopback serializes a BSD loopback (DLT_NULL) frame carrying a UDP datagram.
func Loopback(src, dst string, payloadLen int) []byte {
	s, d := netip.MustParseAddr(src), netip.MustParseAddr(dst)
	loop := &layers.Loopback{Family: layers.ProtocolFamilyIPv4}
	if !s.Is4() {
		loop.Family = layers.ProtocolFamilyIPv6BSD
	}
	return serialize(append([]gopacket.SerializableLayer{loop}, ipUDP(s, d, payloadLen)...)...)
}

// ARP serializes an ARP request, a frame that carries no IP header.
func ARP() []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: []byte{192, 0, 2, 1},
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    []byte{192, 0, 2, 2},
	}
	return serialize(eth, arp)
}

// Truncated returns the first n bytes of a frame.
func Truncated(frame []byte, n int) []byte {
	if n > len(frame) {
		n = len(frame)
	}
	out := make([]byte, n)
	copy(out, frame)
	return out
}

func ipUDP(s, d netip.Addr, payloadLen int) []gopacket.SerializableLayer {
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	payload := gopacket.Payload(make([]byte, payloadLen))
	if s.Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP(s.AsSlice()),
			DstIP:    net.IP(d.AsSlice()),
		}
		udp.SetNetworkLayerForChecksum(ip)
		return []gopacket.SerializableLayer{ip, udp, payload}
	}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.IP(s.AsSlice()),
		DstIP:      net.IP(d.AsSlice()),
	}
	udp.SetNetworkLayerForChecksum(ip)
	return []gopacket.SerializableLayer{ip, udp, payload}
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
