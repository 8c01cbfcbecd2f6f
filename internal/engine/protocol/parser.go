package protocol

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Kind is the closed set of outcomes of header decoding.
type Kind uint8

const (
	KindUnrecognized Kind = iota
	KindIPv4
	KindIPv6
)

func (k Kind) String() string {
	switch k {
	case KindIPv4:
		return "ipv4"
	case KindIPv6:
		return "ipv6"
	default:
		return "unrecognized"
	}
}

// Packet holds the header fields needed to bucket a packet into a flow.
type Packet struct {
	Kind      Kind
	Src       netip.Addr
	Dst       netip.Addr
	Length    int
	Timestamp time.Time
}

// ipv4Terminal and ipv6Terminal stop the parser at the first network header, so
// encapsulated traffic (6in4, IP-in-IP) is keyed by its outer addresses.
type ipv4Terminal struct{ layers.IPv4 }

func (*ipv4Terminal) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

type ipv6Terminal struct{ layers.IPv6 }

func (*ipv6Terminal) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

// Decoder decodes link and network headers into preallocated layers.
// It is not safe for concurrent use; the capture loop owns one.
type Decoder struct {
	parser  *gopacket.DecodingLayerParser
	parser6 *gopacket.DecodingLayerParser // raw links only
	decoded []gopacket.LayerType

	eth  layers.Ethernet
	dot1 layers.Dot1Q
	sll  layers.LinuxSLL
	loop layers.Loopback
	ip4  ipv4Terminal
	ip6  ipv6Terminal
}

// NewDecoder creates a decoder for the link type reported by the packet source.
func NewDecoder(linkType layers.LinkType) (*Decoder, error) {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 4)}

	switch linkType {
	case layers.LinkTypeEthernet:
		d.parser = d.newParser(layers.LayerTypeEthernet)
	case layers.LinkTypeLinuxSLL:
		d.parser = d.newParser(layers.LayerTypeLinuxSLL)
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		// BSD loopback: a 4-byte address family in either byte order.
		d.parser = d.newParser(layers.LayerTypeLoopback)
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		d.parser = d.newParser(layers.LayerTypeIPv4)
		d.parser6 = d.newParser(layers.LayerTypeIPv6)
	default:
		return nil, fmt.Errorf("unsupported link type: %s", linkType)
	}
	return d, nil
}

func (d *Decoder) newParser(first gopacket.LayerType) *gopacket.DecodingLayerParser {
	p := gopacket.NewDecodingLayerParser(first, &d.eth, &d.dot1, &d.sll, &d.loop, &d.ip4, &d.ip6)
	p.IgnoreUnsupported = true
	return p
}

// Decode extracts the flow-relevant header fields. Malformed or non-IP packets
// yield KindUnrecognized; truncated payloads are fine as long as the IP header is intact.
func (d *Decoder) Decode(data []byte, ci gopacket.CaptureInfo) Packet {
	pkt := Packet{Length: ci.Length, Timestamp: ci.Timestamp}
	if pkt.Length <= 0 {
		pkt.Length = len(data)
	}
	if len(data) == 0 {
		return pkt
	}

	parser := d.parser
	if d.parser6 != nil && data[0]>>4 == 6 {
		parser = d.parser6
	}

	d.decoded = d.decoded[:0]
	if err := parser.DecodeLayers(data, &d.decoded); err != nil {
		return pkt
	}

	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			if src, dst, ok := addrPair(d.ip4.SrcIP, d.ip4.DstIP); ok {
				pkt.Kind, pkt.Src, pkt.Dst = KindIPv4, src, dst
			}
			return pkt
		case layers.LayerTypeIPv6:
			if src, dst, ok := addrPair(d.ip6.SrcIP, d.ip6.DstIP); ok {
				pkt.Kind, pkt.Src, pkt.Dst = KindIPv6, src, dst
			}
			return pkt
		}
	}
	return pkt
}

func addrPair(src, dst net.IP) (netip.Addr, netip.Addr, bool) {
	s, ok := netip.AddrFromSlice(src)
	if !ok {
		return netip.Addr{}, netip.Addr{}, false
	}
	t, ok := netip.AddrFromSlice(dst)
	if !ok {
		return netip.Addr{}, netip.Addr{}, false
	}
	return s, t, true
}
