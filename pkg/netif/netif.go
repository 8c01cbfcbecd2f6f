// Package netif reads link state and counters from the kernel over netlink.
package netif

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// Info describes the monitored link as the kernel reports it.
type Info struct {
	Name         string `json:"name"`
	Index        int    `json:"index"`
	MTU          int    `json:"mtu"`
	HardwareAddr string `json:"hardware_addr"`
	OperState    string `json:"oper_state"`
	RxBytes      uint64 `json:"rx_bytes"`
	TxBytes      uint64 `json:"tx_bytes"`
	RxPackets    uint64 `json:"rx_packets"`
	TxPackets    uint64 `json:"tx_packets"`
	RxDropped    uint64 `json:"rx_dropped"`
	TxDropped    uint64 `json:"tx_dropped"`
}

// Lookup queries the kernel for a link by name.
func Lookup(name string) (*Info, error) {
	if name == "" {
		return nil, fmt.Errorf("interface name is empty")
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s not found: %w", name, err)
	}
	attrs := link.Attrs()
	info := &Info{
		Name:         attrs.Name,
		Index:        attrs.Index,
		MTU:          attrs.MTU,
		HardwareAddr: attrs.HardwareAddr.String(),
		OperState:    attrs.OperState.String(),
	}
	if s := attrs.Statistics; s != nil {
		info.RxBytes, info.TxBytes = s.RxBytes, s.TxBytes
		info.RxPackets, info.TxPackets = s.RxPackets, s.TxPackets
		info.RxDropped, info.TxDropped = s.RxDropped, s.TxDropped
	}
	return info, nil
}
