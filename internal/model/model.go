package model

import (
	"net/netip"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Family is the address family of a flow.
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "v4"
	case FamilyV6:
		return "v6"
	default:
		return "unknown"
	}
}

// FlowKey identifies a directional traffic flow between two addresses.
// It is comparable and safe to use as a map key.
type FlowKey struct {
	Src netip.Addr
	Dst netip.Addr
}

// NewFlowKey builds a canonical key. IPv4-mapped IPv6 addresses are unmapped only
// when both endpoints are mapped, so a key never mixes address families.
// ok is false for invalid addresses or mixed families.
func NewFlowKey(src, dst netip.Addr) (FlowKey, bool) {
	if !src.IsValid() || !dst.IsValid() {
		return FlowKey{}, false
	}
	if src.Is4In6() && dst.Is4In6() {
		src, dst = src.Unmap(), dst.Unmap()
	}
	src, dst = src.WithZone(""), dst.WithZone("")
	if src.Is4() != dst.Is4() {
		return FlowKey{}, false
	}
	return FlowKey{Src: src, Dst: dst}, true
}

// Family returns the address family of the key.
func (k FlowKey) Family() Family {
	if k.Src.Is4() {
		return FamilyV4
	}
	return FamilyV6
}

// String returns the canonical form used as the storage identifier, e.g. "192.0.2.1->192.0.2.10".
func (k FlowKey) String() string {
	return k.Src.String() + "->" + k.Dst.String()
}

// Less orders keys by source then destination address.
func (k FlowKey) Less(o FlowKey) bool {
	if c := k.Src.Compare(o.Src); c != 0 {
		return c < 0
	}
	return k.Dst.Compare(o.Dst) < 0
}

// Counter holds the traffic counted for one flow within an epoch.
type Counter struct {
	Bytes     uint64
	Packets   uint64
	FirstSeen time.Time
	LastSeen  time.Time
}

// Record is a single flow entry handed across the flush boundary.
type Record struct {
	Key      FlowKey
	Counter  Counter
	EpochEnd time.Time
}

// Snapshot is the fully-owned result of a flush or peek.
type Snapshot struct {
	ID         uuid.UUID
	EpochStart time.Time
	EpochEnd   time.Time
	Records    []Record
}

// Totals summarizes the records of a snapshot.
type Totals struct {
	Flows   int    `json:"flows"`
	Bytes   uint64 `json:"bytes"`
	Packets uint64 `json:"packets"`
}

// Totals sums bytes and packets across all records.
func (s Snapshot) Totals() Totals {
	t := Totals{Flows: len(s.Records)}
	for _, r := range s.Records {
		t.Bytes += r.Counter.Bytes
		t.Packets += r.Counter.Packets
	}
	return t
}

// Empty reports whether no traffic was recorded in the epoch.
func (s Snapshot) Empty() bool {
	return len(s.Records) == 0
}

// SortRecords orders records by bytes descending, then by key.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Counter.Bytes != records[j].Counter.Bytes {
			return records[i].Counter.Bytes > records[j].Counter.Bytes
		}
		return records[i].Key.Less(records[j].Key)
	})
}
