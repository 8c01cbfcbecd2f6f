// Package query reads committed traffic history back from storage.
package query

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a flow has no committed history in the range.
var ErrNotFound = errors.New("no history found")

// FlowTotal is a flow summed over a time range.
type FlowTotal struct {
	Key       string    `json:"key"`
	Src       string    `json:"src"`
	Dst       string    `json:"dst"`
	Family    string    `json:"family"`
	Bytes     uint64    `json:"bytes"`
	Packets   uint64    `json:"packets"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// TimelinePoint summarizes one committed epoch.
type TimelinePoint struct {
	SnapshotID string    `json:"snapshot_id"`
	EpochStart time.Time `json:"epoch_start"`
	EpochEnd   time.Time `json:"epoch_end"`
	Flows      uint64    `json:"flows"`
	Bytes      uint64    `json:"bytes"`
	Packets    uint64    `json:"packets"`
}

// FlowPoint is one epoch of a single flow.
type FlowPoint struct {
	EpochEnd time.Time `json:"epoch_end"`
	Bytes    uint64    `json:"bytes"`
	Packets  uint64    `json:"packets"`
}

// Querier defines the interface for querying committed flow data. Ranges are
// inclusive and apply to the epoch end.
type Querier interface {
	TopFlows(ctx context.Context, from, to time.Time, limit int) ([]FlowTotal, error)
	Timeline(ctx context.Context, from, to time.Time) ([]TimelinePoint, error)
	FlowHistory(ctx context.Context, key string, from, to time.Time) ([]FlowPoint, error)
	Close() error
}
