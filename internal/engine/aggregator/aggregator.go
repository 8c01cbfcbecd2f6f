// Package aggregator keeps per-flow traffic counters in memory and hands them
// over to persistence through an atomic flush.
package aggregator

import (
	"sync"
	"time"

	"NetTrafficSentinel/internal/model"

	"github.com/google/uuid"
)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithShards sets the number of shards per table. Values outside [1, 4096] fall
// back to the default.
func WithShards(n int) Option {
	return func(a *Aggregator) {
		if n >= 1 && n <= 4096 {
			a.numShards = uint32(n)
		}
	}
}

// WithClock overrides the time source used by Record, Flush and Peek.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator maps flow keys to counters. Record may be called from any number
// of goroutines; Flush and Peek may run concurrently with it.
//
// mu guards the table pointer only. Record holds it shared while it touches a
// single shard; Flush holds it exclusively for the pointer swap. Readers take it
// just long enough to load the pointer. No I/O
// happens under either lock.
type Aggregator struct {
	mu         sync.RWMutex
	tbl        *table
	epochStart time.Time

	numShards uint32
	now       func() time.Time
}

// New creates an Aggregator with an empty table.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{numShards: defaultShardCount, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.tbl = newTable(a.numShards)
	a.epochStart = a.now()
	return a
}

// Record counts one packet of n bytes for key, stamped with the current time.
func (a *Aggregator) Record(key model.FlowKey, n uint64) {
	a.RecordAt(key, n, a.now())
}

// RecordAt counts one packet of n bytes for key, seen at ts. The capture loop
// passes packet timestamps so offline replays keep their original timing.
func (a *Aggregator) RecordAt(key model.FlowKey, n uint64, ts time.Time) {
	a.mu.RLock()
	s := a.tbl.shardFor(key)
	s.mu.Lock()
	if c, ok := s.flows[key]; ok {
		c.Bytes += n
		c.Packets++
		if ts.After(c.LastSeen) {
			c.LastSeen = ts
		}
	} else {
		s.flows[key] = &model.Counter{
			Bytes:     n,
			Packets:   1,
			FirstSeen: ts,
			LastSeen:  ts,
		}
	}
	s.mu.Unlock()
	a.mu.RUnlock()
}

// Flush atomically replaces the live table with an empty one and returns the
// old contents. Every Record call lands in exactly one flushed snapshot: the
// ones that completed before the swap are in this result, the rest in the next.
func (a *Aggregator) Flush() model.Snapshot {
	fresh := newTable(a.numShards)

	a.mu.Lock()
	old := a.tbl
	a.tbl = fresh
	start := a.epochStart
	end := a.now()
	a.epochStart = end
	a.mu.Unlock()

	// No writer can reach old any more: each held the shared lock, which the
	// exclusive lock above waited out.
	records := old.records(end)
	model.SortRecords(records)
	return model.Snapshot{
		ID:         uuid.New(),
		EpochStart: start,
		EpochEnd:   end,
		Records:    records,
	}
}

// Peek returns a copy of the live counters without resetting them. The table
// lock is held only to read the table pointer; each shard is then locked while
// it is copied, so a concurrent writer waits for at most one shard copy.
func (a *Aggregator) Peek() model.Snapshot {
	tbl, start := a.current()
	end := a.now()
	records := tbl.copyRecords(end)
	model.SortRecords(records)
	return model.Snapshot{EpochStart: start, EpochEnd: end, Records: records}
}

// Len returns the number of live flows.
func (a *Aggregator) Len() int {
	tbl, _ := a.current()
	return tbl.totals().Flows
}

// EpochStart returns the time the current epoch began.
func (a *Aggregator) EpochStart() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.epochStart
}

// Totals sums the live counters without copying records.
func (a *Aggregator) Totals() model.Totals {
	tbl, _ := a.current()
	return tbl.totals()
}

// current returns the live table and its epoch start. A table swapped out by
// Flush is never written again, so readers may keep using it under the shard
// locks alone.
func (a *Aggregator) current() (*table, time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tbl, a.epochStart
}
