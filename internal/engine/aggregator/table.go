package aggregator

import (
	"sync"
	"time"

	"NetTrafficSentinel/internal/model"
)

const defaultShardCount = 64

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

// shard is a part of the table, containing its own map and a mutex.
type shard struct {
	flows map[model.FlowKey]*model.Counter
	mu    sync.Mutex
}

// table is the unit swapped out at every flush.
type table struct {
	shards []*shard
	count  uint32
}

func newTable(numShards uint32) *table {
	t := &table{shards: make([]*shard, numShards), count: numShards}
	for i := range t.shards {
		t.shards[i] = &shard{flows: make(map[model.FlowKey]*model.Counter)}
	}
	return t
}

// shardFor returns the shard owning key, using FNV-1a over both addresses in
// their 16-byte form.
func (t *table) shardFor(key model.FlowKey) *shard {
	if t.count == 1 {
		return t.shards[0]
	}
	src, dst := key.Src.As16(), key.Dst.As16()
	h := uint32(fnvOffset32)
	for _, b := range src {
		h ^= uint32(b)
		h *= fnvPrime32
	}
	for _, b := range dst {
		h ^= uint32(b)
		h *= fnvPrime32
	}
	return t.shards[h%t.count]
}

// records flattens the table. The caller must own the table exclusively.
func (t *table) records(epochEnd time.Time) []model.Record {
	n := 0
	for _, s := range t.shards {
		n += len(s.flows)
	}
	out := make([]model.Record, 0, n)
	for _, s := range t.shards {
		for k, c := range s.flows {
			out = append(out, model.Record{Key: k, Counter: *c, EpochEnd: epochEnd})
		}
	}
	return out
}

// copyRecords copies the table shard by shard, each under its own lock.
func (t *table) copyRecords(epochEnd time.Time) []model.Record {
	var out []model.Record
	for _, s := range t.shards {
		s.mu.Lock()
		if out == nil {
			out = make([]model.Record, 0, len(s.flows)*int(t.count))
		}
		for k, c := range s.flows {
			out = append(out, model.Record{Key: k, Counter: *c, EpochEnd: epochEnd})
		}
		s.mu.Unlock()
	}
	return out
}

// totals sums the table shard by shard, each under its own lock.
func (t *table) totals() model.Totals {
	var tot model.Totals
	for _, s := range t.shards {
		s.mu.Lock()
		tot.Flows += len(s.flows)
		for _, c := range s.flows {
			tot.Bytes += c.Bytes
			tot.Packets += c.Packets
		}
		s.mu.Unlock()
	}
	return tot
}
