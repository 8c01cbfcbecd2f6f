package query

import (
	"context"
	"fmt"
	"time"

	"NetTrafficSentinel/internal/config"
	"NetTrafficSentinel/internal/writer"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := writer.ConnectClickHouse(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

// TopFlows sums flows over the range. FINAL collapses rows a retried commit
// may have inserted twice.
func (q *clickhouseQuerier) TopFlows(ctx context.Context, from, to time.Time, limit int) ([]FlowTotal, error) {
	rows, err := q.conn.Query(ctx, `
		SELECT
			FlowKey,
			any(SrcIP),
			any(DstIP),
			any(Family),
			SUM(Bytes) AS TotalBytes,
			SUM(Packets),
			min(FirstSeen),
			max(LastSeen)
		FROM traffic_flows FINAL
		WHERE EpochEnd >= ? AND EpochEnd <= ?
		GROUP BY FlowKey
		ORDER BY TotalBytes DESC, FlowKey ASC
		LIMIT ?`,
		from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var result []FlowTotal
	for rows.Next() {
		var f FlowTotal
		if err := rows.Scan(&f.Key, &f.Src, &f.Dst, &f.Family, &f.Bytes, &f.Packets, &f.FirstSeen, &f.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan aggregation result: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (q *clickhouseQuerier) Timeline(ctx context.Context, from, to time.Time) ([]TimelinePoint, error) {
	rows, err := q.conn.Query(ctx, `
		SELECT toString(SnapshotID), EpochStart, EpochEnd, Flows, Bytes, Packets
		FROM traffic_snapshots FINAL
		WHERE EpochEnd >= ? AND EpochEnd <= ?
		ORDER BY EpochEnd ASC`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var result []TimelinePoint
	for rows.Next() {
		var p TimelinePoint
		if err := rows.Scan(&p.SnapshotID, &p.EpochStart, &p.EpochEnd, &p.Flows, &p.Bytes, &p.Packets); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (q *clickhouseQuerier) FlowHistory(ctx context.Context, key string, from, to time.Time) ([]FlowPoint, error) {
	rows, err := q.conn.Query(ctx, `
		SELECT EpochEnd, Bytes, Packets
		FROM traffic_flows FINAL
		WHERE FlowKey = ? AND EpochEnd >= ? AND EpochEnd <= ?
		ORDER BY EpochEnd ASC`,
		key, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var result []FlowPoint
	for rows.Next() {
		var p FlowPoint
		if err := rows.Scan(&p.EpochEnd, &p.Bytes, &p.Packets); err != nil {
			return nil, fmt.Errorf("failed to scan flow history: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}

func (q *clickhouseQuerier) Close() error {
	return q.conn.Close()
}
