package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"NetTrafficSentinel/internal/writer"
)

// sqliteQuerier implements the Querier interface for the SQLite writer's database.
type sqliteQuerier struct {
	db *sql.DB
}

// NewSQLiteQuerier opens its own handle on the database at path.
func NewSQLiteQuerier(path string) (Querier, error) {
	db, err := writer.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return &sqliteQuerier{db: db}, nil
}

func (q *sqliteQuerier) TopFlows(ctx context.Context, from, to time.Time, limit int) ([]FlowTotal, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT flow_key, src_ip, dst_ip, family, SUM(bytes), SUM(packets), MIN(first_seen), MAX(last_seen)
		FROM flow_records
		WHERE epoch_end >= ? AND epoch_end <= ?
		GROUP BY flow_key
		ORDER BY SUM(bytes) DESC, flow_key ASC
		LIMIT ?`,
		from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var result []FlowTotal
	for rows.Next() {
		var f FlowTotal
		var bytes, packets, first, last int64
		if err := rows.Scan(&f.Key, &f.Src, &f.Dst, &f.Family, &bytes, &packets, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		f.Bytes, f.Packets = uint64(bytes), uint64(packets)
		f.FirstSeen, f.LastSeen = time.UnixMilli(first).UTC(), time.UnixMilli(last).UTC()
		result = append(result, f)
	}
	return result, rows.Err()
}

func (q *sqliteQuerier) Timeline(ctx context.Context, from, to time.Time) ([]TimelinePoint, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, epoch_start, epoch_end, flows, bytes, packets
		FROM snapshots
		WHERE epoch_end >= ? AND epoch_end <= ?
		ORDER BY epoch_end ASC`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var result []TimelinePoint
	for rows.Next() {
		var p TimelinePoint
		var start, end, flows, bytes, packets int64
		if err := rows.Scan(&p.SnapshotID, &start, &end, &flows, &bytes, &packets); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		p.EpochStart, p.EpochEnd = time.UnixMilli(start).UTC(), time.UnixMilli(end).UTC()
		p.Flows, p.Bytes, p.Packets = uint64(flows), uint64(bytes), uint64(packets)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (q *sqliteQuerier) FlowHistory(ctx context.Context, key string, from, to time.Time) ([]FlowPoint, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT epoch_end, bytes, packets
		FROM flow_records
		WHERE flow_key = ? AND epoch_end >= ? AND epoch_end <= ?
		ORDER BY epoch_end ASC`,
		key, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var result []FlowPoint
	for rows.Next() {
		var p FlowPoint
		var end, bytes, packets int64
		if err := rows.Scan(&end, &bytes, &packets); err != nil {
			return nil, fmt.Errorf("failed to scan flow history: %w", err)
		}
		p.EpochEnd = time.UnixMilli(end).UTC()
		p.Bytes, p.Packets = uint64(bytes), uint64(packets)
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

func (q *sqliteQuerier) Close() error {
	return q.db.Close()
}
