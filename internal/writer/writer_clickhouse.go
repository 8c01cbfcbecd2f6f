package writer

import (
	"context"
	"fmt"

	"NetTrafficSentinel/internal/config"
	"NetTrafficSentinel/internal/factory"
	"NetTrafficSentinel/internal/logging"
	"NetTrafficSentinel/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

func init() {
	factory.RegisterWriter("clickhouse", func(def config.WriterDef, logger logrus.FieldLogger) (model.Writer, error) {
		return NewClickHouseWriter(def.ClickHouse, logger)
	})
}

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS traffic_snapshots (
    SnapshotID  UUID,
    EpochStart  DateTime64(3),
    EpochEnd    DateTime64(3),
    Flows       UInt64,
    Bytes       UInt64,
    Packets     UInt64
) ENGINE = ReplacingMergeTree()
PARTITION BY toYYYYMM(EpochEnd)
ORDER BY (EpochEnd, SnapshotID);
`

const createFlowsTable = `
CREATE TABLE IF NOT EXISTS traffic_flows (
    SnapshotID  UUID,
    EpochEnd    DateTime64(3),
    FlowKey     String,
    SrcIP       String,
    DstIP       String,
    Family      LowCardinality(String),
    Bytes       UInt64,
    Packets     UInt64,
    FirstSeen   DateTime64(3),
    LastSeen    DateTime64(3)
) ENGINE = ReplacingMergeTree()
PARTITION BY toYYYYMM(EpochEnd)
ORDER BY (EpochEnd, FlowKey, SnapshotID);
`

// ClickHouseWriter implements the model.Writer interface for ClickHouse.
type ClickHouseWriter struct {
	conn driver.Conn
	log  *logrus.Entry
}

// NewClickHouseWriter creates a new ClickHouse writer and ensures its tables exist.
func NewClickHouseWriter(cfg config.ClickHouseConfig, logger logrus.FieldLogger) (*ClickHouseWriter, error) {
	conn, err := ConnectClickHouse(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	for _, stmt := range []string{createSnapshotsTable, createFlowsTable} {
		if err := conn.Exec(context.Background(), stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	log := logging.WithComponent(logger, "clickhouse")
	log.Info("Successfully connected to ClickHouse and ensured tables exist.")

	return &ClickHouseWriter{conn: conn, log: log}, nil
}

// ConnectClickHouse opens and pings a ClickHouse connection.
func ConnectClickHouse(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Name implements model.Writer.
func (w *ClickHouseWriter) Name() string { return "clickhouse" }

// Commit inserts the snapshot summary and its flows. The snapshot row is
// written even for an empty epoch.
func (w *ClickHouseWriter) Commit(ctx context.Context, snap model.Snapshot) error {
	if len(snap.Records) > 0 {
		batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO traffic_flows")
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, r := range snap.Records {
			if err := batch.Append(flowRow(snap, r)...); err != nil {
				batch.Abort()
				return fmt.Errorf("failed to append flow to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
	}

	totals := snap.Totals()
	if err := w.conn.Exec(ctx,
		"INSERT INTO traffic_snapshots VALUES (?, ?, ?, ?, ?, ?)",
		snap.ID, snap.EpochStart, snap.EpochEnd, uint64(totals.Flows), totals.Bytes, totals.Packets,
	); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	w.log.WithField("flows", len(snap.Records)).Debug("Wrote flows to ClickHouse")
	return nil
}

// flowRow returns the column values of traffic_flows for one record.
func flowRow(snap model.Snapshot, r model.Record) []any {
	return []any{
		snap.ID,
		r.EpochEnd,
		r.Key.String(),
		r.Key.Src.String(),
		r.Key.Dst.String(),
		r.Key.Family().String(),
		r.Counter.Bytes,
		r.Counter.Packets,
		r.Counter.FirstSeen,
		r.Counter.LastSeen,
	}
}

// Close closes the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
