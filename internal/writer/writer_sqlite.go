package writer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"NetTrafficSentinel/internal/config"
	"NetTrafficSentinel/internal/factory"
	"NetTrafficSentinel/internal/logging"
	"NetTrafficSentinel/internal/model"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

func init() {
	factory.RegisterWriter("sqlite", func(def config.WriterDef, logger logrus.FieldLogger) (model.Writer, error) {
		return NewSQLiteWriter(def.SQLite, logger)
	})
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	epoch_start INTEGER NOT NULL, -- unix milliseconds
	epoch_end INTEGER NOT NULL,
	flows INTEGER NOT NULL DEFAULT 0,
	bytes INTEGER NOT NULL DEFAULT 0,
	packets INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_snapshots_end ON snapshots(epoch_end);

CREATE TABLE IF NOT EXISTS flow_records (
	snapshot_id TEXT NOT NULL,
	epoch_end INTEGER NOT NULL,
	flow_key TEXT NOT NULL,
	src_ip TEXT NOT NULL,
	dst_ip TEXT NOT NULL,
	family TEXT NOT NULL,
	bytes INTEGER NOT NULL,
	packets INTEGER NOT NULL,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	UNIQUE(snapshot_id, flow_key)
);
CREATE INDEX IF NOT EXISTS idx_flow_records_end ON flow_records(epoch_end);
CREATE INDEX IF NOT EXISTS idx_flow_records_key ON flow_records(flow_key, epoch_end);
`

// OpenSQLite opens or creates the traffic database and ensures its schema.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open traffic db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

// SQLiteWriter implements the model.Writer interface for a local SQLite file.
type SQLiteWriter struct {
	db        *sql.DB
	path      string
	retention time.Duration
	log       *logrus.Entry
}

// NewSQLiteWriter opens the database at cfg.Path.
func NewSQLiteWriter(cfg config.SQLiteConfig, logger logrus.FieldLogger) (*SQLiteWriter, error) {
	db, err := OpenSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}
	w := &SQLiteWriter{
		db:        db,
		path:      cfg.Path,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		log:       logging.WithComponent(logger, "sqlite"),
	}
	w.log.WithField("path", cfg.Path).Info("Opened traffic database")
	return w, nil
}

// Name implements model.Writer.
func (w *SQLiteWriter) Name() string { return "sqlite" }

// Commit stores the snapshot row and its records in one transaction. Committing
// the same snapshot twice is a no-op.
func (w *SQLiteWriter) Commit(ctx context.Context, snap model.Snapshot) error {
	totals := snap.Totals()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, epoch_start, epoch_end, flows, bytes, packets)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		snap.ID.String(), snap.EpochStart.UnixMilli(), snap.EpochEnd.UnixMilli(),
		totals.Flows, int64(totals.Bytes), int64(totals.Packets),
	); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	if len(snap.Records) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO flow_records (snapshot_id, epoch_end, flow_key, src_ip, dst_ip, family, bytes, packets, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(snapshot_id, flow_key) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		id := snap.ID.String()
		for _, r := range snap.Records {
			if _, err := stmt.ExecContext(ctx,
				id,
				r.EpochEnd.UnixMilli(),
				r.Key.String(),
				r.Key.Src.String(),
				r.Key.Dst.String(),
				r.Key.Family().String(),
				int64(r.Counter.Bytes),
				int64(r.Counter.Packets),
				r.Counter.FirstSeen.UnixMilli(),
				r.Counter.LastSeen.UnixMilli(),
			); err != nil {
				return fmt.Errorf("failed to insert flow %s: %w", r.Key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if w.retention > 0 {
		if n, err := w.Cleanup(ctx, w.retention); err != nil {
			w.log.WithError(err).Warn("Failed to remove expired records")
		} else if n > 0 {
			w.log.WithField("rows", n).Debug("Removed expired records")
		}
	}
	return nil
}

// Cleanup removes snapshots and records older than the retention period.
func (w *SQLiteWriter) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := w.db.ExecContext(ctx, "DELETE FROM flow_records WHERE epoch_end < ?", cutoff)
	if err != nil {
		return 0, err
	}
	if _, err := w.db.ExecContext(ctx, "DELETE FROM snapshots WHERE epoch_end < ?", cutoff); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}
