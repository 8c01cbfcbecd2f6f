package writer

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"NetTrafficSentinel/internal/config"
	"NetTrafficSentinel/internal/factory"
	"NetTrafficSentinel/internal/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func init() {
	factory.RegisterWriter("gob", func(def config.WriterDef, _ logrus.FieldLogger) (model.Writer, error) {
		return NewGobWriter(def.Gob.RootPath), nil
	})
}

// recordsPerPart caps the number of records encoded into one .dat file.
const recordsPerPart = 50000

// SummaryData holds the metadata for a snapshot, written next to its data files.
type SummaryData struct {
	SnapshotID   string `json:"snapshot_id"`
	EpochStart   string `json:"epoch_start"`
	EpochEnd     string `json:"epoch_end"`
	TotalFlows   int    `json:"total_flows"`
	TotalBytes   uint64 `json:"total_bytes"`
	TotalPackets uint64 `json:"total_packets"`
	Parts        int    `json:"parts"`
}

// GobWriter writes every snapshot into its own directory as gob-encoded parts
// plus a summary.json.
type GobWriter struct {
	rootPath string
}

// NewGobWriter creates a new file writer below rootPath.
func NewGobWriter(rootPath string) *GobWriter {
	return &GobWriter{rootPath: rootPath}
}

// Name implements model.Writer.
func (w *GobWriter) Name() string { return "gob" }

// Commit writes the snapshot to <root>/<epoch end>_<id>/.
func (w *GobWriter) Commit(ctx context.Context, snap model.Snapshot) error {
	// 1. Create the snapshot directory
	dirName := snap.EpochEnd.UTC().Format("2006-01-02_15-04-05") + "_" + snap.ID.String()
	snapshotDir := filepath.Join(w.rootPath, dirName)
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	// 2. Write records in parts
	parts := 0
	for start := 0; start < len(snap.Records); start += recordsPerPart {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+recordsPerPart, len(snap.Records))
		filePath := filepath.Join(snapshotDir, fmt.Sprintf("part_%d.dat", parts))
		if err := writeGob(filePath, snap.Records[start:end]); err != nil {
			return err
		}
		parts++
	}

	// 3. Write the summary, also for empty epochs
	totals := snap.Totals()
	summary := SummaryData{
		SnapshotID:   snap.ID.String(),
		EpochStart:   snap.EpochStart.UTC().Format(time.RFC3339Nano),
		EpochEnd:     snap.EpochEnd.UTC().Format(time.RFC3339Nano),
		TotalFlows:   totals.Flows,
		TotalBytes:   totals.Bytes,
		TotalPackets: totals.Packets,
		Parts:        parts,
	}
	summaryFile, err := os.Create(filepath.Join(snapshotDir, "summary.json"))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()

	jsonEncoder := json.NewEncoder(summaryFile)
	jsonEncoder.SetIndent("", "  ")
	if err := jsonEncoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return summaryFile.Close()
}

func writeGob(filePath string, records []model.Record) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", filePath, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(records); err != nil {
		return fmt.Errorf("failed to encode records to gob for file '%s': %w", filePath, err)
	}
	return file.Close()
}

// Close implements model.Writer.
func (w *GobWriter) Close() error { return nil }

// LoadGobSnapshot reads back a snapshot directory written by GobWriter.
func LoadGobSnapshot(dir string) (model.Snapshot, error) {
	var snap model.Snapshot

	data, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	if err != nil {
		return snap, fmt.Errorf("failed to read summary: %w", err)
	}
	var summary SummaryData
	if err := json.Unmarshal(data, &summary); err != nil {
		return snap, fmt.Errorf("failed to decode summary: %w", err)
	}
	if snap.ID, err = uuid.Parse(summary.SnapshotID); err != nil {
		return snap, fmt.Errorf("invalid snapshot id: %w", err)
	}
	if snap.EpochStart, err = time.Parse(time.RFC3339Nano, summary.EpochStart); err != nil {
		return snap, fmt.Errorf("invalid epoch start: %w", err)
	}
	if snap.EpochEnd, err = time.Parse(time.RFC3339Nano, summary.EpochEnd); err != nil {
		return snap, fmt.Errorf("invalid epoch end: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "part_*.dat"))
	if err != nil {
		return snap, err
	}
	sort.Strings(files)
	for _, f := range files {
		file, err := os.Open(f)
		if err != nil {
			return snap, err
		}
		var records []model.Record
		err = gob.NewDecoder(file).Decode(&records)
		file.Close()
		if err != nil {
			return snap, fmt.Errorf("failed to decode %s: %w", f, err)
		}
		snap.Records = append(snap.Records, records...)
	}
	model.SortRecords(snap.Records)
	return snap, nil
}
