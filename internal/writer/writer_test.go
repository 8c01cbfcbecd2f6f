package writer

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"NetTrafficSentinel/internal/config"
	"NetTrafficSentinel/internal/engine/aggregator"
	"NetTrafficSentinel/internal/logging"
	"NetTrafficSentinel/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testSnapshot(t *testing.T) model.Snapshot {
	t.Helper()
	now := epoch
	agg := aggregator.New(aggregator.WithClock(func() time.Time { return now }))
	now = now.Add(5 * time.Minute)

	add := func(src, dst string, n uint64, at time.Duration) {
		k, ok := model.NewFlowKey(netip.MustParseAddr(src), netip.MustParseAddr(dst))
		require.True(t, ok)
		agg.RecordAt(k, n, epoch.Add(at))
	}
	add("192.0.2.1", "192.0.2.10", 100, time.Second)
	add("192.0.2.1", "192.0.2.10", 50, 2*time.Second)
	add("2001:db8::1", "2001:db8::2", 1500, 3*time.Second)
	return agg.Flush()
}

func emptySnapshot() model.Snapshot {
	return aggregator.New().Flush()
}

func TestSQLiteWriter_Commit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "traffic.db")
	w, err := NewSQLiteWriter(config.SQLiteConfig{Path: path}, logging.Discard())
	require.NoError(t, err)
	defer w.Close()
	ctx := context.Background()

	snap := testSnapshot(t)
	require.NoError(t, w.Commit(ctx, snap))
	require.NoError(t, w.Commit(ctx, snap), "re-committing a snapshot is harmless")
	require.NoError(t, w.Commit(ctx, emptySnapshot()))

	var snapshots, records int
	require.NoError(t, w.db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&snapshots))
	require.NoError(t, w.db.QueryRow("SELECT COUNT(*) FROM flow_records").Scan(&records))
	assert.Equal(t, 2, snapshots, "empty epochs are recorded too")
	assert.Equal(t, 2, records)

	var bytes, packets int64
	var family string
	require.NoError(t, w.db.QueryRow(
		"SELECT bytes, packets, family FROM flow_records WHERE flow_key = ?", "192.0.2.1->192.0.2.10",
	).Scan(&bytes, &packets, &family))
	assert.Equal(t, int64(150), bytes)
	assert.Equal(t, int64(2), packets)
	assert.Equal(t, "v4", family)
}

func TestSQLiteWriter_Cleanup(t *testing.T) {
	w, err := NewSQLiteWriter(config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "traffic.db")}, logging.Discard())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Commit(context.Background(), testSnapshot(t))) // 2024
	n, err := w.Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestGobWriter_RoundTrip(t *testing.T) {
	root := t.TempDir()
	w := NewGobWriter(root)
	snap := testSnapshot(t)
	require.NoError(t, w.Commit(context.Background(), snap))
	require.NoError(t, w.Commit(context.Background(), emptySnapshot()))

	dirs, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, dirs, 2)

	dir := filepath.Join(root, "2024-05-01_12-05-00_"+snap.ID.String())
	loaded, err := LoadGobSnapshot(dir)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, loaded.ID)
	assert.True(t, snap.EpochEnd.Equal(loaded.EpochEnd))
	require.Len(t, loaded.Records, len(snap.Records))
	for i := range snap.Records {
		assert.Equal(t, snap.Records[i].Key, loaded.Records[i].Key)
		assert.Equal(t, snap.Records[i].Counter.Bytes, loaded.Records[i].Counter.Bytes)
		assert.True(t, snap.Records[i].Counter.LastSeen.Equal(loaded.Records[i].Counter.LastSeen))
	}
	assert.Equal(t, snap.Totals(), loaded.Totals())
}

func TestFlowRow(t *testing.T) {
	snap := testSnapshot(t)
	row := flowRow(snap, snap.Records[0])
	require.Len(t, row, 10)
	assert.Equal(t, snap.ID, row[0])
	assert.Equal(t, "2001:db8::1->2001:db8::2", row[2])
	assert.Equal(t, "v6", row[5])
	assert.Equal(t, uint64(1500), row[6])
}
