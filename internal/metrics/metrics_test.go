package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"NetTrafficSentinel/internal/engine/aggregator"
	"NetTrafficSentinel/internal/engine/capture"
	"NetTrafficSentinel/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCapture struct {
	stats capture.Stats
	state capture.State
}

func (f fakeCapture) Stats() capture.Stats { return f.stats }
func (f fakeCapture) State() capture.State { return f.state }

func TestMetrics_Scrape(t *testing.T) {
	agg := aggregator.New()
	k, _ := model.NewFlowKey(netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.10"))
	agg.Record(k, 1234)

	m := New(fakeCapture{
		stats: capture.Stats{Seen: 10, Counted: 7, Excluded: 2, Unparsed: 1, Dropped: 3},
		state: capture.StateRunning,
	}, agg)

	m.ObserveCommit("sqlite", agg.Peek(), 5*time.Millisecond, nil)
	m.ObserveCommit("clickhouse", model.Snapshot{}, time.Millisecond, errors.New("down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("sqlite", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("clickhouse", "error")))
	assert.Equal(t, 1234.0, testutil.ToFloat64(m.lastSnapshot.WithLabelValues("bytes")))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	for _, want := range []string{
		`sentinel_capture_packets_total{outcome="counted"} 7`,
		`sentinel_capture_packets_total{outcome="excluded"} 2`,
		`sentinel_capture_dropped_packets_total{where="kernel"} 3`,
		`sentinel_capture_state{state="running"} 1`,
		`sentinel_capture_state{state="stopped"} 0`,
		`sentinel_live_bytes 1234`,
		`sentinel_live_flows 1`,
	} {
		assert.True(t, strings.Contains(text, want), "missing %q", want)
	}
}
