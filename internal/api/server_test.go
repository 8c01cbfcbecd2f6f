package api

import (
	"context"
	"encoding/json"
	"errors"
	"go/parser"
	"go/token"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"NetTrafficSentinel/internal/engine/aggregator"
	"NetTrafficSentinel/internal/engine/capture"
	"NetTrafficSentinel/internal/model"
	"NetTrafficSentinel/internal/query"
	"NetTrafficSentinel/pkg/netif"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	state capture.State
	stats capture.Stats
}

func (f fakeStatus) Stats() capture.Stats { return f.stats }
func (f fakeStatus) State() capture.State { return f.state }

type fakeQuerier struct {
	calls int
	top   []query.FlowTotal
}

func (q *fakeQuerier) TopFlows(_ context.Context, _, _ time.Time, limit int) ([]query.FlowTotal, error) {
	q.calls++
	if limit < len(q.top) {
		return q.top[:limit], nil
	}
	return q.top, nil
}

func (q *fakeQuerier) Timeline(context.Context, time.Time, time.Time) ([]query.TimelinePoint, error) {
	q.calls++
	return nil, errors.New("storage offline")
}

func (q *fakeQuerier) FlowHistory(_ context.Context, key string, _, _ time.Time) ([]query.FlowPoint, error) {
	q.calls++
	if key != "192.0.2.1->192.0.2.10" {
		return nil, query.ErrNotFound
	}
	return []query.FlowPoint{{Bytes: 100, Packets: 1}}, nil
}

func (q *fakeQuerier) Close() error { return nil }

func key(t *testing.T, src, dst string) model.FlowKey {
	t.Helper()
	k, ok := model.NewFlowKey(netip.MustParseAddr(src), netip.MustParseAddr(dst))
	require.True(t, ok)
	return k
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestLiveHandler(t *testing.T) {
	agg := aggregator.New()
	agg.Record(key(t, "192.0.2.1", "192.0.2.10"), 300)
	agg.Record(key(t, "2001:db8::1", "2001:db8::2"), 100)
	agg.Record(key(t, "192.0.2.1", "192.0.2.10"), 200)

	s := New(agg, fakeStatus{state: capture.StateRunning}, nil, Options{})
	rec := get(t, s.Handler(), "/api/v1/live?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp liveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.Totals{Flows: 2, Bytes: 600, Packets: 3}, resp.Totals)
	require.Len(t, resp.Flows, 1)
	assert.Equal(t, "192.0.2.1->192.0.2.10", resp.Flows[0].Key)
	assert.Equal(t, uint64(500), resp.Flows[0].Bytes)
	assert.Equal(t, "v4", resp.Flows[0].Family)

	// Peek must not drain the epoch.
	assert.Equal(t, 2, agg.Len())

	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/api/v1/live?limit=zero").Code)
}

func TestStatsAndHealth(t *testing.T) {
	status := fakeStatus{state: capture.StateRunning, stats: capture.Stats{Seen: 9, Counted: 4}}
	s := New(aggregator.New(), status, nil, Options{Interface: "eth0"})

	rec := get(t, s.Handler(), "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "eth0", resp.Interface)
	assert.Equal(t, "running", resp.State)
	assert.Equal(t, uint64(4), resp.Capture.Counted)

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/healthz").Code)

	stopped := New(aggregator.New(), fakeStatus{state: capture.StateStopped}, nil, Options{})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, stopped.Handler(), "/healthz").Code)
}

func TestInterfaceHandler(t *testing.T) {
	s := New(aggregator.New(), fakeStatus{}, nil, Options{
		Interface: "eth0",
		LookupInterface: func(name string) (*netif.Info, error) {
			return &netif.Info{Name: name, MTU: 1500}, nil
		},
	})
	rec := get(t, s.Handler(), "/api/v1/interface")
	require.Equal(t, http.StatusOK, rec.Code)
	var info netif.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, 1500, info.MTU)

	missing := New(aggregator.New(), fakeStatus{}, nil, Options{
		Interface:       "nope0",
		LookupInterface: func(string) (*netif.Info, error) { return nil, errors.New("not found") },
	})
	assert.Equal(t, http.StatusNotFound, get(t, missing.Handler(), "/api/v1/interface").Code)
}

func TestHistory_CachedAndErrors(t *testing.T) {
	q := &fakeQuerier{top: []query.FlowTotal{{Key: "a", Bytes: 10}, {Key: "b", Bytes: 5}}}
	s := New(aggregator.New(), fakeStatus{}, q, Options{CacheTTL: time.Minute})
	h := s.Handler()

	rec := get(t, h, "/api/v1/history/top?from=0&to=100&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var top []query.FlowTotal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &top))
	require.Len(t, top, 1)
	assert.Equal(t, "a", top[0].Key)

	get(t, h, "/api/v1/history/top?from=0&to=100&limit=1")
	assert.Equal(t, 1, q.calls, "second request served from cache")

	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/history/flows/192.0.2.1-%3E192.0.2.10").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/v1/history/flows/198.51.100.1-%3E198.51.100.2").Code)
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/api/v1/history/timeline").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/history/top?from=200&to=100").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/history/top?from=yesterday").Code)
}

func TestHistory_Unavailable(t *testing.T) {
	s := New(aggregator.New(), fakeStatus{}, nil, Options{})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/api/v1/history/top").Code)
}

func TestMetricsRoute(t *testing.T) {
	s := New(aggregator.New(), fakeStatus{}, nil, Options{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }),
	})
	assert.Equal(t, http.StatusTeapot, get(t, s.Handler(), "/metrics").Code)
}

func TestServer_ImportsNoCapturePackages(t *testing.T) {
	fset := token.NewFileSet()
	pkgs, err := parser.ParseDir(fset, ".", func(fi fs.FileInfo) bool {
		return !strings.HasSuffix(fi.Name(), "_test.go")
	}, parser.ImportsOnly)
	require.NoError(t, err)
	require.Contains(t, pkgs, "api")

	for name, f := range pkgs["api"].Files {
		for _, imp := range f.Imports {
			path := strings.Trim(imp.Path.Value, `"`)
			assert.NotContains(t, path, "gopacket/pcap", "%s imports libpcap bindings", name)
			assert.NotEqual(t, "NetTrafficSentinel/pkg/pcap", path, "%s imports the capture sources", name)
		}
	}
}
