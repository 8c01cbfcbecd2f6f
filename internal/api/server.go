// Package api serves the live and historical traffic views over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"NetTrafficSentinel/internal/engine/capture"
	"NetTrafficSentinel/internal/logging"
	"NetTrafficSentinel/internal/model"
	"NetTrafficSentinel/internal/query"
	"NetTrafficSentinel/pkg/netif"

	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// LiveSource gives read-only access to the current epoch.
type LiveSource interface {
	Peek() model.Snapshot
	EpochStart() time.Time
}

// CaptureStatus reports the capture loop's counters and state.
type CaptureStatus interface {
	Stats() capture.Stats
	State() capture.State
}

// Options configures the server. Zero values fall back to defaults.
type Options struct {
	Interface string
	TopN      int
	CacheTTL  time.Duration
	Metrics   http.Handler
	Logger    logrus.FieldLogger

	// LookupInterface defaults to netif.Lookup.
	LookupInterface func(name string) (*netif.Info, error)
}

// Server holds the dependencies for API handlers.
type Server struct {
	live    LiveSource
	status  CaptureStatus
	querier query.Querier
	cache   *cache.Cache
	opts    Options
	log     *logrus.Entry
	router  *mux.Router
}

// New builds the router. querier may be nil, in which case the history
// endpoints answer 503.
func New(live LiveSource, status CaptureStatus, querier query.Querier, opts Options) *Server {
	if opts.TopN <= 0 {
		opts.TopN = 50
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.LookupInterface == nil {
		opts.LookupInterface = netif.Lookup
	}

	s := &Server{
		live:    live,
		status:  status,
		querier: querier,
		cache:   cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		opts:    opts,
		log:     logging.WithComponent(opts.Logger, "api"),
		router:  mux.NewRouter(),
	}

	r := s.router
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/live", s.liveHandler).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/interface", s.interfaceHandler).Methods(http.MethodGet)
	v1.HandleFunc("/history/top", s.topHandler).Methods(http.MethodGet)
	v1.HandleFunc("/history/timeline", s.timelineHandler).Methods(http.MethodGet)
	v1.HandleFunc("/history/flows/{key}", s.flowHandler).Methods(http.MethodGet)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("API server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", addr, err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("API server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

type flowJSON struct {
	Key       string    `json:"key"`
	Src       string    `json:"src"`
	Dst       string    `json:"dst"`
	Family    string    `json:"family"`
	Bytes     uint64    `json:"bytes"`
	Packets   uint64    `json:"packets"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type liveResponse struct {
	EpochStart time.Time    `json:"epoch_start"`
	Now        time.Time    `json:"now"`
	Totals     model.Totals `json:"totals"`
	Flows      []flowJSON   `json:"flows"`
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", s.opts.TopN)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap := s.live.Peek()
	resp := liveResponse{
		EpochStart: snap.EpochStart,
		Now:        snap.EpochEnd,
		Totals:     snap.Totals(),
		Flows:      make([]flowJSON, 0, min(limit, len(snap.Records))),
	}
	for i, rec := range snap.Records {
		if i == limit {
			break
		}
		resp.Flows = append(resp.Flows, flowJSON{
			Key:       rec.Key.String(),
			Src:       rec.Key.Src.String(),
			Dst:       rec.Key.Dst.String(),
			Family:    rec.Key.Family().String(),
			Bytes:     rec.Counter.Bytes,
			Packets:   rec.Counter.Packets,
			FirstSeen: rec.Counter.FirstSeen,
			LastSeen:  rec.Counter.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	Interface  string        `json:"interface"`
	State      string        `json:"state"`
	Capture    capture.Stats `json:"capture"`
	EpochStart time.Time     `json:"epoch_start"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Interface:  s.opts.Interface,
		State:      s.status.State().String(),
		Capture:    s.status.Stats(),
		EpochStart: s.live.EpochStart(),
	})
}

func (s *Server) interfaceHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Interface == "" {
		http.Error(w, "no live interface configured", http.StatusNotFound)
		return
	}
	info, err := s.opts.LookupInterface(s.opts.Interface)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	state := s.status.State()
	code := http.StatusOK
	if state == capture.StateStopped {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"state": state.String()})
}

func (s *Server) topHandler(w http.ResponseWriter, r *http.Request) {
	from, to, ok := s.historyRange(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", s.opts.TopN)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.cached(w, r, func(ctx context.Context) (any, error) {
		return s.querier.TopFlows(ctx, from, to, limit)
	})
}

func (s *Server) timelineHandler(w http.ResponseWriter, r *http.Request) {
	from, to, ok := s.historyRange(w, r)
	if !ok {
		return
	}
	s.cached(w, r, func(ctx context.Context) (any, error) {
		return s.querier.Timeline(ctx, from, to)
	})
}

func (s *Server) flowHandler(w http.ResponseWriter, r *http.Request) {
	from, to, ok := s.historyRange(w, r)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]
	s.cached(w, r, func(ctx context.Context) (any, error) {
		return s.querier.FlowHistory(ctx, key, from, to)
	})
}

// historyRange parses from/to and checks that history is available.
func (s *Server) historyRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	if s.querier == nil {
		http.Error(w, "history is not available without a queryable writer", http.StatusServiceUnavailable)
		return time.Time{}, time.Time{}, false
	}
	now := time.Now()
	to, err := timeParam(r, "to", now)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return time.Time{}, time.Time{}, false
	}
	from, err := timeParam(r, "from", to.Add(-24*time.Hour))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return time.Time{}, time.Time{}, false
	}
	if from.After(to) {
		http.Error(w, "from must not be after to", http.StatusBadRequest)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// cached answers from the TTL cache, keyed by the request URI.
func (s *Server) cached(w http.ResponseWriter, r *http.Request, load func(ctx context.Context) (any, error)) {
	key := r.URL.RequestURI()
	if v, ok := s.cache.Get(key); ok {
		writeJSON(w, http.StatusOK, v)
		return
	}

	v, err := load(r.Context())
	switch {
	case errors.Is(err, query.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		s.log.WithError(err).WithField("uri", key).Error("History query failed")
		http.Error(w, fmt.Sprintf("failed to query history: %v", err), http.StatusInternalServerError)
		return
	}
	s.cache.Set(key, v, cache.DefaultExpiration)
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

// timeParam accepts RFC 3339 or unix seconds.
func timeParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339 or unix seconds", name)
	}
	return t, nil
}
