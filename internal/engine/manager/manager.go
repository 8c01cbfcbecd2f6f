package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"NetTrafficSentinel/internal/logging"
	"NetTrafficSentinel/internal/model"

	"github.com/sirupsen/logrus"
)

// Flusher hands over the aggregated counters and starts a new epoch.
type Flusher interface {
	Flush() model.Snapshot
}

// CommitFunc observes the outcome of every commit attempt.
type CommitFunc func(writer string, snapshot model.Snapshot, took time.Duration, err error)

// Options configures a Manager.
type Options struct {
	// Interval is the flush period.
	Interval time.Duration
	// CommitTimeout bounds a single Commit call.
	CommitTimeout time.Duration
	// MaxBacklog is the number of failed snapshots kept per writer and
	// re-committed on the next tick. Zero disables retries.
	MaxBacklog int

	Logger   logrus.FieldLogger
	OnCommit CommitFunc
}

// Manager periodically flushes the aggregator and commits every snapshot to
// each writer. It owns the writers and closes them when it stops.
type Manager struct {
	flusher Flusher
	writers []model.Writer
	opts    Options
	log     *logrus.Entry

	// backlog[i] holds snapshots writers[i] failed to commit, oldest first.
	backlog [][]model.Snapshot
}

// New creates a new Manager.
func New(flusher Flusher, writers []model.Writer, opts Options) (*Manager, error) {
	if len(writers) == 0 {
		return nil, errors.New("manager needs at least one writer")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("flush interval must be a positive duration, got %s", opts.Interval)
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 30 * time.Second
	}
	if opts.MaxBacklog < 0 {
		opts.MaxBacklog = 0
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Manager{
		flusher: flusher,
		writers: writers,
		opts:    opts,
		log:     logging.WithComponent(opts.Logger, "manager"),
		backlog: make([][]model.Snapshot, len(writers)),
	}, nil
}

// Run flushes on every tick until ctx is cancelled, then performs a final
// flush and commit and closes the writers. Commit failures are logged and never
// end the loop.
func (m *Manager) Run(ctx context.Context) error {
	m.log.WithFields(logrus.Fields{
		"interval": m.opts.Interval.String(),
		"writers":  len(m.writers),
	}).Info("Started snapshotter")

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.FlushAndCommit()
		case <-ctx.Done():
			m.log.Info("Taking final snapshot before shutdown")
			m.FlushAndCommit()
			m.closeWriters()
			m.log.Info("Manager stopped.")
			return nil
		}
	}
}

// FlushAndCommit takes one snapshot and hands it to every writer concurrently.
func (m *Manager) FlushAndCommit() model.Snapshot {
	snap := m.flusher.Flush()
	totals := snap.Totals()
	m.log.WithFields(logrus.Fields{
		"snapshot": snap.ID.String(),
		"flows":    totals.Flows,
		"bytes":    totals.Bytes,
		"packets":  totals.Packets,
	}).Info("Taking snapshot")

	var wg sync.WaitGroup
	wg.Add(len(m.writers))
	for i := range m.writers {
		go func(i int) {
			defer wg.Done()
			m.commitWithBacklog(i, snap)
		}(i)
	}
	wg.Wait()
	return snap
}

// commitWithBacklog first retries older failed snapshots for writer i, then
// commits snap. Only this writer's goroutine touches backlog[i].
func (m *Manager) commitWithBacklog(i int, snap model.Snapshot) {
	w := m.writers[i]
	pending := append(m.backlog[i], snap)
	m.backlog[i] = nil

	for j, s := range pending {
		if err := m.commit(w, s); err != nil {
			if m.opts.MaxBacklog > 0 {
				m.keep(i, pending[j:])
			}
			return
		}
	}
}

func (m *Manager) keep(i int, failed []model.Snapshot) {
	if over := len(failed) - m.opts.MaxBacklog; over > 0 {
		for _, s := range failed[:over] {
			m.log.WithFields(logrus.Fields{
				"writer":   m.writers[i].Name(),
				"snapshot": s.ID.String(),
				"flows":    len(s.Records),
			}).Warn("Backlog full, dropping oldest snapshot")
		}
		failed = failed[over:]
	}
	m.backlog[i] = append([]model.Snapshot(nil), failed...)
}

func (m *Manager) commit(w model.Writer, snap model.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CommitTimeout)
	defer cancel()

	start := time.Now()
	err := w.Commit(ctx, snap)
	took := time.Since(start)
	if m.opts.OnCommit != nil {
		m.opts.OnCommit(w.Name(), snap, took, err)
	}

	entry := m.log.WithFields(logrus.Fields{
		"writer":   w.Name(),
		"snapshot": snap.ID.String(),
		"took":     took.String(),
	})
	if err != nil {
		entry.WithError(err).Error("Error writing snapshot")
		return err
	}
	entry.WithField("records", len(snap.Records)).Info("Snapshot committed to writer")
	return nil
}

// Backlog returns the number of snapshots waiting for retry per writer name.
// It must not be called while Run is active.
func (m *Manager) Backlog() map[string]int {
	out := make(map[string]int, len(m.writers))
	for i, w := range m.writers {
		out[w.Name()] = len(m.backlog[i])
	}
	return out
}

func (m *Manager) closeWriters() {
	for i, w := range m.writers {
		if n := len(m.backlog[i]); n > 0 {
			m.log.WithField("writer", w.Name()).Warnf("%d snapshot(s) could not be committed before shutdown", n)
		}
		if err := w.Close(); err != nil {
			m.log.WithField("writer", w.Name()).WithError(err).Warn("Failed to close writer")
		}
	}
}
