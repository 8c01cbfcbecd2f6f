// Package capture runs the packet capture loop: it reads a packet source,
// decodes headers, applies the exclusion filter and feeds the aggregator.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"NetTrafficSentinel/internal/engine/exclusion"
	"NetTrafficSentinel/internal/engine/protocol"
	"NetTrafficSentinel/internal/logging"
	"NetTrafficSentinel/internal/model"

	"github.com/google/gopacket"
	"github.com/sirupsen/logrus"
)

var (
	// ErrOpen wraps a failure to open the packet source at startup. It is fatal.
	ErrOpen = errors.New("failed to open packet source")
	// ErrRetryBudgetExhausted is returned when the source kept failing and
	// every reopen attempt was used up.
	ErrRetryBudgetExhausted = errors.New("capture retry budget exhausted")
	// ErrAlreadyRunning is returned by Run when the capture is already active.
	ErrAlreadyRunning = errors.New("capture already running")
)

// Recorder receives counted packets.
type Recorder interface {
	RecordAt(key model.FlowKey, bytes uint64, ts time.Time)
}

// Options tunes error handling of the capture loop. Zero values take defaults.
type Options struct {
	// MaxReadErrors is the number of consecutive read errors after which the
	// source is closed and reopened.
	MaxReadErrors int
	// MaxReopens bounds reopen attempts until a packet is read again.
	MaxReopens int
	// OpenTimeout bounds a single open attempt.
	OpenTimeout time.Duration
	// ReopenBackoff is the pause before each reopen attempt.
	ReopenBackoff time.Duration
	// StatsInterval is how often kernel drop counters are polled.
	StatsInterval time.Duration

	Logger        logrus.FieldLogger
	OnStateChange func(from, to State)
}

func (o *Options) setDefaults() {
	if o.MaxReadErrors <= 0 {
		o.MaxReadErrors = 5
	}
	if o.MaxReopens <= 0 {
		o.MaxReopens = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 10 * time.Second
	}
	if o.ReopenBackoff <= 0 {
		o.ReopenBackoff = 2 * time.Second
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

// Stats is a point-in-time copy of the capture counters.
type Stats struct {
	Seen       uint64 `json:"seen"`
	Counted    uint64 `json:"counted"`
	Excluded   uint64 `json:"excluded"`
	Unparsed   uint64 `json:"unparsed"`
	ReadErrors uint64 `json:"read_errors"`
	Reopens    uint64 `json:"reopens"`
	Dropped    uint64 `json:"dropped"`
	IfDropped  uint64 `json:"if_dropped"`
}

type counters struct {
	seen, counted, excluded, unparsed atomic.Uint64
	readErrors, reopens               atomic.Uint64
	dropped, ifDropped                atomic.Uint64
}

// Capture owns one packet source at a time and is the single producer for the
// aggregator it was given.
type Capture struct {
	opener  Opener
	rec     Recorder
	exclude *exclusion.Set
	opts    Options
	log     *logrus.Entry

	state   atomic.Int32
	running atomic.Bool
	stats   counters

	// Loop goroutine only.
	dropBase DropStats
	lastPoll time.Time
}

// New creates a capture loop. exclude may be nil.
func New(opener Opener, rec Recorder, exclude *exclusion.Set, opts Options) *Capture {
	opts.setDefaults()
	return &Capture{
		opener:  opener,
		rec:     rec,
		exclude: exclude,
		opts:    opts,
		log:     logging.WithComponent(opts.Logger, "capture"),
	}
}

// State returns the current lifecycle state.
func (c *Capture) State() State {
	return State(c.state.Load())
}

// Stats returns a copy of the counters.
func (c *Capture) Stats() Stats {
	return Stats{
		Seen:       c.stats.seen.Load(),
		Counted:    c.stats.counted.Load(),
		Excluded:   c.stats.excluded.Load(),
		Unparsed:   c.stats.unparsed.Load(),
		ReadErrors: c.stats.readErrors.Load(),
		Reopens:    c.stats.reopens.Load(),
		Dropped:    c.stats.dropped.Load(),
		IfDropped:  c.stats.ifDropped.Load(),
	}
}

// Run opens the source and processes packets until ctx is cancelled, the source
// is exhausted or the retry budget runs out. It returns nil on a clean stop.
func (c *Capture) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	c.setState(StateStarting)
	src, dec, err := c.openSource(ctx)
	if err != nil {
		c.setState(StateStopped)
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}
	c.setState(StateRunning)
	c.log.WithField("link_type", src.LinkType().String()).Info("Capture started")

	read := readFunc(src)
	consecutive, attempts := 0, 0
	for {
		if ctx.Err() != nil {
			c.drain(src)
			return nil
		}

		data, ci, err := read()
		switch {
		case err == nil:
			consecutive, attempts = 0, 0
			c.handle(dec, data, ci)
		case errors.Is(err, ErrReadTimeout):
			// idle
		case errors.Is(err, io.EOF):
			c.log.Info("Packet source exhausted")
			c.drain(src)
			return nil
		default:
			c.stats.readErrors.Add(1)
			consecutive++
			if consecutive < c.opts.MaxReadErrors {
				c.log.WithError(err).Debug("Packet read failed")
				continue
			}
			c.log.WithError(err).WithField("consecutive", consecutive).Warn("Packet source degraded, reopening")
			c.closeSource(src)
			c.setState(StateStarting)

			src, dec, err = c.reopen(ctx, &attempts)
			if err != nil {
				if ctx.Err() != nil {
					c.setState(StateDraining)
					c.setState(StateStopped)
					return nil
				}
				c.log.WithError(err).Error("Giving up on packet source")
				c.setState(StateStopped)
				return err
			}
			c.setState(StateRunning)
			read = readFunc(src)
			consecutive = 0
		}
		c.pollDrops(src, false)
	}
}

func (c *Capture) handle(dec *protocol.Decoder, data []byte, ci gopacket.CaptureInfo) {
	c.stats.seen.Add(1)

	pkt := dec.Decode(data, ci)
	if pkt.Kind == protocol.KindUnrecognized {
		c.stats.unparsed.Add(1)
		return
	}
	key, ok := model.NewFlowKey(pkt.Src, pkt.Dst)
	if !ok {
		c.stats.unparsed.Add(1)
		return
	}
	if c.exclude.IsExcluded(key.Src) || c.exclude.IsExcluded(key.Dst) {
		c.stats.excluded.Add(1)
		return
	}

	ts := pkt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	c.rec.RecordAt(key, uint64(pkt.Length), ts)
	c.stats.counted.Add(1)
}

func (c *Capture) reopen(ctx context.Context, attempts *int) (Source, *protocol.Decoder, error) {
	for *attempts < c.opts.MaxReopens {
		*attempts++
		c.stats.reopens.Add(1)

		timer := time.NewTimer(c.opts.ReopenBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-timer.C:
		}

		src, dec, err := c.openSource(ctx)
		if err == nil {
			c.log.WithField("attempt", *attempts).Info("Packet source reopened")
			return src, dec, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		c.log.WithError(err).WithField("attempt", *attempts).Warn("Reopen attempt failed")
	}
	return nil, nil, fmt.Errorf("%w: %d reopen attempts failed", ErrRetryBudgetExhausted, c.opts.MaxReopens)
}

// openSource calls the opener with a deadline and prepares a decoder for the
// source's link type.
func (c *Capture) openSource(ctx context.Context) (Source, *protocol.Decoder, error) {
	octx, cancel := context.WithTimeout(ctx, c.opts.OpenTimeout)
	defer cancel()

	type result struct {
		src Source
		err error
	}
	ch := make(chan result, 1)
	go func() {
		src, err := c.opener(octx)
		ch <- result{src, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-octx.Done():
		go func() {
			if late := <-ch; late.src != nil {
				late.src.Close()
			}
		}()
		return nil, nil, fmt.Errorf("open timed out after %s: %w", c.opts.OpenTimeout, octx.Err())
	}
	if r.err != nil {
		return nil, nil, r.err
	}

	dec, err := protocol.NewDecoder(r.src.LinkType())
	if err != nil {
		r.src.Close()
		return nil, nil, err
	}
	c.lastPoll = time.Time{}
	return r.src, dec, nil
}

func (c *Capture) drain(src Source) {
	c.setState(StateDraining)
	c.closeSource(src)
	stats := c.Stats()
	c.log.WithFields(logrus.Fields{
		"seen":     stats.Seen,
		"counted":  stats.Counted,
		"excluded": stats.Excluded,
		"unparsed": stats.Unparsed,
		"dropped":  stats.Dropped,
	}).Info("Capture stopped")
	c.setState(StateStopped)
}

func (c *Capture) closeSource(src Source) {
	c.pollDrops(src, true)
	c.dropBase = DropStats{
		Dropped:   c.stats.dropped.Load(),
		IfDropped: c.stats.ifDropped.Load(),
	}
	if err := src.Close(); err != nil {
		c.log.WithError(err).Warn("Failed to close packet source")
	}
}

// pollDrops folds the source's cumulative drop counters into the capture
// totals. Counters restart with every handle, hence dropBase.
func (c *Capture) pollDrops(src Source, force bool) {
	dc, ok := src.(DropCounter)
	if !ok {
		return
	}
	now := time.Now()
	if !force && now.Sub(c.lastPoll) < c.opts.StatsInterval {
		return
	}
	c.lastPoll = now
	s, err := dc.DropStats()
	if err != nil {
		c.log.WithError(err).Debug("Failed to read drop counters")
		return
	}
	c.stats.dropped.Store(c.dropBase.Dropped + s.Dropped)
	c.stats.ifDropped.Store(c.dropBase.IfDropped + s.IfDropped)
}

func (c *Capture) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("Capture state changed")
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(from, to)
	}
}

func readFunc(src Source) func() ([]byte, gopacket.CaptureInfo, error) {
	if zc, ok := src.(ZeroCopySource); ok {
		return zc.ZeroCopyReadPacketData
	}
	return src.ReadPacketData
}
