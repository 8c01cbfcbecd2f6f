package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"NetTrafficSentinel/internal/engine/aggregator"
	"NetTrafficSentinel/internal/engine/exclusion"
	"NetTrafficSentinel/internal/engine/protocol/protocoltest"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	data []byte
	wire int // original length, defaults to len(data)
	err  error
}

// fakeSource replays steps and then either ends with io.EOF or, when live,
// keeps returning read timeouts.
type fakeSource struct {
	mu     sync.Mutex
	steps  []step
	live   bool
	closed bool
	drops  *DropStats
}

func (f *fakeSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.steps) == 0 {
		if f.live {
			time.Sleep(time.Millisecond)
			return nil, gopacket.CaptureInfo{}, ErrReadTimeout
		}
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	if s.err != nil {
		return nil, gopacket.CaptureInfo{}, s.err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(s.data),
		Length:        len(s.data),
	}
	if s.wire > 0 {
		ci.Length = s.wire
	}
	return s.data, ci, nil
}

func (f *fakeSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type dropSource struct{ *fakeSource }

func (d dropSource) DropStats() (DropStats, error) { return *d.drops, nil }

// sequence returns an opener handing out the given sources in order and
// failing once they are used up.
func sequence(calls *atomic.Int32, sources ...Source) Opener {
	return func(ctx context.Context) (Source, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(sources) {
			return nil, errors.New("no such device")
		}
		return sources[n], nil
	}
}

func packets(frames ...[]byte) []step {
	out := make([]step, len(frames))
	for i, f := range frames {
		out[i] = step{data: f}
	}
	return out
}

func fastOptions() Options {
	return Options{
		MaxReadErrors: 3,
		MaxReopens:    2,
		OpenTimeout:   time.Second,
		ReopenBackoff: time.Millisecond,
	}
}

func TestCapture_ExclusionScenario(t *testing.T) {
	ex, err := exclusion.New([]string{"2001:db8::/32"})
	require.NoError(t, err)

	src := &fakeSource{steps: []step{
		{data: protocoltest.Ethernet("2a00:1450::1", "2001:db8::5", 200)},
		{data: protocoltest.Ethernet("192.0.2.1", "192.0.2.10", 58), wire: 100},
		{data: protocoltest.Ethernet("192.0.2.1", "192.0.2.10", 8), wire: 50},
	}}
	agg := aggregator.New()
	var calls atomic.Int32
	c := New(sequence(&calls, src), agg, ex, fastOptions())

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, StateStopped, c.State())
	assert.True(t, src.isClosed())

	snap := agg.Flush()
	require.Len(t, snap.Records, 1)
	rec := snap.Records[0]
	assert.Equal(t, "192.0.2.1->192.0.2.10", rec.Key.String())
	assert.Equal(t, "v4", rec.Key.Family().String())
	assert.Equal(t, uint64(150), rec.Counter.Bytes)
	assert.Equal(t, uint64(2), rec.Counter.Packets)

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Seen)
	assert.Equal(t, uint64(2), stats.Counted)
	assert.Equal(t, uint64(1), stats.Excluded)
}

func TestCapture_ExcludesEitherEndpoint(t *testing.T) {
	ex, err := exclusion.New([]string{"fd00::/8"})
	require.NoError(t, err)

	src := &fakeSource{steps: packets(
		protocoltest.Ethernet("fd00::1", "2001:db8::1", 10),
		protocoltest.Ethernet("2001:db8::1", "fd12::1", 10),
		protocoltest.Ethernet("2001:db8::1", "2001:db8::2", 10),
	)}
	agg := aggregator.New()
	var calls atomic.Int32
	c := New(sequence(&calls, src), agg, ex, fastOptions())
	require.NoError(t, c.Run(context.Background()))

	snap := agg.Flush()
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "2001:db8::1->2001:db8::2", snap.Records[0].Key.String())
	assert.Equal(t, uint64(2), c.Stats().Excluded)
}

func TestCapture_UnparsedPackets(t *testing.T) {
	src := &fakeSource{steps: packets(
		protocoltest.ARP(),
		protocoltest.Truncated(protocoltest.Ethernet("192.0.2.1", "192.0.2.10", 10), 20),
		protocoltest.Ethernet("192.0.2.1", "192.0.2.10", 10),
	)}
	agg := aggregator.New()
	var calls atomic.Int32
	c := New(sequence(&calls, src), agg, nil, fastOptions())
	require.NoError(t, c.Run(context.Background()))

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Seen)
	assert.Equal(t, uint64(2), stats.Unparsed)
	assert.Equal(t, uint64(1), stats.Counted)
	assert.Equal(t, 1, agg.Len())
}

func TestCapture_OpenFailureIsFatal(t *testing.T) {
	var calls atomic.Int32
	c := New(sequence(&calls), aggregator.New(), nil, fastOptions())

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOpen))
	assert.Contains(t, err.Error(), "no such device")
	assert.Equal(t, int32(1), calls.Load(), "open failure must not be retried")
	assert.Equal(t, StateStopped, c.State())
}

func TestCapture_OpenTimeout(t *testing.T) {
	opener := func(ctx context.Context) (Source, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	opts := fastOptions()
	opts.OpenTimeout = 20 * time.Millisecond
	c := New(opener, aggregator.New(), nil, opts)

	err := c.Run(context.Background())
	assert.True(t, errors.Is(err, ErrOpen))
}

func TestCapture_UnsupportedLinkType(t *testing.T) {
	opener := func(ctx context.Context) (Source, error) { return wifiSource{&fakeSource{}}, nil }
	c := New(opener, aggregator.New(), nil, fastOptions())
	assert.True(t, errors.Is(c.Run(context.Background()), ErrOpen))
}

type wifiSource struct{ *fakeSource }

func (wifiSource) LinkType() layers.LinkType { return layers.LinkTypeIEEE802_11 }

func TestCapture_ReopenAfterReadErrors(t *testing.T) {
	readErr := errors.New("read error")
	first := &fakeSource{steps: []step{{err: readErr}, {err: readErr}, {err: readErr}}}
	second := &fakeSource{steps: packets(protocoltest.Ethernet("192.0.2.1", "192.0.2.10", 10))}

	var mu sync.Mutex
	var transitions []State
	opts := fastOptions()
	opts.OnStateChange = func(from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	agg := aggregator.New()
	var calls atomic.Int32
	c := New(sequence(&calls, first, second), agg, nil, opts)
	require.NoError(t, c.Run(context.Background()))

	// Not serving while no handle is open.
	mu.Lock()
	assert.Equal(t, []State{
		StateStarting, StateRunning,
		StateStarting, StateRunning,
		StateDraining, StateStopped,
	}, transitions)
	mu.Unlock()

	assert.True(t, first.isClosed())
	assert.True(t, second.isClosed())
	assert.Equal(t, int32(2), calls.Load())

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.ReadErrors)
	assert.Equal(t, uint64(1), stats.Reopens)
	assert.Equal(t, uint64(1), stats.Counted)
}

func TestCapture_SporadicReadErrorsDoNotReopen(t *testing.T) {
	readErr := errors.New("read error")
	frame := protocoltest.Ethernet("192.0.2.1", "192.0.2.10", 10)
	src := &fakeSource{steps: []step{
		{err: readErr}, {err: readErr}, {data: frame},
		{err: readErr}, {err: readErr}, {data: frame},
	}}
	var calls atomic.Int32
	c := New(sequence(&calls, src), aggregator.New(), nil, fastOptions())
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(4), c.Stats().ReadErrors)
	assert.Equal(t, uint64(0), c.Stats().Reopens)
}

func TestCapture_RetryBudgetExhausted(t *testing.T) {
	readErr := errors.New("interface went away")
	broken := &fakeSource{steps: []step{{err: readErr}, {err: readErr}, {err: readErr}}}

	var calls atomic.Int32
	c := New(sequence(&calls, broken), aggregator.New(), nil, fastOptions())

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetryBudgetExhausted))
	assert.False(t, errors.Is(err, ErrOpen))
	assert.Equal(t, int32(3), calls.Load()) // initial open + MaxReopens
	assert.Equal(t, uint64(2), c.Stats().Reopens)
	assert.Equal(t, StateStopped, c.State())
}

func TestCapture_CancelDrains(t *testing.T) {
	src := &fakeSource{live: true, steps: packets(protocoltest.Ethernet("192.0.2.1", "192.0.2.10", 10))}

	var mu sync.Mutex
	var transitions []State
	opts := fastOptions()
	opts.OnStateChange = func(from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	agg := aggregator.New()
	var calls atomic.Int32
	c := New(sequence(&calls, src), agg, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Stats().Counted == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, c.State())
	assert.ErrorIs(t, c.Run(ctx), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not stop after cancel")
	}

	assert.True(t, src.isClosed())
	assert.Equal(t, StateStopped, c.State())
	mu.Lock()
	assert.Equal(t, []State{StateStarting, StateRunning, StateDraining, StateStopped}, transitions)
	mu.Unlock()
	assert.Equal(t, 1, agg.Len())
}

func TestCapture_DropCounters(t *testing.T) {
	first := dropSource{&fakeSource{
		steps: []step{{err: errors.New("x")}, {err: errors.New("x")}, {err: errors.New("x")}},
		drops: &DropStats{Dropped: 7, IfDropped: 1},
	}}
	second := dropSource{&fakeSource{drops: &DropStats{Dropped: 3}}}

	var calls atomic.Int32
	c := New(sequence(&calls, first, second), aggregator.New(), nil, fastOptions())
	require.NoError(t, c.Run(context.Background()))

	stats := c.Stats()
	assert.Equal(t, uint64(10), stats.Dropped)
	assert.Equal(t, uint64(1), stats.IfDropped)
}

type zeroCopySource struct {
	*fakeSource
	zc int
}

func (z *zeroCopySource) ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	z.zc++
	return z.fakeSource.ReadPacketData()
}

func TestCapture_PrefersZeroCopy(t *testing.T) {
	src := &zeroCopySource{fakeSource: &fakeSource{steps: packets(protocoltest.Ethernet("192.0.2.1", "192.0.2.10", 10))}}
	var calls atomic.Int32
	c := New(sequence(&calls, src), aggregator.New(), nil, fastOptions())
	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 2, src.zc) // one packet, then EOF
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "unknown", State(42).String())
}
