// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package streamer_test

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/astarte-platform/astarte-stream-test/astarte"
	"github.com/astarte-platform/astarte-stream-test/internal/wallclock"
	"github.com/astarte-platform/astarte-stream-test/streamer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type (
	fakeClock struct {
		now    time.Time
		timers chan *fakeTimer
	}

	fakeTimer struct {
		c      chan time.Time
		resets chan time.Duration
	}

	sample struct {
		iface string
		path  string
		value any
		ts    time.Time
	}

	fakeChannel struct {
		initErr error
		sendErr error
		sent    chan sample

		mu      sync.Mutex
		handler astarte.DataHandler
	}
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch, timers: make(chan *fakeTimer, 4)}
}

func (c *fakeClock) After(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

func (c *fakeClock) NewTimer(d time.Duration) wallclock.Timer {
	t := &fakeTimer{
		c:      make(chan time.Time, 1),
		resets: make(chan time.Duration, 16),
	}
	t.resets <- d
	c.timers <- t
	return t
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.c
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.resets <- d
	return true
}

func (t *fakeTimer) Stop() bool {
	return true
}

// Fire the timer and wait for the publisher to schedule the next tick.
func (t *fakeTimer) fire(tt *testing.T) time.Duration {
	t.c <- epoch
	select {
	case d := <-t.resets:
		return d
	case <-time.After(5 * time.Second):
		tt.Fatal("timer was not rescheduled")
		return 0
	}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{sent: make(chan sample, 16)}
}

func (c *fakeChannel) Init(context.Context) error {
	return c.initErr
}

func (c *fakeChannel) SendData(
	_ context.Context,
	iface string,
	path string,
	value any,
	ts time.Time,
) error {
	c.sent <- sample{iface, path, value, ts}
	return c.sendErr
}

func (c *fakeChannel) OnDataReceived(h astarte.DataHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handler = nil
	}
}

func (c *fakeChannel) deliver(ctx context.Context, d *astarte.Data) bool {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(ctx, d)
	return true
}

type runner struct {
	cancel context.CancelFunc
	done   chan error
}

func run(t *testing.T, p *streamer.Publisher) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- p.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *runner) stop(t *testing.T) {
	r.cancel()
	select {
	case err, ok := <-r.done:
		if ok {
			require.NoError(t, err)
			close(r.done)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not stop")
	}
}

func firstTimer(t *testing.T, c *fakeClock) (*fakeTimer, time.Duration) {
	select {
	case tm := <-c.timers:
		return tm, <-tm.resets
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not start its timer")
		return nil, 0
	}
}

func TestSine(t *testing.T) {
	ch := newFakeChannel()
	clk := newFakeClock()
	m, err := streamer.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	p, err := streamer.New(ch, streamer.Config{
		Interface: "org.astarte.Stream",
		Path:      "/value",
		Function:  "sin",
		Interval:  1000,
		Scale:     1,
	}, streamer.WithClock(clk), streamer.WithMetrics(m))
	require.NoError(t, err)
	require.Equal(t, streamer.Uninitialized, p.State())

	run(t, p)

	tm, d := firstTimer(t, clk)
	require.Equal(t, time.Second, d)
	require.Equal(t, streamer.Ready, p.State())
	require.Equal(t, float64(1), testutil.ToFloat64(m.Ready))

	require.Equal(t, time.Second, tm.fire(t))

	s := <-ch.sent
	require.Equal(t, "org.astarte.Stream", s.iface)
	require.Equal(t, "/value", s.path)
	require.Equal(t, 0.0, s.value)
	require.Equal(t, epoch, s.ts)

	snap := p.Snapshot()
	require.InDelta(t, 2*math.Pi*1000, snap.Phase, 1e-9)
	require.Equal(t, uint64(1), snap.Published)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Published))
	require.InDelta(t, 2*math.Pi*1000, testutil.ToFloat64(m.Phase), 1e-9)

	tm.fire(t)
	s = <-ch.sent
	require.InDelta(t, math.Sin(2*math.Pi*1000), s.value, 1e-9)
	require.InDelta(t, 2*math.Pi*2000, p.Snapshot().Phase, 1e-9)
}

func TestPhaseIndependentOfKind(t *testing.T) {
	for _, fn := range []string{"x", "saw", "rect", "sinc", "random", "nope"} {
		t.Run(fn, func(t *testing.T) {
			ch := newFakeChannel()
			clk := newFakeClock()
			p, err := streamer.New(ch, streamer.Config{
				Function: fn,
				Interval: 250,
				Scale:    0.5,
			}, streamer.WithClock(clk), streamer.WithRand(rand.New(rand.NewPCG(1, 2))))
			require.NoError(t, err)

			run(t, p)
			tm, _ := firstTimer(t, clk)
			tm.fire(t)
			tm.fire(t)
			<-ch.sent
			<-ch.sent

			require.InDelta(t, 2*2*math.Pi*250*0.5, p.Snapshot().Phase, 1e-9)
		})
	}
}

func TestJitter(t *testing.T) {
	const seed1, seed2 = 42, 7
	expected := rand.New(rand.NewPCG(seed1, seed2))
	draw := func() int {
		coarse := expected.IntN(600)
		fine := expected.IntN(1000)
		return coarse*1000 + fine
	}

	ch := newFakeChannel()
	clk := newFakeClock()
	p, err := streamer.New(ch, streamer.Config{
		Function: "x",
		Interval: -1,
		Scale:    0.001,
	}, streamer.WithClock(clk), streamer.WithRand(rand.New(rand.NewPCG(seed1, seed2))))
	require.NoError(t, err)

	first := draw()
	require.Equal(t, time.Duration(first)*time.Millisecond, p.Snapshot().Interval)

	run(t, p)
	tm, d := firstTimer(t, clk)
	require.Equal(t, time.Duration(first)*time.Millisecond, d)

	phase := 0.0
	for range 5 {
		next := draw()
		require.GreaterOrEqual(t, next, 0)
		require.LessOrEqual(t, next, 599_999)

		require.Equal(t, time.Duration(next)*time.Millisecond, tm.fire(t))

		s := <-ch.sent
		require.InDelta(t, phase, s.value, 1e-9)

		phase += 2 * math.Pi * float64(next) * 0.001
		require.InDelta(t, phase, p.Snapshot().Phase, 1e-9)
	}
}

func TestInitFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ch := newFakeChannel()
	ch.initErr = &astarte.Error{
		Message: "cannot connect",
		Kind:    astarte.ConnectionFailed,
	}
	clk := newFakeClock()
	m, err := streamer.NewMetrics(nil)
	require.NoError(t, err)

	p, err := streamer.New(ch, streamer.Config{
		Function: "sin",
		Interval: 10,
		Scale:    1,
	}, streamer.WithClock(clk), streamer.WithMetrics(m), streamer.WithLogger(logger))
	require.NoError(t, err)

	r := run(t, p)
	require.Eventually(t, func() bool {
		return p.State() == streamer.Failed
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-clk.timers:
		t.Fatal("timer started after failed initialization")
	case <-time.After(50 * time.Millisecond):
	}
	require.Empty(t, ch.sent)
	require.Equal(t, float64(0), testutil.ToFloat64(m.Ready))

	r.stop(t)
	require.Contains(t, buf.String(), `"name":"astarte.ConnectionFailed"`)
	require.Contains(t, buf.String(), `"message":"cannot connect"`)
	require.Zero(t, p.Snapshot().Published)
}

func TestRejectedSample(t *testing.T) {
	ch := newFakeChannel()
	ch.sendErr = &astarte.Error{
		Message: "cannot queue sample",
		Kind:    astarte.TransportFailed,
	}
	clk := newFakeClock()
	m, err := streamer.NewMetrics(nil)
	require.NoError(t, err)

	p, err := streamer.New(ch, streamer.Config{
		Function: "sin",
		Interval: 100,
		Scale:    1,
	}, streamer.WithClock(clk), streamer.WithMetrics(m))
	require.NoError(t, err)

	run(t, p)
	tm, _ := firstTimer(t, clk)
	tm.fire(t)
	<-ch.sent

	snap := p.Snapshot()
	require.Equal(t, uint64(1), snap.Rejected)
	require.Zero(t, snap.Published)
	require.InDelta(t, 2*math.Pi*100, snap.Phase, 1e-9)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Rejected))
}

func TestDataReceived(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ch := newFakeChannel()
	clk := newFakeClock()
	m, err := streamer.NewMetrics(nil)
	require.NoError(t, err)

	p, err := streamer.New(ch, streamer.Config{
		Function: "sin",
		Interval: 100,
		Scale:    1,
	}, streamer.WithClock(clk), streamer.WithMetrics(m), streamer.WithLogger(logger))
	require.NoError(t, err)

	run(t, p)
	firstTimer(t, clk)

	require.True(t, ch.deliver(context.Background(), &astarte.Data{
		Interface: "org.astarte.Commands",
		Path:      "/gain",
		Value:     int32(3),
	}))

	require.Eventually(t, func() bool {
		return p.Snapshot().Received == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, float64(1), testutil.ToFloat64(
		m.Received.WithLabelValues("org.astarte.Commands"),
	))
	require.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte(`"type":"int32"`))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunTwice(t *testing.T) {
	ch := newFakeChannel()
	clk := newFakeClock()
	p, err := streamer.New(ch, streamer.Config{Interval: 1, Scale: 1},
		streamer.WithClock(clk))
	require.NoError(t, err)

	run(t, p)
	require.Eventually(t, func() bool {
		return p.State() == streamer.Ready
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, p.Run(context.Background()), streamer.ErrRunning)
}

func TestNewInvalid(t *testing.T) {
	_, err := streamer.New(nil, streamer.Config{Scale: 1})
	require.Error(t, err)

	_, err = streamer.New(newFakeChannel(), streamer.Config{Scale: math.NaN()})
	require.Error(t, err)

	_, err = streamer.New(newFakeChannel(), streamer.Config{Scale: math.Inf(1)})
	require.Error(t, err)
}

func TestMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := streamer.NewMetrics(reg)
	require.NoError(t, err)
	_, err = streamer.NewMetrics(reg)
	require.Error(t, err)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
