// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package streamer periodically samples a waveform and sends each sample to a
// device channel.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astarte-platform/astarte-stream-test/astarte"
	"github.com/astarte-platform/astarte-stream-test/internal/log"
	"github.com/astarte-platform/astarte-stream-test/internal/wallclock"
	"github.com/astarte-platform/astarte-stream-test/waveform"
	"github.com/shopspring/decimal"
)

type (
	// Channel is the device surface the publisher needs.
	// *astarte.Device implements it.
	Channel interface {
		Init(ctx context.Context) error
		SendData(
			ctx context.Context,
			interfaceName string,
			path string,
			value any,
			timestamp time.Time,
		) error
		OnDataReceived(handler astarte.DataHandler) func()
	}

	// Config selects what is published and how often.
	Config struct {
		Interface string
		Path      string

		// Function names the waveform. Unknown names select the Fourier
		// approximation.
		Function string

		// Interval between samples in milliseconds. A negative interval
		// draws a random one before every sample.
		Interval int

		// Scale multiplies the phase advance per millisecond.
		Scale float64
	}

	// Publisher samples a waveform on a schedule and sends every sample
	// through its channel.
	Publisher struct {
		channel Channel
		cfg     Config
		kind    waveform.Kind
		jitter  bool

		rand    *rand.Rand
		clock   wallclock.WallClock
		metrics *Metrics
		log     log.Logger

		state   atomic.Uint32
		running atomic.Bool

		mu        sync.Mutex
		phase     float64
		interval  int
		published uint64
		rejected  uint64
		received  uint64
	}

	// Snapshot is a point-in-time view of the publisher.
	Snapshot struct {
		State     State
		Phase     float64
		Interval  time.Duration
		Published uint64
		Rejected  uint64
		Received  uint64
	}
)

const (
	jitterCoarseSteps = 600
	jitterFineSteps   = 1000
	inboundBuffer     = 64
)

// ErrRunning is returned by Run if the publisher has already been run.
var ErrRunning = errors.New("publisher already running")

// New creates a publisher for the given channel. The channel is not
// initialized until Run.
func New(channel Channel, cfg Config, opts ...PublisherOption) (*Publisher, error) {
	if channel == nil {
		return nil, errors.New("nil channel")
	}
	if math.IsNaN(cfg.Scale) || math.IsInf(cfg.Scale, 0) {
		return nil, fmt.Errorf("invalid scale %v", cfg.Scale)
	}

	var o PublisherOptions
	o.Apply(opts)

	p := &Publisher{
		channel: channel,
		cfg:     cfg,
		kind:    waveform.ParseKind(cfg.Function),
		jitter:  cfg.Interval < 0,
		rand:    o.Rand,
		clock:   o.Clock,
		metrics: o.Metrics,
		log:     log.Wrap(o.Logger),
	}
	if p.clock == nil {
		p.clock = wallclock.Instance
	}
	if p.rand == nil {
		seed := uint64(p.clock.Now().UnixNano())
		p.rand = rand.New(rand.NewPCG(seed, seed>>32))
	}

	p.interval = cfg.Interval
	if p.jitter {
		p.interval = p.drawInterval()
	}
	if p.metrics != nil {
		p.metrics.Interval.Set(float64(p.interval))
	}
	return p, nil
}

// Kind returns the waveform selected at construction.
func (p *Publisher) Kind() waveform.Kind {
	return p.kind
}

// State returns the lifecycle state.
func (p *Publisher) State() State {
	return State(p.state.Load())
}

// Snapshot returns the current phase, interval, state and counters.
func (p *Publisher) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		State:     p.State(),
		Phase:     p.phase,
		Interval:  time.Duration(p.interval) * time.Millisecond,
		Published: p.published,
		Rejected:  p.rejected,
		Received:  p.received,
	}
}

// Run initializes the channel and publishes samples until ctx is done. If
// initialization fails, the failure is logged and Run idles until ctx is done
// without publishing anything. Run returns nil once ctx is done; it may only
// be called once.
func (p *Publisher) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	inbound := make(chan *astarte.Data, inboundBuffer)
	remove := p.channel.OnDataReceived(func(ctx context.Context, d *astarte.Data) {
		select {
		case inbound <- d:
		default:
			p.onData(ctx, d)
		}
	})
	defer remove()

	initDone := make(chan error, 1)
	go func() { initDone <- p.channel.Init(ctx) }()

	var timer wallclock.Timer
	var tick <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-initDone:
			initDone = nil
			if err != nil {
				p.fail(ctx, err)
				continue
			}
			p.ready(ctx)
			timer = p.clock.NewTimer(p.delay())
			tick = timer.C()

		case <-tick:
			p.tick(ctx)
			timer.Reset(p.delay())

		case d := <-inbound:
			p.onData(ctx, d)
		}
	}
}

func (p *Publisher) ready(ctx context.Context) {
	p.state.Store(uint32(Ready))
	if p.metrics != nil {
		p.metrics.Ready.Set(1)
	}
	p.log.Info(ctx, "device initialized",
		slog.String("interface", p.cfg.Interface),
		slog.String("path", p.cfg.Path),
		slog.String("function", p.kind.String()),
	)
}

func (p *Publisher) fail(ctx context.Context, err error) {
	p.state.Store(uint32(Failed))
	if p.metrics != nil {
		p.metrics.Ready.Set(0)
	}

	var ae *astarte.Error
	if errors.As(err, &ae) {
		p.log.Log(ctx, slog.LevelError, "initialization failed",
			slog.String("name", ae.Name()),
			slog.String("message", ae.Message),
		)
		return
	}
	p.log.Log(ctx, slog.LevelError, "initialization failed",
		slog.String("error", err.Error()),
	)
}

// Evaluate and send one sample, then move to the next phase.
func (p *Publisher) tick(ctx context.Context) {
	if p.State() != Ready {
		return
	}

	p.mu.Lock()
	phase := p.phase
	p.mu.Unlock()

	value := p.kind.Eval(phase, p.rand)
	p.log.Debug(ctx, "sample",
		slog.String("phase", fixed(phase)),
		slog.String("value", fixed(value)),
	)

	err := p.channel.SendData(
		ctx,
		p.cfg.Interface,
		p.cfg.Path,
		value,
		p.clock.Now(),
	)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.rejected++
		if p.metrics != nil {
			p.metrics.Rejected.Inc()
		}
		p.log.Warn(ctx, "sample rejected", slog.String("error", err.Error()))
	} else {
		p.published++
		if p.metrics != nil {
			p.metrics.Published.Inc()
		}
	}

	if p.jitter {
		p.interval = p.drawInterval()
	}
	p.phase += 2 * math.Pi * float64(p.interval) * p.cfg.Scale

	if p.metrics != nil {
		p.metrics.Phase.Set(p.phase)
		p.metrics.Interval.Set(float64(p.interval))
	}
}

func (p *Publisher) onData(ctx context.Context, d *astarte.Data) {
	p.mu.Lock()
	p.received++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.Received.WithLabelValues(d.Interface).Inc()
	}

	typ := "nil"
	if d.Value != nil {
		typ = reflect.TypeOf(d.Value).String()
	}
	p.log.Info(ctx, "data received",
		slog.String("interface", d.Interface),
		slog.String("path", d.Path),
		slog.Any("value", d.Value),
		slog.String("type", typ),
	)
}

func (p *Publisher) delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.interval) * time.Millisecond
}

// Random interval in milliseconds: whole seconds up to ten minutes plus a
// millisecond offset.
func (p *Publisher) drawInterval() int {
	coarse := p.rand.IntN(jitterCoarseSteps)
	fine := p.rand.IntN(jitterFineSteps)
	return coarse*1000 + fine
}

// Five decimals, rounded half away from zero.
func fixed(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', 5, 64)
	}
	return decimal.NewFromFloat(v).StringFixed(5)
}
