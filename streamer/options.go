// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package streamer

import (
	"log/slog"
	"math/rand/v2"

	"github.com/astarte-platform/astarte-stream-test/internal/options"
	"github.com/astarte-platform/astarte-stream-test/internal/wallclock"
)

type (
	// PublisherOptions are the resolved publisher options.
	PublisherOptions struct {
		// Rand drives the noisy waveforms and the jitter intervals. It
		// defaults to a generator seeded from the current time.
		Rand *rand.Rand

		Clock   wallclock.WallClock
		Metrics *Metrics
		Logger  *slog.Logger
	}

	// PublisherOption represents a single publisher option.
	PublisherOption interface{ publisher(*PublisherOptions) }

	withRand    struct{ *rand.Rand }
	withClock   struct{ wallclock.WallClock }
	withMetrics struct{ *Metrics }
	withLogger  struct{ *slog.Logger }
)

// Apply resolves the provided list of options.
func (o *PublisherOptions) Apply(
	opts []PublisherOption,
	rest ...PublisherOption,
) {
	for opt := range options.Apply[PublisherOption](opts, rest...) {
		opt.publisher(o)
	}
}

func (o *PublisherOptions) publisher(opt *PublisherOptions) {
	if o != nil {
		*opt = *o
	}
}

// WithRand sets the random generator owned by the publisher.
func WithRand(r *rand.Rand) PublisherOption {
	return withRand{r}
}

func (o withRand) publisher(opt *PublisherOptions) {
	opt.Rand = o.Rand
}

// WithClock sets the clock used for scheduling and timestamps.
func WithClock(c wallclock.WallClock) PublisherOption {
	return withClock{c}
}

func (o withClock) publisher(opt *PublisherOptions) {
	opt.Clock = o.WallClock
}

// WithMetrics enables metrics collection.
func WithMetrics(m *Metrics) PublisherOption {
	return withMetrics{m}
}

func (o withMetrics) publisher(opt *PublisherOptions) {
	opt.Metrics = o.Metrics
}

// WithLogger enables logging with the provided slog logger.
func WithLogger(l *slog.Logger) PublisherOption {
	return withLogger{l}
}

func (o withLogger) publisher(opt *PublisherOptions) {
	opt.Logger = o.Logger
}
