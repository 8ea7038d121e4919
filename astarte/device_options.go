// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package astarte

import (
	"log/slog"

	"github.com/astarte-platform/astarte-stream-test/internal/options"
	"github.com/astarte-platform/astarte-stream-test/mqtt"
)

type (
	// DeviceOptions are the resolved device options.
	DeviceOptions struct {
		// ConnectionProvider overrides the provider derived from the broker
		// URL of the transport configuration.
		ConnectionProvider mqtt.ConnectionProvider

		// ClientID overrides the MQTT client ID. It defaults to the clientId
		// setting, then to <realm>/<device>.
		ClientID string

		// QueueSize bounds the samples waiting to be published.
		QueueSize int

		Logger *slog.Logger
	}

	// DeviceOption represents a single device option.
	DeviceOption interface{ device(*DeviceOptions) }

	// WithClientID sets the MQTT client ID.
	WithClientID string

	// WithQueueSize sets the size of the outgoing queue.
	WithQueueSize int

	withConnectionProvider mqtt.ConnectionProvider

	withLogger struct{ *slog.Logger }
)

const defaultQueueSize = 1024

// Apply resolves the provided list of options.
func (o *DeviceOptions) Apply(
	opts []DeviceOption,
	rest ...DeviceOption,
) {
	for opt := range options.Apply[DeviceOption](opts, rest...) {
		opt.device(o)
	}
}

func (o *DeviceOptions) device(opt *DeviceOptions) {
	if o != nil {
		*opt = *o
	}
}

func (o WithClientID) device(opt *DeviceOptions) {
	opt.ClientID = string(o)
}

func (o WithQueueSize) device(opt *DeviceOptions) {
	opt.QueueSize = int(o)
}

// WithConnectionProvider replaces the network connection derived from the
// transport configuration, e.g. to reach an in-process broker.
func WithConnectionProvider(p mqtt.ConnectionProvider) DeviceOption {
	return withConnectionProvider(p)
}

func (o withConnectionProvider) device(opt *DeviceOptions) {
	opt.ConnectionProvider = mqtt.ConnectionProvider(o)
}

// WithLogger enables logging with the provided slog logger.
func WithLogger(l *slog.Logger) DeviceOption {
	return withLogger{l}
}

func (o withLogger) device(opt *DeviceOptions) {
	opt.Logger = o.Logger
}
