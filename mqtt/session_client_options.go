// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"log/slog"
	"time"

	"github.com/astarte-platform/astarte-stream-test/internal/options"
	"github.com/astarte-platform/astarte-stream-test/mqtt/retry"
)

type (
	// SessionClientOptions are the resolved options for the session client.
	SessionClientOptions struct {
		// CleanStart requests a new session on the first connection.
		// Reconnections always resume the existing session.
		CleanStart bool

		KeepAlive      uint16
		SessionExpiry  uint32
		ReceiveMaximum uint16

		// ConnectionTimeout bounds each individual connection attempt.
		ConnectionTimeout time.Duration

		ClientID string
		Username UsernameProvider
		Password PasswordProvider

		// ConnectionRetry is the policy for the initial connection. By
		// default a few attempts are made before Connect gives up.
		ConnectionRetry retry.Policy

		// ReconnectRetry is the policy used after a connection drop. By
		// default reconnection is attempted until a fatal error.
		ReconnectRetry retry.Policy

		// MaxPendingPublishes bounds the publishes waiting for a connection
		// or an acknowledgement.
		MaxPendingPublishes int

		Logger *slog.Logger
	}

	// SessionClientOption represents a single option for the session client.
	SessionClientOption interface{ sessionClient(*SessionClientOptions) }

	// WithCleanStart sets whether the first connection starts a new session.
	WithCleanStart bool

	// WithKeepAlive sets the keep-alive interval in seconds.
	WithKeepAlive uint16

	// WithSessionExpiry sets the session expiry interval in seconds.
	WithSessionExpiry uint32

	// WithReceiveMaximum sets the maximum number of in-flight QoS 1 messages
	// the client accepts from the server.
	WithReceiveMaximum uint16

	// WithConnectionTimeout sets the timeout of each connection attempt.
	WithConnectionTimeout time.Duration

	// WithClientID sets the MQTT client ID.
	WithClientID string

	// WithUsername sets the provider for the MQTT username.
	WithUsername UsernameProvider

	// WithPassword sets the provider for the MQTT password.
	WithPassword PasswordProvider

	// WithConnectionRetry sets the retry policy of the initial connection.
	WithConnectionRetry struct{ retry.Policy }

	// WithReconnectRetry sets the retry policy used after connection drops.
	WithReconnectRetry struct{ retry.Policy }

	// WithMaxPendingPublishes bounds the number of pending publishes.
	WithMaxPendingPublishes int

	withLogger struct{ *slog.Logger }
)

// Apply resolves the provided list of options.
func (o *SessionClientOptions) Apply(
	opts []SessionClientOption,
	rest ...SessionClientOption,
) {
	for opt := range options.Apply[SessionClientOption](opts, rest...) {
		opt.sessionClient(o)
	}
}

func (o *SessionClientOptions) sessionClient(opt *SessionClientOptions) {
	if o != nil {
		*opt = *o
	}
}

func (o WithCleanStart) sessionClient(opt *SessionClientOptions) {
	opt.CleanStart = bool(o)
}

func (o WithKeepAlive) sessionClient(opt *SessionClientOptions) {
	opt.KeepAlive = uint16(o)
}

func (o WithSessionExpiry) sessionClient(opt *SessionClientOptions) {
	opt.SessionExpiry = uint32(o)
}

func (o WithReceiveMaximum) sessionClient(opt *SessionClientOptions) {
	opt.ReceiveMaximum = uint16(o)
}

func (o WithConnectionTimeout) sessionClient(opt *SessionClientOptions) {
	opt.ConnectionTimeout = time.Duration(o)
}

func (o WithClientID) sessionClient(opt *SessionClientOptions) {
	opt.ClientID = string(o)
}

func (o WithUsername) sessionClient(opt *SessionClientOptions) {
	opt.Username = UsernameProvider(o)
}

func (o WithPassword) sessionClient(opt *SessionClientOptions) {
	opt.Password = PasswordProvider(o)
}

func (o WithConnectionRetry) sessionClient(opt *SessionClientOptions) {
	opt.ConnectionRetry = o.Policy
}

func (o WithReconnectRetry) sessionClient(opt *SessionClientOptions) {
	opt.ReconnectRetry = o.Policy
}

func (o WithMaxPendingPublishes) sessionClient(opt *SessionClientOptions) {
	opt.MaxPendingPublishes = int(o)
}

// WithLogger enables logging with the provided slog logger.
func WithLogger(l *slog.Logger) SessionClientOption {
	return withLogger{l}
}

func (o withLogger) sessionClient(opt *SessionClientOptions) {
	opt.Logger = o.Logger
}
