// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/astarte-platform/astarte-stream-test/internal/handlers"
	"github.com/astarte-platform/astarte-stream-test/internal/log"
	"github.com/astarte-platform/astarte-stream-test/mqtt/internal"
	"github.com/astarte-platform/astarte-stream-test/mqtt/retry"
	"github.com/eclipse/paho.golang/paho"
	"github.com/eclipse/paho.golang/paho/session"
	"github.com/eclipse/paho.golang/paho/session/state"
	"github.com/google/uuid"
)

type (
	// SessionClient implements an MQTT v5 session client with QoS 0 and QoS 1
	// support. Once connected, it keeps the session alive across network
	// failures until it is disconnected or hits a fatal error.
	SessionClient struct {
		state atomic.Uint32

		// Tracker for the live paho client, replaced on every reconnection.
		conn *internal.ConnectionTracker[*paho.Client]

		// Lifetime of the background connection management.
		ctx  context.Context
		stop context.CancelFunc

		// Closed when the connection management goroutine exits.
		done chan struct{}

		// Number of publishes waiting for a connection or an acknowledgement.
		pending atomic.Int64

		// Active subscriptions, restored if the server loses the session.
		subscriptions   map[string]SubscribeOptions
		subscriptionsMu sync.Mutex

		messageHandlers         *handlers.List[MessageHandler]
		connectEventHandlers    *handlers.List[ConnectEventHandler]
		disconnectEventHandlers *handlers.List[DisconnectEventHandler]
		fatalErrorHandlers      *handlers.List[func(error)]

		// Paho's MQTT session state, shared by every client instance.
		session session.SessionManager

		connectionProvider ConnectionProvider
		options            SessionClientOptions

		log logger
	}

	// A single network connection and its paho client. The lost channel
	// receives the first error that ends the connection.
	connection struct {
		client         *paho.Client
		sessionPresent bool
		lost           chan error
	}
)

// NewSessionClient constructs a new session client with user options.
func NewSessionClient(
	connectionProvider ConnectionProvider,
	opts ...SessionClientOption,
) *SessionClient {
	client := &SessionClient{
		connectionProvider: connectionProvider,

		conn:          internal.NewConnectionTracker[*paho.Client](),
		done:          make(chan struct{}),
		subscriptions: map[string]SubscribeOptions{},

		messageHandlers:         handlers.New[MessageHandler](),
		connectEventHandlers:    handlers.New[ConnectEventHandler](),
		disconnectEventHandlers: handlers.New[DisconnectEventHandler](),
		fatalErrorHandlers:      handlers.New[func(error)](),

		session: state.NewInMemory(),
	}

	client.ctx, client.stop = context.WithCancel(context.Background())
	client.options.Apply(opts)

	if client.options.ClientID == "" {
		client.options.ClientID = randomClientID()
	}

	if client.options.KeepAlive == 0 {
		client.options.KeepAlive = defaultKeepAlive
	}

	if client.options.SessionExpiry == 0 {
		client.options.SessionExpiry = math.MaxUint32
	}

	if client.options.ReceiveMaximum == 0 {
		client.options.ReceiveMaximum = defaultReceiveMaximum
	}

	if client.options.MaxPendingPublishes <= 0 {
		client.options.MaxPendingPublishes = defaultMaxPending
	}

	if client.options.ConnectionRetry == nil {
		client.options.ConnectionRetry = &retry.ExponentialBackoff{
			MaxAttempts: defaultConnectRetries,
			Logger:      client.options.Logger,
		}
	}

	if client.options.ReconnectRetry == nil {
		client.options.ReconnectRetry = &retry.ExponentialBackoff{
			Logger: client.options.Logger,
		}
	}

	client.log.Logger = log.Wrap(client.options.Logger)

	return client
}

// ID returns the MQTT client ID for this session client.
func (c *SessionClient) ID() string {
	return c.options.ClientID
}

// State returns the lifecycle state of the session client.
func (c *SessionClient) State() ClientState {
	return ClientState(c.state.Load())
}

// RegisterMessageHandler registers a handler that is called for every
// message received on any subscription. It returns a function that removes
// the handler.
func (c *SessionClient) RegisterMessageHandler(
	handler MessageHandler,
) func() {
	return c.messageHandlers.Append(handler)
}

// RegisterConnectEventHandler registers a handler called after every
// successful connection, including reconnections.
func (c *SessionClient) RegisterConnectEventHandler(
	handler ConnectEventHandler,
) func() {
	return c.connectEventHandlers.Append(handler)
}

// RegisterDisconnectEventHandler registers a handler called whenever an
// established connection drops.
func (c *SessionClient) RegisterDisconnectEventHandler(
	handler DisconnectEventHandler,
) func() {
	return c.disconnectEventHandlers.Append(handler)
}

// RegisterFatalErrorHandler registers a handler called in a goroutine when
// the session client terminates due to a fatal error.
func (c *SessionClient) RegisterFatalErrorHandler(
	handler func(error),
) func() {
	return c.fatalErrorHandlers.Append(handler)
}

// Check the client is usable for a user operation.
func (c *SessionClient) prepare() error {
	if s := c.State(); s != Started {
		return &ClientStateError{s}
	}
	return nil
}

// Permanently stop the client after a fatal error.
func (c *SessionClient) terminate(err error) {
	c.state.Store(uint32(ShutDown))
	c.conn.Close()
	c.log.Err(context.Background(), err)
	for _, handler := range c.fatalErrorHandlers.Snapshot() {
		go handler(err)
	}
}

func (c *connection) fail(err error) {
	select {
	case c.lost <- err:
	default:
	}
}

func randomClientID() string {
	return "stream-" + uuid.NewString()
}
