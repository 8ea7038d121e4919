// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/astarte-platform/astarte-stream-test/mqtt/retry"
	"github.com/eclipse/paho.golang/paho"
)

// Connect establishes the first connection of the session client. It blocks
// until the connection succeeds or the connection retry policy gives up;
// afterwards the connection is maintained in the background until Disconnect
// is called or a fatal error occurs.
func (c *SessionClient) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(uint32(NotStarted), uint32(Started)) {
		return &ClientStateError{c.State()}
	}

	// Disconnect may abort the initial connection.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.ctx, cancel)()

	conn, err := c.connect(ctx, c.options.ConnectionRetry, true)
	if err != nil {
		c.state.Store(uint32(ShutDown))
		c.conn.Close()
		close(c.done)
		return err
	}

	go c.manageConnection(c.ctx, conn)

	return nil
}

// Disconnect sends a normal DISCONNECT to the server and stops all background
// activity. Pending operations fail with a ClientStateError.
func (c *SessionClient) Disconnect() error {
	if !c.state.CompareAndSwap(uint32(Started), uint32(ShutDown)) {
		return &ClientStateError{c.State()}
	}

	c.stop()
	<-c.done
	c.conn.Close()

	client, ok := c.conn.Current()
	if !ok {
		return nil
	}
	c.conn.Disconnect(client)

	packet := &paho.Disconnect{ReasonCode: disconnectNormalDisconnection}
	c.log.Packet(context.Background(), "disconnect", packet)
	if err := client.Disconnect(packet); err != nil {
		return &ConnectionError{
			message: "error sending DISCONNECT",
			wrapped: err,
		}
	}
	return nil
}

// Watch the current connection and replace it when it drops.
func (c *SessionClient) manageConnection(ctx context.Context, conn *connection) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-conn.lost:
			c.conn.Disconnect(conn.client)
			c.notifyDisconnect(ctx, err)

			var fatal *FatalDisconnectError
			if errors.As(err, &fatal) {
				c.terminate(err)
				return
			}

			next, err := c.connect(ctx, c.options.ReconnectRetry, false)
			if err != nil {
				if ctx.Err() == nil {
					c.terminate(err)
				}
				return
			}
			conn = next
		}
	}
}

// Run connection attempts under the retry policy. On success the connection
// is published to the tracker and the connect handlers are called.
func (c *SessionClient) connect(
	ctx context.Context,
	policy retry.Policy,
	first bool,
) (*connection, error) {
	var conn *connection
	err := policy.Start(ctx, "connect", func(ctx context.Context) (bool, error) {
		var again bool
		var err error
		conn, again, err = c.attemptConnect(ctx, first)
		return again, err
	})
	if err != nil {
		return nil, err
	}

	if !conn.sessionPresent && !first {
		c.log.Info(ctx, "server lost the session; restoring subscriptions")
		if err := c.restoreSubscriptions(ctx, conn.client); err != nil {
			conn.fail(err)
		}
	}

	c.conn.Connect(conn.client)
	c.log.Info(ctx, "connected",
		slog.String("client_id", c.options.ClientID),
		slog.Bool("session_present", conn.sessionPresent),
	)

	event := &ConnectEvent{
		ReasonCode:     connackSuccess,
		SessionPresent: conn.sessionPresent,
	}
	for _, handler := range c.connectEventHandlers.Snapshot() {
		handler(event)
	}
	return conn, nil
}

// A single connection attempt. The boolean reports whether the error is
// worth retrying.
func (c *SessionClient) attemptConnect(
	ctx context.Context,
	first bool,
) (*connection, bool, error) {
	if c.options.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.ConnectionTimeout)
		defer cancel()
	}

	packet, err := c.buildConnectPacket(ctx, first && c.options.CleanStart)
	if err != nil {
		return nil, true, err
	}

	netConn, err := c.connectionProvider(ctx)
	if err != nil {
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			err = &ConnectionError{
				message: "error opening network connection",
				wrapped: err,
			}
		}
		return nil, true, err
	}

	conn := &connection{lost: make(chan error, 1)}
	conn.client = paho.NewClient(paho.ClientConfig{
		ClientID: c.options.ClientID,
		Conn:     netConn,
		Session:  c.session,

		// Acks are sent once handlers are done with the message.
		EnableManualAcknowledgment: true,

		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			c.onPublishReceived,
		},
		OnClientError: func(err error) {
			if errors.Is(err, io.EOF) {
				err = &ConnectionError{
					message: "server closed connection",
					wrapped: err,
				}
			}
			conn.fail(err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.log.Packet(context.Background(), "server disconnect", d)
			conn.fail(disconnectError(d.ReasonCode))
		},
	})

	c.log.Packet(ctx, "connect", packet)
	connack, err := conn.client.Connect(ctx, packet)
	if connack != nil {
		c.log.Packet(ctx, "connack", connack)
	}

	switch {
	case connack != nil && isFatalConnackReasonCode(connack.ReasonCode):
		_ = netConn.Close()
		return nil, false, &FatalConnackError{connack.ReasonCode}

	case connack != nil && connack.ReasonCode >= connackUnspecifiedError:
		_ = netConn.Close()
		return nil, true, &ConnackError{connack.ReasonCode}

	case err != nil:
		_ = netConn.Close()
		return nil, true, &ConnectionError{
			message: "error connecting to MQTT server",
			wrapped: err,
		}

	case connack == nil:
		_ = netConn.Close()
		return nil, true, &ConnectionError{message: "no CONNACK received"}
	}

	conn.sessionPresent = connack.SessionPresent
	return conn, false, nil
}

func (c *SessionClient) buildConnectPacket(
	ctx context.Context,
	cleanStart bool,
) (*paho.Connect, error) {
	sessionExpiry := c.options.SessionExpiry
	receiveMaximum := c.options.ReceiveMaximum

	packet := &paho.Connect{
		ClientID:   c.options.ClientID,
		CleanStart: cleanStart,
		KeepAlive:  c.options.KeepAlive,
		Properties: &paho.ConnectProperties{
			SessionExpiryInterval: &sessionExpiry,
			ReceiveMaximum:        &receiveMaximum,
			// Without it the server omits user properties and reason
			// strings.
			RequestProblemInfo: true,
		},
	}

	if c.options.Username != nil {
		username, ok, err := c.options.Username(ctx)
		if err != nil {
			return nil, fmt.Errorf("error getting username: %w", err)
		}
		packet.Username, packet.UsernameFlag = username, ok
	}

	if c.options.Password != nil {
		password, ok, err := c.options.Password(ctx)
		if err != nil {
			return nil, fmt.Errorf("error getting password: %w", err)
		}
		packet.Password, packet.PasswordFlag = password, ok
	}

	return packet, nil
}

func (c *SessionClient) notifyDisconnect(ctx context.Context, err error) {
	event := &DisconnectEvent{Error: err}

	var d *DisconnectError
	var fd *FatalDisconnectError
	switch {
	case errors.As(err, &d):
		event.ReasonCode = &d.ReasonCode
	case errors.As(err, &fd):
		event.ReasonCode = &fd.ReasonCode
	}

	c.log.Warn(ctx, "connection lost", slog.String("error", err.Error()))
	for _, handler := range c.disconnectEventHandlers.Snapshot() {
		handler(event)
	}
}

func disconnectError(reasonCode byte) error {
	if isFatalDisconnectReasonCode(reasonCode) {
		return &FatalDisconnectError{reasonCode}
	}
	return &DisconnectError{reasonCode}
}
