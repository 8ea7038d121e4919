// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import "fmt"

// ClientState indicates the current state of the session client.
type ClientState uint32

const (
	// The session client has not yet been connected.
	NotStarted ClientState = iota

	// The session client has been connected and has not yet been
	// disconnected by the user or terminated due to a fatal error.
	Started

	// The session client has been disconnected by the user or terminated due
	// to a fatal error.
	ShutDown
)

func (s ClientState) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Started:
		return "started"
	case ShutDown:
		return "shut down"
	default:
		return fmt.Sprintf("ClientState(%d)", uint32(s))
	}
}

// ClientStateError is returned when the operation cannot proceed due to the
// state of the session client.
type ClientStateError struct {
	State ClientState
}

func (e *ClientStateError) Error() string {
	switch e.State {
	case NotStarted:
		return "the session client has not yet been connected"
	case Started:
		return "the session client has already been connected"
	default:
		return "the session client has been shut down"
	}
}

// DisconnectError indicates that the session client received a DISCONNECT
// packet from the server with a reason code that is not deemed to be fatal.
type DisconnectError struct {
	ReasonCode byte
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf(
		"received DISCONNECT packet with reason code %#x",
		e.ReasonCode,
	)
}

// FatalDisconnectError indicates that the session client has terminated due
// to receiving a DISCONNECT packet from the server with a reason code that
// is deemed to be fatal.
type FatalDisconnectError struct {
	ReasonCode byte
}

func (e *FatalDisconnectError) Error() string {
	return fmt.Sprintf(
		"received DISCONNECT packet with fatal reason code %#x",
		e.ReasonCode,
	)
}

// ConnectionError indicates an issue with the network connection to the MQTT
// server. It may wrap an underlying error.
type ConnectionError struct {
	wrapped error
	message string
}

func (e *ConnectionError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrapped)
	}
	return e.message
}

func (e *ConnectionError) Unwrap() error {
	return e.wrapped
}

// ConnackError indicates that the session client received a CONNACK with a
// reason code that indicates an error but is not deemed to be fatal. It may
// still be returned from Connect once the retries are exhausted.
type ConnackError struct {
	ReasonCode byte
}

func (e *ConnackError) Error() string {
	return fmt.Sprintf(
		"received CONNACK packet with error reason code %#x",
		e.ReasonCode,
	)
}

// FatalConnackError indicates that the session client has terminated due to
// receiving a CONNACK with a reason code that is deemed to be fatal.
type FatalConnackError struct {
	ReasonCode byte
}

func (e *FatalConnackError) Error() string {
	return fmt.Sprintf(
		"received CONNACK packet with fatal reason code %#x",
		e.ReasonCode,
	)
}

// AckError indicates that the server rejected a PUBLISH, SUBSCRIBE or
// UNSUBSCRIBE with an error reason code.
type AckError struct {
	Packet       string
	ReasonCode   byte
	ReasonString string
}

func (e *AckError) Error() string {
	if e.ReasonString != "" {
		return fmt.Sprintf(
			"%s failed with reason code %#x: %s",
			e.Packet,
			e.ReasonCode,
			e.ReasonString,
		)
	}
	return fmt.Sprintf(
		"%s failed with reason code %#x",
		e.Packet,
		e.ReasonCode,
	)
}

// InvalidArgumentError indicates that the user has provided an invalid value
// for an option. It may wrap an underlying error.
type InvalidArgumentError struct {
	wrapped error
	message string
}

func (e *InvalidArgumentError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrapped)
	}
	return e.message
}

func (e *InvalidArgumentError) Unwrap() error {
	return e.wrapped
}

// PublishQueueFullError is returned if there are too many publishes pending
// and the session client is not accepting any more. It is a sign that the
// connection is unstable or the application publishes faster than the server
// acknowledges.
type PublishQueueFullError struct{}

func (*PublishQueueFullError) Error() string {
	return "publish queue full"
}
