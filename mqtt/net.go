// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"

	"github.com/eclipse/paho.golang/packets"
)

// ConnectionProvider is a function that returns a net.Conn connected to an
// MQTT server that is ready to read from and write to. The returned net.Conn
// must be safe for concurrent writes.
type ConnectionProvider func(context.Context) (net.Conn, error)

// TLSConfigProvider returns the *tls.Config used for a new TLS connection.
// It is called for every connection attempt so certificates can be rotated.
type TLSConfigProvider func(context.Context) (*tls.Config, error)

// TCPConnection is a ConnectionProvider that connects to an MQTT server over
// plain TCP.
func TCPConnection(hostname string, port int) ConnectionProvider {
	address := net.JoinHostPort(hostname, strconv.Itoa(port))
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, &ConnectionError{
				message: "error opening TCP connection",
				wrapped: err,
			}
		}
		return packets.NewThreadSafeConn(conn), nil
	}
}

// ConstantTLSConfig is a TLSConfigProvider that returns an unchanging
// *tls.Config.
func ConstantTLSConfig(config *tls.Config) TLSConfigProvider {
	return func(context.Context) (*tls.Config, error) {
		return config, nil
	}
}

// TLSConnection is a ConnectionProvider that connects to an MQTT server with
// TLS over TCP. A nil provider uses the zero configuration.
func TLSConnection(
	hostname string,
	port int,
	tlsConfigProvider TLSConfigProvider,
) ConnectionProvider {
	address := net.JoinHostPort(hostname, strconv.Itoa(port))
	if tlsConfigProvider == nil {
		tlsConfigProvider = ConstantTLSConfig(nil)
	}

	return func(ctx context.Context) (net.Conn, error) {
		config, err := tlsConfigProvider(ctx)
		if err != nil {
			return nil, &ConnectionError{
				message: "error getting TLS configuration",
				wrapped: err,
			}
		}

		if config != nil && config.ServerName == "" {
			config = config.Clone()
			config.ServerName = hostname
		}

		d := tls.Dialer{Config: config}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, &ConnectionError{
				message: "error opening TLS connection",
				wrapped: err,
			}
		}
		return packets.NewThreadSafeConn(conn), nil
	}
}
