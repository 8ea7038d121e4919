// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package astarte

import (
	"errors"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/astarte-platform/astarte-stream-test/mqtt"
	"github.com/sosodev/duration"
	"gopkg.in/ini.v1"
)

const transportSection = "AstarteTransport"

var errMissingHost = errors.New("broker URL has no host")

// TransportConfig is the device transport configuration, read from the
// [AstarteTransport] section of the transport configuration file.
type TransportConfig struct {
	Realm     string
	BrokerURL *url.URL
	ClientID  string

	Username     string
	PasswordFile string

	ClientCertificate      string
	PrivateKey             string
	PrivateKeyPasswordFile string
	CACertificate          string
	IgnoreSSLErrors        bool

	KeepAlive         time.Duration
	SessionExpiry     time.Duration
	ConnectionTimeout time.Duration

	// MaxConnectAttempts bounds the initial connection; 0 means unlimited.
	MaxConnectAttempts uint64
}

// LoadTransportConfig reads and validates the transport configuration file.
func LoadTransportConfig(path string) (*TransportConfig, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, &Error{
			Message:       "cannot read transport configuration",
			Kind:          ConfigurationInvalid,
			NestedError:   err,
			PropertyName:  "path",
			PropertyValue: path,
		}
	}

	sec := file.Section(transportSection)
	cfg := &TransportConfig{
		Realm:                  sec.Key("realm").String(),
		ClientID:               sec.Key("clientId").String(),
		Username:               sec.Key("username").String(),
		PasswordFile:           sec.Key("passwordFile").String(),
		ClientCertificate:      sec.Key("clientCertificate").String(),
		PrivateKey:             sec.Key("privateKey").String(),
		PrivateKeyPasswordFile: sec.Key("privateKeyPasswordFile").String(),
		CACertificate:          sec.Key("caCertificate").String(),
		IgnoreSSLErrors:        sec.Key("ignoreSslErrors").MustBool(false),
		MaxConnectAttempts:     sec.Key("maxConnectAttempts").MustUint64(5),
	}

	if cfg.Realm == "" {
		return nil, missingKey("realm")
	}

	raw := sec.Key("brokerUrl").String()
	if raw == "" {
		return nil, missingKey("brokerUrl")
	}
	if cfg.BrokerURL, err = parseBrokerURL(raw); err != nil {
		return nil, err
	}

	durations := []struct {
		key    string
		target *time.Duration
		def    time.Duration
	}{
		{"keepAlive", &cfg.KeepAlive, time.Minute},
		{"sessionExpiry", &cfg.SessionExpiry, 0},
		{"connectionTimeout", &cfg.ConnectionTimeout, 30 * time.Second},
	}
	for _, d := range durations {
		if *d.target, err = parseDuration(sec, d.key, d.def); err != nil {
			return nil, err
		}
	}

	// Keep alive and session expiry are whole seconds on the wire.
	if cfg.KeepAlive > math.MaxUint16*time.Second {
		return nil, &Error{
			Message:       "keepAlive exceeds 65535 seconds",
			Kind:          ConfigurationInvalid,
			PropertyName:  "keepAlive",
			PropertyValue: cfg.KeepAlive,
		}
	}
	if cfg.SessionExpiry > math.MaxUint32*time.Second {
		return nil, &Error{
			Message:       "sessionExpiry exceeds 4294967295 seconds",
			Kind:          ConfigurationInvalid,
			PropertyName:  "sessionExpiry",
			PropertyValue: cfg.SessionExpiry,
		}
	}

	if (cfg.ClientCertificate == "") != (cfg.PrivateKey == "") {
		return nil, &Error{
			Message:      "clientCertificate and privateKey must be set together",
			Kind:         ConfigurationInvalid,
			PropertyName: "clientCertificate",
		}
	}

	return cfg, nil
}

func missingKey(key string) error {
	return &Error{
		Message:      "missing required transport setting",
		Kind:         ConfigurationInvalid,
		PropertyName: key,
	}
}

func parseBrokerURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err == nil && u.Hostname() == "" {
		err = errMissingHost
	}
	if err != nil {
		return nil, &Error{
			Message:       "invalid broker URL",
			Kind:          ConfigurationInvalid,
			NestedError:   err,
			PropertyName:  "brokerUrl",
			PropertyValue: raw,
		}
	}

	switch u.Scheme {
	case "tcp", "mqtt", "ssl", "mqtts", "tls", "ws", "wss":
		return u, nil
	default:
		return nil, &Error{
			Message:       "unsupported broker URL scheme",
			Kind:          ConfigurationInvalid,
			PropertyName:  "brokerUrl",
			PropertyValue: raw,
		}
	}
}

// Durations are ISO 8601 (e.g. PT30S).
func parseDuration(
	sec *ini.Section,
	key string,
	def time.Duration,
) (time.Duration, error) {
	raw := sec.Key(key).String()
	if raw == "" {
		return def, nil
	}

	d, err := duration.Parse(raw)
	if err != nil {
		return 0, &Error{
			Message:       "invalid ISO 8601 duration",
			Kind:          ConfigurationInvalid,
			NestedError:   err,
			PropertyName:  key,
			PropertyValue: raw,
		}
	}
	return d.ToTimeDuration(), nil
}

func (c *TransportConfig) secure() bool {
	switch c.BrokerURL.Scheme {
	case "ssl", "mqtts", "tls", "wss":
		return true
	}
	return false
}

// ConnectionProvider builds the MQTT connection provider for the broker URL.
func (c *TransportConfig) ConnectionProvider() mqtt.ConnectionProvider {
	var tlsConfig mqtt.TLSConfigProvider
	if c.secure() {
		var opts []mqtt.TLSOption
		if c.CACertificate != "" {
			opts = append(opts, mqtt.WithCA(c.CACertificate))
		}
		switch {
		case c.ClientCertificate != "" && c.PrivateKeyPasswordFile != "":
			opts = append(opts, mqtt.WithEncryptedX509(
				c.ClientCertificate,
				c.PrivateKey,
				c.PrivateKeyPasswordFile,
			))
		case c.ClientCertificate != "":
			opts = append(opts, mqtt.WithX509(c.ClientCertificate, c.PrivateKey))
		}
		if c.IgnoreSSLErrors {
			opts = append(opts, mqtt.WithInsecureSkipVerify(true))
		}
		tlsConfig = mqtt.TLSConfig(opts...)
	}

	switch c.BrokerURL.Scheme {
	case "ws", "wss":
		return mqtt.WebSocketConnection(c.BrokerURL.String(), tlsConfig)
	}

	host := c.BrokerURL.Hostname()
	port := 1883
	if c.secure() {
		port = 8883
	}
	if p, err := strconv.Atoi(c.BrokerURL.Port()); err == nil {
		port = p
	}

	if tlsConfig != nil {
		return mqtt.TLSConnection(host, port, tlsConfig)
	}
	return mqtt.TCPConnection(host, port)
}
