// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package astarte

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astarte-platform/astarte-stream-test/internal/handlers"
	"github.com/astarte-platform/astarte-stream-test/internal/log"
	"github.com/astarte-platform/astarte-stream-test/mqtt"
	"github.com/astarte-platform/astarte-stream-test/mqtt/retry"
)

type (
	// Data is a value received from the server on a server-owned interface.
	Data struct {
		Interface string
		Path      string

		// Value is decoded according to the mapping type; it is nil when a
		// property is unset.
		Value any

		// Timestamp is zero if the server sent none.
		Timestamp time.Time
	}

	// DataHandler is a callback that observes received data.
	DataHandler = func(context.Context, *Data)

	// Device connects to Astarte as a single device. It must be initialized
	// with Init before data can be sent.
	Device struct {
		deviceID      string
		configPath    string
		interfacesDir string
		options       DeviceOptions

		state atomic.Uint32

		// Set during Init, read-only afterwards.
		transport  *TransportConfig
		interfaces map[string]*Interface
		base       string
		filters    []string
		client     *mqtt.SessionClient
		stop       context.CancelFunc
		sender     sync.WaitGroup

		// Set once the first connection has been announced.
		announced atomic.Bool

		outgoing chan *outgoing
		handlers *handlers.List[DataHandler]

		log log.Logger
	}

	outgoing struct {
		iface   string
		path    string
		topic   string
		payload []byte
		qos     byte
	}
)

const (
	deviceNew uint32 = iota
	deviceInitializing
	deviceReady
	deviceFailed
	deviceClosed
)

var errMissingValue = errors.New("payload has no value")

// NewDevice creates a device reading its transport configuration from
// configPath and its interface definitions from interfacesDir. Nothing is
// read or connected until Init.
func NewDevice(
	configPath string,
	interfacesDir string,
	deviceID string,
	opts ...DeviceOption,
) *Device {
	d := &Device{
		deviceID:      deviceID,
		configPath:    configPath,
		interfacesDir: interfacesDir,
		handlers:      handlers.New[DataHandler](),
	}
	d.options.Apply(opts)
	if d.options.QueueSize <= 0 {
		d.options.QueueSize = defaultQueueSize
	}
	d.outgoing = make(chan *outgoing, d.options.QueueSize)
	d.log = log.Wrap(d.options.Logger)
	return d
}

// ID returns the device ID.
func (d *Device) ID() string {
	return d.deviceID
}

// Init loads the configuration, connects to the broker, subscribes to the
// server-owned interfaces and announces the device introspection. It can be
// called only once; on failure the device stays unusable.
func (d *Device) Init(ctx context.Context) error {
	if !d.state.CompareAndSwap(deviceNew, deviceInitializing) {
		return &Error{
			Message:      "device already initialized",
			Kind:         StateInvalid,
			PropertyName: "device",
		}
	}

	if err := d.init(ctx); err != nil {
		d.state.CompareAndSwap(deviceInitializing, deviceFailed)
		return err
	}

	if !d.state.CompareAndSwap(deviceInitializing, deviceReady) {
		d.shutdown()
		return &Error{
			Message:      "device closed during initialization",
			Kind:         StateInvalid,
			PropertyName: "device",
		}
	}

	d.log.Info(ctx, "device initialized",
		slog.String("device_id", d.deviceID),
		slog.String("realm", d.transport.Realm),
		slog.Int("interfaces", len(d.interfaces)),
	)
	return nil
}

func (d *Device) init(ctx context.Context) error {
	if d.deviceID == "" || strings.ContainsAny(d.deviceID, "/+#") {
		return &Error{
			Message:       "invalid device ID",
			Kind:          ArgumentInvalid,
			PropertyName:  "deviceID",
			PropertyValue: d.deviceID,
		}
	}
	if err := ValidateDeviceID(d.deviceID); err != nil {
		d.log.Warn(ctx, "device ID is not a canonical Astarte device ID",
			slog.String("device_id", d.deviceID),
		)
	}

	transport, err := LoadTransportConfig(d.configPath)
	if err != nil {
		return err
	}
	interfaces, err := LoadInterfaces(d.interfacesDir)
	if err != nil {
		return err
	}

	d.transport = transport
	d.interfaces = interfaces
	d.base = transport.Realm + "/" + d.deviceID
	for _, name := range d.sortedInterfaces() {
		if d.interfaces[name].Ownership == OwnershipServer {
			d.filters = append(d.filters, d.base+"/"+name+"/#")
		}
	}
	d.client = mqtt.NewSessionClient(d.connectionProvider(), d.sessionOptions()...)
	d.client.RegisterMessageHandler(d.onMessage)
	d.client.RegisterConnectEventHandler(d.onConnect)

	if err := d.client.Connect(ctx); err != nil {
		return &Error{
			Message:     "cannot connect to broker",
			Kind:        ConnectionFailed,
			NestedError: err,
		}
	}

	if err := d.setup(ctx); err != nil {
		_ = d.client.Disconnect()
		return err
	}

	var senderCtx context.Context
	senderCtx, d.stop = context.WithCancel(context.Background())
	d.sender.Add(1)
	go d.send(senderCtx)
	return nil
}

func (d *Device) connectionProvider() mqtt.ConnectionProvider {
	if d.options.ConnectionProvider != nil {
		return d.options.ConnectionProvider
	}
	return d.transport.ConnectionProvider()
}

func (d *Device) sessionOptions() []mqtt.SessionClientOption {
	clientID := d.options.ClientID
	if clientID == "" {
		clientID = d.transport.ClientID
	}
	if clientID == "" {
		clientID = d.base
	}

	opts := []mqtt.SessionClientOption{
		mqtt.WithClientID(clientID),
		mqtt.WithKeepAlive(uint16(d.transport.KeepAlive / time.Second)),
		mqtt.WithConnectionTimeout(d.transport.ConnectionTimeout),
		mqtt.WithConnectionRetry{Policy: &retry.ExponentialBackoff{
			MaxAttempts: d.transport.MaxConnectAttempts,
			Logger:      d.options.Logger,
		}},
		mqtt.WithLogger(d.options.Logger),
	}

	if d.transport.SessionExpiry > 0 {
		opts = append(opts, mqtt.WithSessionExpiry(
			uint32(d.transport.SessionExpiry/time.Second),
		))
	}
	if d.transport.Username != "" {
		opts = append(opts, mqtt.WithUsername(
			mqtt.ConstantUsername(d.transport.Username),
		))
	}
	if d.transport.PasswordFile != "" {
		opts = append(opts, mqtt.WithPassword(
			mqtt.FilePassword(d.transport.PasswordFile),
		))
	}
	return opts
}

// Subscribe to the server-owned interfaces and announce the device.
func (d *Device) setup(ctx context.Context) error {
	for _, name := range d.sortedInterfaces() {
		if d.interfaces[name].Ownership != OwnershipServer {
			continue
		}
		topic := d.base + "/" + name + "/#"
		if _, err := d.client.Subscribe(ctx, topic, mqtt.WithQoS(1)); err != nil {
			return &Error{
				Message:       "cannot subscribe to server interface",
				Kind:          TransportFailed,
				NestedError:   err,
				PropertyName:  "interface",
				PropertyValue: name,
			}
		}
	}

	if err := d.announce(ctx); err != nil {
		return &Error{
			Message:     "cannot announce introspection",
			Kind:        TransportFailed,
			NestedError: err,
		}
	}
	d.announced.Store(true)
	return nil
}

// Publish the introspection and ask the server to resend properties.
func (d *Device) announce(ctx context.Context) error {
	introspection := Introspection(d.interfaces)
	if _, err := d.client.Publish(
		ctx,
		d.base,
		[]byte(introspection),
		mqtt.WithQoS(1),
	); err != nil {
		return err
	}
	d.log.Debug(ctx, "introspection sent",
		slog.String("introspection", introspection),
	)

	_, err := d.client.Publish(
		ctx,
		d.base+"/control/emptyCache",
		[]byte("1"),
		mqtt.WithQoS(1),
	)
	return err
}

// A reconnection without a session needs a new announcement.
func (d *Device) onConnect(e *mqtt.ConnectEvent) {
	if !d.announced.Load() || e.SessionPresent {
		return
	}
	go func() {
		ctx := context.Background()
		if err := d.announce(ctx); err != nil {
			d.log.Err(ctx, &Error{
				Message:     "cannot announce introspection",
				Kind:        TransportFailed,
				NestedError: err,
			})
		}
	}()
}

func (d *Device) subscribed(topic string) bool {
	return slices.ContainsFunc(d.filters, func(filter string) bool {
		return mqtt.IsTopicFilterMatch(filter, topic)
	})
}

func (d *Device) sortedInterfaces() []string {
	return slices.Sorted(maps.Keys(d.interfaces))
}

// SendData queues a value for publication on a device-owned interface. The
// value is checked against the interface mapping; transport failures after
// queueing are only logged.
func (d *Device) SendData(
	ctx context.Context,
	interfaceName string,
	path string,
	value any,
	timestamp time.Time,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.state.Load() != deviceReady {
		return &Error{
			Message:      "device is not initialized",
			Kind:         StateInvalid,
			PropertyName: "device",
		}
	}

	iface, ok := d.interfaces[interfaceName]
	if !ok {
		return &Error{
			Message:       "unknown interface",
			Kind:          ArgumentInvalid,
			PropertyName:  "interface",
			PropertyValue: interfaceName,
		}
	}
	if iface.Ownership != OwnershipDevice {
		return &Error{
			Message:       "interface is not device-owned",
			Kind:          ArgumentInvalid,
			PropertyName:  "interface",
			PropertyValue: interfaceName,
		}
	}

	mapping, ok := iface.Mapping(path)
	if !ok {
		return &Error{
			Message:       "path matches no mapping of " + interfaceName,
			Kind:          ArgumentInvalid,
			PropertyName:  "path",
			PropertyValue: path,
		}
	}

	wire, err := encodeValue(mapping.Type, value)
	if err != nil {
		return &Error{
			Message:       "value does not match mapping type",
			Kind:          ArgumentInvalid,
			NestedError:   err,
			PropertyName:  "value",
			PropertyValue: value,
		}
	}

	data, err := encodePayload(wire, timestamp)
	if err != nil {
		return &Error{
			Message:     "cannot encode payload",
			Kind:        PayloadInvalid,
			NestedError: err,
		}
	}

	item := &outgoing{
		iface:   interfaceName,
		path:    path,
		topic:   d.base + "/" + interfaceName + path,
		payload: data,
		qos:     mapping.QoS(),
	}
	select {
	case d.outgoing <- item:
		return nil
	default:
		return &Error{
			Message:     "cannot queue sample",
			Kind:        TransportFailed,
			NestedError: &mqtt.PublishQueueFullError{},
		}
	}
}

// Drain the outgoing queue until the device is closed.
func (d *Device) send(ctx context.Context) {
	defer d.sender.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.outgoing:
			_, err := d.client.Publish(
				ctx,
				item.topic,
				item.payload,
				mqtt.WithQoS(item.qos),
			)
			switch {
			case err == nil:
				d.log.Debug(ctx, "data sent",
					slog.String("interface", item.iface),
					slog.String("path", item.path),
				)
			case ctx.Err() == nil:
				d.log.Err(ctx, &Error{
					Message:       "cannot publish data",
					Kind:          TransportFailed,
					NestedError:   err,
					PropertyName:  "interface",
					PropertyValue: item.iface,
				}, slog.String("path", item.path))
			}
		}
	}
}

// OnDataReceived registers a handler for data received on server-owned
// interfaces. It returns a function that removes the handler.
func (d *Device) OnDataReceived(handler DataHandler) func() {
	return d.handlers.Append(handler)
}

func (d *Device) onMessage(ctx context.Context, msg *mqtt.Message) {
	defer func() { _ = msg.Ack() }()

	rest, ok := strings.CutPrefix(msg.Topic, d.base+"/")
	if !ok {
		return
	}
	if strings.HasPrefix(rest, "control/") {
		d.log.Debug(ctx, "control message", slog.String("topic", msg.Topic))
		return
	}

	if !d.subscribed(msg.Topic) {
		d.log.Debug(ctx, "message outside device subscriptions",
			slog.String("topic", msg.Topic),
		)
		return
	}

	name, path, _ := strings.Cut(rest, "/")
	path = "/" + path

	iface, ok := d.interfaces[name]
	if !ok || iface.Ownership != OwnershipServer {
		d.log.Warn(ctx, "data on unknown server interface",
			slog.String("interface", name),
			slog.String("path", path),
		)
		return
	}

	var typ string
	if mapping, ok := iface.Mapping(path); ok {
		typ = mapping.Type
	} else {
		d.log.Warn(ctx, "data on unmapped path",
			slog.String("interface", name),
			slog.String("path", path),
		)
	}

	data := &Data{Interface: name, Path: path}
	if len(msg.Payload) > 0 {
		var err error
		data.Value, data.Timestamp, err = decodePayload(typ, msg.Payload)
		if err != nil {
			d.log.Err(ctx, &Error{
				Message:       "cannot decode received data",
				Kind:          PayloadInvalid,
				NestedError:   err,
				PropertyName:  "interface",
				PropertyValue: name,
			}, slog.String("path", path))
			return
		}
	}

	for _, handler := range d.handlers.Snapshot() {
		handler(ctx, data)
	}
}

// Close stops the sender and disconnects from the broker. Queued samples that
// were not yet published are dropped.
func (d *Device) Close() error {
	if d.state.Swap(deviceClosed) != deviceReady {
		return nil
	}
	return d.shutdown()
}

func (d *Device) shutdown() error {
	if d.stop != nil {
		d.stop()
		d.sender.Wait()
	}
	if err := d.client.Disconnect(); err != nil {
		return &Error{
			Message:     "error disconnecting",
			Kind:        TransportFailed,
			NestedError: err,
		}
	}
	return nil
}
