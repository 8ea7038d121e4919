// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package astarte_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/astarte-platform/astarte-stream-test/astarte"
	"github.com/astarte-platform/astarte-stream-test/mqtt"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type published struct {
	topic   string
	payload []byte
}

func startBroker(t *testing.T) (*mochi.Server, string, <-chan published) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := l.Addr().String()
	require.NoError(t, l.Close())

	broker := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, broker.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Type:    "tcp",
		Address: address,
	})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { _ = broker.Close() })

	// Observe everything the device publishes.
	seen := make(chan published, 100)
	require.NoError(t, broker.Subscribe(realm+"/#", 1,
		func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
			seen <- published{pk.TopicName, pk.Payload}
		},
	))

	return broker, "tcp://" + address, seen
}

func awaitTopic(t *testing.T, seen <-chan published, topic string) published {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p := <-seen:
			if p.topic == topic {
				return p
			}
		case <-timeout:
			require.FailNow(t, "no publish on "+topic)
		}
	}
}

func newDevice(t *testing.T, dir string) *astarte.Device {
	device := astarte.NewDevice(
		astarte.ConfigPath(dir, deviceID),
		astarte.InterfacesDir(dir),
		deviceID,
	)
	t.Cleanup(func() { _ = device.Close() })
	return device
}

func TestDeviceInit(t *testing.T) {
	ctx := context.Background()
	_, url, seen := startBroker(t)
	device := newDevice(t, writeDeviceDir(t, url))

	require.NoError(t, device.Init(ctx))

	intro := awaitTopic(t, seen, realm+"/"+deviceID)
	require.Equal(t,
		"org.astarte-platform.genericsensors.Values:0:1;"+
			"org.astarte-platform.test.Commands:1:2;"+
			"org.astarte-platform.test.Settings:2:0",
		string(intro.payload),
	)

	cache := awaitTopic(t, seen, realm+"/"+deviceID+"/control/emptyCache")
	require.Equal(t, "1", string(cache.payload))

	err := device.Init(ctx)
	requireKind(t, err, astarte.StateInvalid)
}

func TestDeviceSendData(t *testing.T) {
	ctx := context.Background()
	_, url, seen := startBroker(t)
	device := newDevice(t, writeDeviceDir(t, url))

	const iface = "org.astarte-platform.genericsensors.Values"
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	err := device.SendData(ctx, iface, "/s1/value", 0.5, ts)
	requireKind(t, err, astarte.StateInvalid)

	require.NoError(t, device.Init(ctx))
	require.NoError(t, device.SendData(ctx, iface, "/s1/value", 0.5, ts))

	p := awaitTopic(t, seen, realm+"/"+deviceID+"/"+iface+"/s1/value")
	var body struct {
		V float64            `bson:"v"`
		T primitive.DateTime `bson:"t"`
	}
	require.NoError(t, bson.Unmarshal(p.payload, &body))
	require.Equal(t, 0.5, body.V)
	require.True(t, ts.Equal(body.T.Time()))

	tests := map[string]struct {
		iface    string
		path     string
		value    any
		property string
	}{
		"UnknownInterface": {"org.example.Missing", "/x", 1.0, "interface"},
		"ServerOwned":      {"org.astarte-platform.test.Commands", "/message", "hi", "interface"},
		"UnknownPath":      {iface, "/s1", 1.0, "path"},
		"WrongType":        {iface, "/s1/value", "high", "value"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := device.SendData(ctx, test.iface, test.path, test.value, ts)
			e := requireKind(t, err, astarte.ArgumentInvalid)
			require.Equal(t, test.property, e.PropertyName)
		})
	}
}

func TestDeviceReceivesData(t *testing.T) {
	ctx := context.Background()
	broker, url, _ := startBroker(t)
	device := newDevice(t, writeDeviceDir(t, url))

	received := make(chan *astarte.Data, 10)
	remove := device.OnDataReceived(func(_ context.Context, d *astarte.Data) {
		received <- d
	})
	defer remove()

	require.NoError(t, device.Init(ctx))

	base := realm + "/" + deviceID + "/"
	require.NoError(t, broker.Publish(
		base+"org.astarte-platform.test.Commands/lamp/level",
		bsonPayload(t, bson.D{
			{Key: "v", Value: int32(7)},
			{Key: "t", Value: primitive.NewDateTimeFromTime(
				time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			)},
		}),
		false,
		1,
	))

	var d *astarte.Data
	select {
	case d = <-received:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no data received")
	}
	require.Equal(t, "org.astarte-platform.test.Commands", d.Interface)
	require.Equal(t, "/lamp/level", d.Path)
	require.Equal(t, int32(7), d.Value)
	require.True(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Equal(d.Timestamp))

	// Malformed payloads are dropped; an unset property has a nil value.
	require.NoError(t, broker.Publish(
		base+"org.astarte-platform.test.Commands/message",
		[]byte{0x05, 0x00},
		false,
		0,
	))
	require.NoError(t, broker.Publish(
		base+"org.astarte-platform.test.Settings/enabled",
		nil,
		false,
		1,
	))

	select {
	case d = <-received:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no data received")
	}
	require.Equal(t, "org.astarte-platform.test.Settings", d.Interface)
	require.Equal(t, "/enabled", d.Path)
	require.Nil(t, d.Value)
}

func TestDeviceInitFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("MissingConfig", func(t *testing.T) {
		device := newDevice(t, t.TempDir())
		err := device.Init(ctx)
		e := requireKind(t, err, astarte.ConfigurationInvalid)
		require.Equal(t, "astarte.ConfigurationInvalid", e.Name())

		err = device.SendData(ctx, "any", "/x", 1.0, time.Now())
		requireKind(t, err, astarte.StateInvalid)
	})

	t.Run("NoBroker", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		url := fmt.Sprintf("tcp://%s", l.Addr().String())
		require.NoError(t, l.Close())

		device := newDevice(t, writeDeviceDir(t, url))
		err = device.Init(ctx)
		e := requireKind(t, err, astarte.ConnectionFailed)
		require.Equal(t, "astarte.ConnectionFailed", e.Name())

		var connErr *mqtt.ConnectionError
		require.ErrorAs(t, err, &connErr)
	})

	t.Run("InvalidDeviceID", func(t *testing.T) {
		dir := t.TempDir()
		device := astarte.NewDevice(
			filepath.Join(dir, "conf"),
			filepath.Join(dir, "interfaces"),
			"a/b",
		)
		e := requireKind(t, device.Init(ctx), astarte.ArgumentInvalid)
		require.Equal(t, "deviceID", e.PropertyName)
	})
}

func TestDeviceWithConnectionProvider(t *testing.T) {
	ctx := context.Background()
	_, url, seen := startBroker(t)
	host, port := splitURL(t, url)

	// The configured broker does not exist; the provider overrides it.
	dir := writeDeviceDir(t, "tcp://127.0.0.1:1")
	device := astarte.NewDevice(
		astarte.ConfigPath(dir, deviceID),
		astarte.InterfacesDir(dir),
		deviceID,
		astarte.WithConnectionProvider(mqtt.TCPConnection(host, port)),
		astarte.WithClientID("override"),
		astarte.WithQueueSize(1),
	)
	t.Cleanup(func() { _ = device.Close() })

	require.NoError(t, device.Init(ctx))
	awaitTopic(t, seen, realm+"/"+deviceID)
	require.NoError(t, device.Close())

	err := device.SendData(ctx, "org.astarte-platform.genericsensors.Values", "/s/value", 1.0, time.Now())
	requireKind(t, err, astarte.StateInvalid)
}

func splitURL(t *testing.T, url string) (string, int) {
	host, portStr, err := net.SplitHostPort(url[len("tcp://"):])
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)
	return host, port
}

func bsonPayload(t *testing.T, doc bson.D) []byte {
	data, err := bson.Marshal(doc)
	require.NoError(t, err)
	return data
}

func TestDeviceReannouncesAfterReconnect(t *testing.T) {
	ctx := context.Background()
	broker, url, seen := startBroker(t)
	device := newDevice(t, writeDeviceDir(t, url))

	received := make(chan *astarte.Data, 10)
	remove := device.OnDataReceived(func(_ context.Context, d *astarte.Data) {
		received <- d
	})
	defer remove()

	require.NoError(t, device.Init(ctx))
	base := realm + "/" + deviceID
	first := awaitTopic(t, seen, base)
	awaitTopic(t, seen, base+"/control/emptyCache")

	// Without a session expiry the broker drops the session with the
	// connection, so the device must announce itself again.
	cl, ok := broker.Clients.Get(base)
	require.True(t, ok)
	cl.Stop(errors.New("kicked by test"))

	again := awaitTopic(t, seen, base)
	require.Equal(t, string(first.payload), string(again.payload))
	awaitTopic(t, seen, base+"/control/emptyCache")

	// Subscriptions to server interfaces are restored as well.
	payload := bsonPayload(t, bson.D{{Key: "v", Value: "hello"}})
	require.Eventually(t, func() bool {
		err := broker.Publish(
			base+"/org.astarte-platform.test.Commands/message",
			payload,
			false,
			0,
		)
		if err != nil {
			return false
		}
		select {
		case d := <-received:
			return d.Value == "hello"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
