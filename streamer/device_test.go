// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package streamer_test

import (
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astarte-platform/astarte-stream-test/astarte"
	"github.com/astarte-platform/astarte-stream-test/streamer"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	streamInterface = `{
		"interface_name": "org.astarte.Stream",
		"version_major": 0,
		"version_minor": 1,
		"type": "datastream",
		"ownership": "device",
		"mappings": [{
			"endpoint": "/value",
			"type": "double",
			"reliability": "unreliable",
			"explicit_timestamp": true
		}]
	}`

	commandsInterface = `{
		"interface_name": "org.astarte.Commands",
		"version_major": 0,
		"version_minor": 1,
		"type": "datastream",
		"ownership": "server",
		"mappings": [{"endpoint": "/gain", "type": "double"}]
	}`

	realm    = "test"
	deviceID = "f0VMRgIBAQAAAAAAAAAAAA"
)

func startDeviceBroker(t *testing.T) (*mochi.Server, string) {
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
	return broker, "tcp://" + address
}

func writeDeviceDir(t *testing.T, brokerURL string) string {
	dir := t.TempDir()

	conf := astarte.ConfigPath(dir, deviceID)
	require.NoError(t, os.MkdirAll(filepath.Dir(conf), 0o755))
	require.NoError(t, os.WriteFile(conf, []byte(fmt.Sprintf(
		"[AstarteTransport]\nrealm = %s\nbrokerUrl = %s\nmaxConnectAttempts = 1\n",
		realm,
		brokerURL,
	)), 0o600))

	ifaces := astarte.InterfacesDir(dir)
	require.NoError(t, os.MkdirAll(ifaces, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(ifaces, "stream.json"), []byte(streamInterface), 0o600,
	))
	require.NoError(t, os.WriteFile(
		filepath.Join(ifaces, "commands.json"), []byte(commandsInterface), 0o600,
	))
	return dir
}

func TestPublishThroughDevice(t *testing.T) {
	broker, url := startDeviceBroker(t)
	dir := writeDeviceDir(t, url)

	samples := make(chan []byte, 100)
	topic := realm + "/" + deviceID + "/org.astarte.Stream/value"
	require.NoError(t, broker.Subscribe(topic, 1,
		func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
			select {
			case samples <- pk.Payload:
			default:
			}
		},
	))

	device := astarte.NewDevice(
		astarte.ConfigPath(dir, deviceID),
		astarte.InterfacesDir(dir),
		deviceID,
	)
	t.Cleanup(func() { _ = device.Close() })

	p, err := streamer.New(device, streamer.Config{
		Interface: "org.astarte.Stream",
		Path:      "/value",
		Function:  "x",
		Interval:  10,
		Scale:     0.001,
	})
	require.NoError(t, err)
	run(t, p)

	var values []float64
	timeout := time.After(10 * time.Second)
	for len(values) < 3 {
		select {
		case payload := <-samples:
			var sample struct {
				V float64            `bson:"v"`
				T primitive.DateTime `bson:"t"`
			}
			require.NoError(t, bson.Unmarshal(payload, &sample))
			require.NotZero(t, sample.T)
			values = append(values, sample.V)
		case <-timeout:
			require.FailNow(t, "device published too few samples")
		}
	}

	step := 2 * math.Pi * 10 * 0.001
	require.InDelta(t, 0, values[0], 1e-9)
	require.InDelta(t, step, values[1], 1e-9)
	require.InDelta(t, 2*step, values[2], 1e-9)

	require.NoError(t, broker.Publish(
		realm+"/"+deviceID+"/org.astarte.Commands/gain",
		must(bson.Marshal(bson.D{{Key: "v", Value: 2.5}})),
		false,
		1,
	))
	require.Eventually(t, func() bool {
		return p.Snapshot().Received == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDeviceInitFailure(t *testing.T) {
	_, url := startDeviceBroker(t)
	dir := writeDeviceDir(t, url)

	device := astarte.NewDevice(
		astarte.ConfigPath(dir, "other"),
		astarte.InterfacesDir(dir),
		deviceID,
	)
	t.Cleanup(func() { _ = device.Close() })

	p, err := streamer.New(device, streamer.Config{
		Interface: "org.astarte.Stream",
		Path:      "/value",
		Interval:  1,
		Scale:     1,
	})
	require.NoError(t, err)
	run(t, p)

	require.Eventually(t, func() bool {
		return p.State() == streamer.Failed
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, p.Snapshot().Published)
	require.Equal(t, "failed", p.State().String())
}

func must[T any](t T, e error) T {
	if e != nil {
		panic(e)
	}
	return t
}
