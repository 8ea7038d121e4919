// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package astarte

import (
	"context"
	"testing"

	"github.com/astarte-platform/astarte-stream-test/mqtt"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestOnMessageTopicFilter(t *testing.T) {
	iface, err := ParseInterface([]byte(`{
		"interface_name": "org.astarte.Commands",
		"version_major": 0,
		"version_minor": 1,
		"type": "datastream",
		"ownership": "server",
		"mappings": [{"endpoint": "/gain", "type": "double"}]
	}`))
	require.NoError(t, err)

	d := NewDevice("", "", "device")
	d.base = "realm/device"
	d.interfaces = map[string]*Interface{iface.Name: iface}
	d.filters = []string{"realm/device/org.astarte.Commands/#"}

	var received []*Data
	d.OnDataReceived(func(_ context.Context, data *Data) {
		received = append(received, data)
	})

	payload, err := bson.Marshal(bson.D{{Key: "v", Value: 2.5}})
	require.NoError(t, err)

	deliver := func(topic string) int {
		acks := 0
		d.onMessage(context.Background(), &mqtt.Message{
			Topic:   topic,
			Payload: payload,
			Ack: func() error {
				acks++
				return nil
			},
		})
		return acks
	}

	require.Equal(t, 1, deliver("realm/device/org.astarte.Commands/gain"))
	require.Len(t, received, 1)
	require.Equal(t, "/gain", received[0].Path)
	require.Equal(t, 2.5, received[0].Value)

	// Topics outside the subscriptions are acked and dropped.
	require.Equal(t, 1, deliver("realm/device/org.astarte.Other/gain"))
	require.Equal(t, 1, deliver("realm/other/org.astarte.Commands/gain"))
	require.Len(t, received, 1)
}
