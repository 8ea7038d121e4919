// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildConnectPacket(t *testing.T) {
	client := NewSessionClient(
		TCPConnection("localhost", 1883),
		WithClientID("realm/device"),
		WithKeepAlive(30),
		WithUsername(ConstantUsername("user")),
		WithPassword(ConstantPassword([]byte("secret"))),
	)

	packet, err := client.buildConnectPacket(context.Background(), true)
	require.NoError(t, err)

	require.Equal(t, "realm/device", packet.ClientID)
	require.True(t, packet.CleanStart)
	require.Equal(t, uint16(30), packet.KeepAlive)
	require.True(t, packet.Properties.RequestProblemInfo)
	require.True(t, packet.UsernameFlag)
	require.Equal(t, "user", packet.Username)
	require.True(t, packet.PasswordFlag)
	require.Equal(t, []byte("secret"), packet.Password)
}
