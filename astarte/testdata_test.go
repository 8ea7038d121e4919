// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package astarte_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/astarte-platform/astarte-stream-test/astarte"
	"github.com/stretchr/testify/require"
)

const (
	valuesInterface = `{
		"interface_name": "org.astarte-platform.genericsensors.Values",
		"version_major": 0,
		"version_minor": 1,
		"type": "datastream",
		"ownership": "device",
		"mappings": [{
			"endpoint": "/%{sensor_id}/value",
			"type": "double",
			"explicit_timestamp": true
		}]
	}`

	commandsInterface = `{
		"interface_name": "org.astarte-platform.test.Commands",
		"version_major": 1,
		"version_minor": 2,
		"type": "datastream",
		"ownership": "server",
		"mappings": [
			{"endpoint": "/%{name}/level", "type": "integer", "reliability": "guaranteed"},
			{"endpoint": "/message", "type": "string"},
			{"endpoint": "/at", "type": "datetime"}
		]
	}`

	settingsInterface = `{
		"interface_name": "org.astarte-platform.test.Settings",
		"version_major": 2,
		"version_minor": 0,
		"type": "properties",
		"ownership": "server",
		"mappings": [{"endpoint": "/enabled", "type": "boolean"}]
	}`

	realm    = "test"
	deviceID = "f0VMRgIBAQAAAAAAAAAAAA"
)

// Lay out a device working directory: the transport configuration and the
// interfaces directory.
func writeDeviceDir(t *testing.T, brokerURL string) string {
	dir := t.TempDir()

	conf := astarte.ConfigPath(dir, deviceID)
	require.NoError(t, os.MkdirAll(filepath.Dir(conf), 0o755))
	require.NoError(t, os.WriteFile(conf, []byte(fmt.Sprintf(
		"[AstarteTransport]\nrealm = %s\nbrokerUrl = %s\nmaxConnectAttempts = 2\nconnectionTimeout = PT5S\n",
		realm,
		brokerURL,
	)), 0o600))

	ifaces := astarte.InterfacesDir(dir)
	require.NoError(t, os.MkdirAll(ifaces, 0o755))
	for name, body := range map[string]string{
		"values.json":   valuesInterface,
		"commands.json": commandsInterface,
		"settings.json": settingsInterface,
	} {
		require.NoError(t, os.WriteFile(
			filepath.Join(ifaces, name),
			[]byte(body),
			0o600,
		))
	}
	return dir
}
