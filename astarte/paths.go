// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package astarte

import "path/filepath"

// ConfigPath returns the transport configuration file of a device below dir:
// <dir>/astarte-device-<device>-conf/transport-astarte.conf.
func ConfigPath(dir, deviceID string) string {
	return filepath.Join(
		dir,
		"astarte-device-"+deviceID+"-conf",
		"transport-astarte.conf",
	)
}

// InterfacesDir returns the interface definitions directory below dir.
func InterfacesDir(dir string) string {
	return filepath.Join(dir, "interfaces")
}
