// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"bytes"
	"context"
	"os"
)

type (
	// UsernameProvider is a function that returns an MQTT username and flag.
	// If the returned flag is false, the returned username is ignored.
	UsernameProvider func(context.Context) (string, bool, error)

	// PasswordProvider is a function that returns an MQTT password and flag.
	// If the returned flag is false, the returned password is ignored.
	PasswordProvider func(context.Context) ([]byte, bool, error)
)

// ConstantUsername returns an unchanging username.
func ConstantUsername(username string) UsernameProvider {
	return func(context.Context) (string, bool, error) {
		return username, true, nil
	}
}

// ConstantPassword returns an unchanging password.
func ConstantPassword(password []byte) PasswordProvider {
	return func(context.Context) ([]byte, bool, error) {
		return password, true, nil
	}
}

// FilePassword reads the password from the given file on every connection
// attempt, so rotated credentials are picked up on reconnect. Trailing
// newlines are stripped.
func FilePassword(filename string) PasswordProvider {
	return func(context.Context) ([]byte, bool, error) {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, false, err
		}
		return bytes.TrimRight(data, "\r\n"), true, nil
	}
}
