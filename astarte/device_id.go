// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package astarte

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// NewDeviceID generates a random device ID: a version 4 UUID encoded as
// unpadded base64url, which is 22 characters long.
func NewDeviceID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// ValidateDeviceID checks that id is 128 bits encoded as unpadded base64url.
func ValidateDeviceID(id string) error {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err == nil && len(raw) == len(uuid.UUID{}) {
		return nil
	}

	return &Error{
		Message:       "device ID must be 128 bits encoded as unpadded base64url",
		Kind:          ArgumentInvalid,
		NestedError:   err,
		PropertyName:  "deviceID",
		PropertyValue: id,
	}
}
