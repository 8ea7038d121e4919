// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package astarte

import (
	"fmt"
	"log/slog"
)

type (
	// Error represents a structured device SDK error.
	Error struct {
		Message string
		Kind    Kind

		NestedError error

		PropertyName  string
		PropertyValue any
	}

	// Kind defines the type of error being returned.
	Kind int
)

// The following are the defined error kinds.
const (
	ConfigurationInvalid Kind = iota
	InterfaceInvalid
	ArgumentInvalid
	StateInvalid
	ConnectionFailed
	TransportFailed
	PayloadInvalid
)

var kindNames = map[Kind]string{
	ConfigurationInvalid: "ConfigurationInvalid",
	InterfaceInvalid:     "InterfaceInvalid",
	ArgumentInvalid:      "ArgumentInvalid",
	StateInvalid:         "StateInvalid",
	ConnectionFailed:     "ConnectionFailed",
	TransportFailed:      "TransportFailed",
	PayloadInvalid:       "PayloadInvalid",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error returns the error as a string.
func (e *Error) Error() string {
	if e.NestedError != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.NestedError)
	}
	return e.Message
}

// Unwrap returns the nested error.
func (e *Error) Unwrap() error {
	return e.NestedError
}

// Name returns a stable dotted name for the error kind, such as
// "astarte.ConnectionFailed".
func (e *Error) Name() string {
	return "astarte." + e.Kind.String()
}

// Attrs returns additional error attributes for slog.
func (e *Error) Attrs() []slog.Attr {
	a := make([]slog.Attr, 0, 4)
	a = append(a, slog.String("name", e.Name()))

	if e.NestedError != nil {
		a = append(a, slog.String("nested_error", e.NestedError.Error()))
	}

	if e.PropertyName != "" {
		a = append(a, slog.String("property_name", e.PropertyName))
		if e.PropertyValue != nil {
			a = append(a, slog.Any("property_value", e.PropertyValue))
		}
	}

	return a
}
