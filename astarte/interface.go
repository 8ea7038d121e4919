// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package astarte

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

type (
	// Interface is an interface definition as found in the interfaces
	// directory.
	Interface struct {
		Name         string    `json:"interface_name"`
		VersionMajor int       `json:"version_major"`
		VersionMinor int       `json:"version_minor"`
		Type         string    `json:"type"`
		Ownership    string    `json:"ownership"`
		Aggregation  string    `json:"aggregation,omitempty"`
		Description  string    `json:"description,omitempty"`
		Mappings     []Mapping `json:"mappings"`
	}

	// Mapping describes one endpoint of an interface. Endpoint segments of
	// the form %{name} match any single path level.
	Mapping struct {
		Endpoint          string `json:"endpoint"`
		Type              string `json:"type"`
		Reliability       string `json:"reliability,omitempty"`
		ExplicitTimestamp bool   `json:"explicit_timestamp,omitempty"`
		Description       string `json:"description,omitempty"`
	}
)

// Interface types, ownerships and reliabilities.
const (
	Datastream = "datastream"
	Properties = "properties"

	OwnershipDevice = "device"
	OwnershipServer = "server"

	Unreliable = "unreliable"
	Guaranteed = "guaranteed"
	Unique     = "unique"
)

// ParseInterface decodes and validates a JSON interface definition.
func ParseInterface(data []byte) (*Interface, error) {
	var iface Interface
	if err := json.Unmarshal(data, &iface); err != nil {
		return nil, &Error{
			Message:     "malformed interface definition",
			Kind:        InterfaceInvalid,
			NestedError: err,
		}
	}
	if err := iface.validate(); err != nil {
		return nil, err
	}
	return &iface, nil
}

func (i *Interface) validate() error {
	invalid := func(prop string, val any) error {
		return &Error{
			Message:       fmt.Sprintf("invalid interface %q", i.Name),
			Kind:          InterfaceInvalid,
			PropertyName:  prop,
			PropertyValue: val,
		}
	}

	switch {
	case i.Name == "" || strings.ContainsAny(i.Name, "/+#"):
		return invalid("interface_name", i.Name)
	case i.VersionMajor < 0 || i.VersionMinor < 0,
		i.VersionMajor == 0 && i.VersionMinor == 0:
		return invalid("version", fmt.Sprintf("%d.%d", i.VersionMajor, i.VersionMinor))
	case i.Type != Datastream && i.Type != Properties:
		return invalid("type", i.Type)
	case i.Ownership != OwnershipDevice && i.Ownership != OwnershipServer:
		return invalid("ownership", i.Ownership)
	case len(i.Mappings) == 0:
		return invalid("mappings", nil)
	}

	for k := range i.Mappings {
		m := &i.Mappings[k]
		if !strings.HasPrefix(m.Endpoint, "/") {
			return invalid("endpoint", m.Endpoint)
		}
		if _, ok := valueTypes[m.Type]; !ok {
			return invalid("type", m.Type)
		}
		switch m.Reliability {
		case "":
			m.Reliability = Unreliable
			if i.Type == Properties {
				m.Reliability = Unique
			}
		case Unreliable, Guaranteed, Unique:
		default:
			return invalid("reliability", m.Reliability)
		}
	}
	return nil
}

// Introspection returns the interface as an introspection entry,
// name:major:minor.
func (i *Interface) Introspection() string {
	return fmt.Sprintf("%s:%d:%d", i.Name, i.VersionMajor, i.VersionMinor)
}

// Mapping returns the mapping whose endpoint matches path.
func (i *Interface) Mapping(path string) (*Mapping, bool) {
	for k := range i.Mappings {
		if i.Mappings[k].Match(path) {
			return &i.Mappings[k], true
		}
	}
	return nil, false
}

// Match reports whether path matches the endpoint template.
func (m *Mapping) Match(path string) bool {
	endpoint := strings.Split(strings.TrimPrefix(m.Endpoint, "/"), "/")
	if !strings.HasPrefix(path, "/") {
		return false
	}
	levels := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(endpoint) != len(levels) {
		return false
	}

	for k, seg := range endpoint {
		if levels[k] == "" {
			return false
		}
		if strings.HasPrefix(seg, "%{") && strings.HasSuffix(seg, "}") {
			continue
		}
		if seg != levels[k] {
			return false
		}
	}
	return true
}

// QoS returns the MQTT QoS used for the mapping's reliability.
func (m *Mapping) QoS() byte {
	if m.Reliability == Unreliable {
		return 0
	}
	return 1
}

// LoadInterfaces reads every *.json interface definition in dir.
func LoadInterfaces(dir string) (map[string]*Interface, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, &Error{
			Message:     "cannot list interfaces",
			Kind:        ConfigurationInvalid,
			NestedError: err,
		}
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, &Error{
			Message:       "cannot read interfaces directory",
			Kind:          ConfigurationInvalid,
			NestedError:   err,
			PropertyName:  "path",
			PropertyValue: dir,
		}
	}

	slices.Sort(files)
	interfaces := make(map[string]*Interface, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, &Error{
				Message:       "cannot read interface",
				Kind:          InterfaceInvalid,
				NestedError:   err,
				PropertyName:  "path",
				PropertyValue: file,
			}
		}

		iface, err := ParseInterface(data)
		if err != nil {
			if e, ok := err.(*Error); ok && e.PropertyName == "" {
				e.PropertyName, e.PropertyValue = "path", file
			}
			return nil, err
		}

		if _, ok := interfaces[iface.Name]; ok {
			return nil, &Error{
				Message:       "duplicate interface",
				Kind:          InterfaceInvalid,
				PropertyName:  "interface_name",
				PropertyValue: iface.Name,
			}
		}
		interfaces[iface.Name] = iface
	}
	return interfaces, nil
}

// Introspection joins the entries of all interfaces, sorted by name.
func Introspection(interfaces map[string]*Interface) string {
	entries := make([]string, 0, len(interfaces))
	for _, iface := range interfaces {
		entries = append(entries, iface.Introspection())
	}
	slices.Sort(entries)
	return strings.Join(entries, ";")
}
