package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// CapabilityTable maps a device type (e.g. "iPhone", "Android") to the
// folder classes it is allowed to sync. spec.md's DeviceRecord carries a
// supported-classes string but never specifies how the allowed-class
// universe is seeded for a given device type; this is where a deployment
// declares it, shipped as a small static document alongside the binary.
type CapabilityTable struct {
	DeviceTypes map[string]DeviceCapabilities `toml:"device_types"`
}

// DeviceCapabilities lists the classes one device type may sync.
type DeviceCapabilities struct {
	Classes []string `toml:"classes"`
}

// DefaultCapabilityTable returns the built-in fallback table, used when no
// capability file is configured.
func DefaultCapabilityTable() CapabilityTable {
	return CapabilityTable{
		DeviceTypes: map[string]DeviceCapabilities{
			"default": {Classes: []string{"Email", "Contacts", "Calendar", "Tasks"}},
		},
	}
}

// LoadCapabilityTable reads a device-type capability table from a TOML
// file. Device types absent from the file fall back to "default".
func LoadCapabilityTable(path string) (CapabilityTable, error) {
	var table CapabilityTable
	if _, err := toml.DecodeFile(path, &table); err != nil {
		return CapabilityTable{}, fmt.Errorf("decode capability table: %w", err)
	}
	if table.DeviceTypes == nil {
		table.DeviceTypes = map[string]DeviceCapabilities{}
	}
	if _, ok := table.DeviceTypes["default"]; !ok {
		table.DeviceTypes["default"] = DefaultCapabilityTable().DeviceTypes["default"]
	}
	return table, nil
}

// ClassesFor returns the classes a device type supports, falling back to
// the "default" entry when the type is unknown.
func (t CapabilityTable) ClassesFor(deviceType string) []string {
	if dc, ok := t.DeviceTypes[deviceType]; ok {
		return dc.Classes
	}
	return t.DeviceTypes["default"].Classes
}

// SupportsClass reports whether deviceType may sync class.
func (t CapabilityTable) SupportsClass(deviceType, class string) bool {
	for _, c := range t.ClassesFor(deviceType) {
		if c == class {
			return true
		}
	}
	return false
}
