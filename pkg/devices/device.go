// Package devices models the virtual hardware an IC10 program talks to:
// individual devices on pins and batch (aggregate) access to every device
// sharing a prefab hash.
package devices

import (
	"hash/crc32"
	"math"
)

// PrefabHash derives the type hash of a device from its prefab name. The
// hardware defines this as the CRC-32 of the name reinterpreted as a signed
// 32-bit integer, which is why hashes are frequently negative.
func PrefabHash(name string) int32 {
	return int32(crc32.ChecksumIEEE([]byte(name)))
}

// VirtualDevice is one addressable device. Its property set is fixed at
// construction: reads of unsupported properties yield NaN and writes to
// them are dropped, mirroring the fault-tolerant device bus.
type VirtualDevice struct {
	PrefabName string
	Alias      string
	Properties map[string]float64
}

// NewDevice creates a device supporting the given properties (all zero).
func NewDevice(prefab string, props ...string) *VirtualDevice {
	d := &VirtualDevice{
		PrefabName: prefab,
		Properties: make(map[string]float64, len(props)),
	}
	for _, p := range props {
		d.Properties[p] = 0
	}
	return d
}

// Hash returns the device's prefab hash.
func (d *VirtualDevice) Hash() int32 {
	return PrefabHash(d.PrefabName)
}

// Get reads a property, NaN when the device does not support it.
func (d *VirtualDevice) Get(prop string) float64 {
	if v, ok := d.Properties[prop]; ok {
		return v
	}
	return math.NaN()
}

// Set writes a property. Unsupported properties are ignored, never an error.
func (d *VirtualDevice) Set(prop string, v float64) {
	if _, ok := d.Properties[prop]; ok {
		d.Properties[prop] = v
	}
}

// Has reports whether the device supports prop.
func (d *VirtualDevice) Has(prop string) bool {
	_, ok := d.Properties[prop]
	return ok
}
