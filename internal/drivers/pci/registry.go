package pci

import (
	"errors"
	"sync"
)

// ErrRegistryFull is returned by Add once the registry is at capacity.
var ErrRegistryFull = errors.New("pci: device registry full")

// Storage controller signature (QEMU NVMe).
const (
	StorageVendor = 0x1b36
	StorageDevice = 0x0010
)

// Device is a discovered function of interest to a downstream driver.
type Device struct {
	Location Location
	VendorID uint16
	DeviceID uint16
	// BAR0 is the assigned address of the function's primary BAR.
	BAR0 uint64
}

// Registry is a fixed-capacity list of discovered devices.
type Registry struct {
	mu       sync.Mutex
	devices  []Device
	capacity int
}

// NewRegistry returns a registry holding at most capacity devices.
func NewRegistry(capacity int) *Registry {
	return &Registry{devices: make([]Device, 0, capacity), capacity: capacity}
}

// Add records d. Re-adding a location replaces its entry, so a repeated
// enumeration does not fill the registry.
func (r *Registry) Add(d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.devices {
		if r.devices[i].Location == d.Location {
			r.devices[i] = d
			return nil
		}
	}
	if len(r.devices) >= r.capacity {
		return ErrRegistryFull
	}
	r.devices = append(r.devices, d)
	return nil
}

// Devices returns a snapshot in registration order.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Device(nil), r.devices...)
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
