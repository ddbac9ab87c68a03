package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(addr string) (*Device, error)
	DeleteDevice(addr string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(addr string, fn func(dev *Device) error) error

	// Gateway endpoint state
	SaveGatewayState(state *GatewayState) error
	GetGatewayState() (*GatewayState, error)

	// Close the store
	Close() error
}
