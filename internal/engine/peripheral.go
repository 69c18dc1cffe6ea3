package engine

import "context"

// Peripheral is the borrowed GATT handle the polling engine operates
// against. The engine keeps a reference to it only until StopAll clears
// it; every call is
// issued through the operation queue (§4.4). Implementations wrap a real
// BLE stack's connected-device handle.
type Peripheral interface {
	// ReadCharacteristic performs a GATT read of the given characteristic
	// UUID and returns the raw bytes.
	ReadCharacteristic(ctx context.Context, charUUID string) ([]byte, error)

	// WriteCharacteristic performs a GATT write. withResponse selects the
	// write type; some hardware variants silently drop "without response"
	// writes (§4.5 Heartbeat notes).
	WriteCharacteristic(ctx context.Context, charUUID string, data []byte, withResponse bool) error
}
