package facade

import (
	"context"

	"github.com/cablefit/bleengine/internal/engine"
)

// DiscoveredDevice is one advertising peripheral surfaced by a scan.
type DiscoveredDevice struct {
	Name    string
	Address string
	RSSI    int
}

// Scanner decouples the facade from a concrete BLE central implementation
// so the two can be tested independently of real hardware.
type Scanner interface {
	// Scan starts a device-discovery scan and streams results until ctx is
	// cancelled.
	Scan(ctx context.Context) (<-chan DiscoveredDevice, error)
}

// Central establishes GATT connections to a discovered device.
type Central interface {
	Connect(ctx context.Context, device DiscoveredDevice) (ConnectedPeripheral, error)
}

// ConnectedPeripheral is the full GATT surface the facade needs once
// connected: the polling-engine's read/write contract (engine.Peripheral)
// plus MTU negotiation, notification subscription, and teardown.
type ConnectedPeripheral interface {
	engine.Peripheral

	// NegotiateMTU requests preferred and returns the MTU actually
	// negotiated. A failure here is non-fatal to the connection attempt:
	// the caller falls back to constants.DefaultMTU and logs.
	NegotiateMTU(ctx context.Context, preferred int) (int, error)

	// Subscribe arms notifications on charUUID, returning a channel of raw
	// payloads that closes when the subscription ends or the peripheral
	// disconnects.
	Subscribe(ctx context.Context, charUUID string) (<-chan []byte, error)

	// Disconnect tears down the GATT connection. Idempotent.
	Disconnect(ctx context.Context) error
}
