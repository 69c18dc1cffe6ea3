// Package constants centralizes every tunable threshold, timeout, and
// wire-format boundary used by the BLE protocol engine. No other package
// declares its own magic numbers for these concerns.
package constants

import "time"

// Position and load bounds (Monitor Data Processor, §4.2).
const (
	MinPosition          = -2000.0 // mm
	MaxPosition          = 2000.0  // mm
	MaxWeightKg          = 220.0   // kg — configurable boundary, see Open Questions
	PositionJumpThreshold = 20.0   // mm
)

// Velocity smoothing (Monitor Data Processor, §4.2).
const (
	VelocityEMAAlpha = 0.3
)

// Status bit positions within the monitor packet's 16-bit status field.
//
// The hardware spec for the exact numeric layout was not available; this
// layout (bit 0/1/2) is the simplest one consistent with "three flags of
// interest in a u16" and is marked provisional pending hardware-owner
// confirmation (see DESIGN.md Open Question log).
const (
	StatusDeloadOccurred = 1 << 0
	StatusROMOutsideHigh = 1 << 1
	StatusROMOutsideLow  = 1 << 2
)

// DeloadEventDebounceMS is the minimum spacing between two deload callbacks.
const DeloadEventDebounceMS = 2000 * time.Millisecond

// Handle State Detector thresholds (§4.3).
const (
	HandleRestThreshold          = 5.0  // mm
	HandleGrabbedThreshold       = 8.0  // mm
	GrabDeltaThreshold           = 10.0 // mm
	ReleaseDeltaThreshold        = 5.0  // mm
	VelocityThreshold            = 50.0 // mm/s
	AutoStartVelocityThreshold   = 20.0 // mm/s
	PresenceThreshold            = 50.0 // mm
)

const (
	StateTransitionDwell    = 200 * time.Millisecond
	WaitingForRestTimeout   = 3000 * time.Millisecond
)

// Metric Polling Engine timing and invariants (§4.5).
const (
	MonitorPollInterval    = 75 * time.Millisecond // within the 50-100ms band
	DiagnosticPollInterval = 1 * time.Second
	HeuristicPollInterval  = 250 * time.Millisecond
	HeartbeatInterval      = 2 * time.Second

	MonitorReadTimeout     = 300 * time.Millisecond
	MaxConsecutiveTimeouts = 5
)

// Reconnect policy (Connection Facade, §4.6).
const (
	ReconnectMaxAttempts = 3
	ReconnectBaseBackoff = 500 * time.Millisecond
)

// MTU negotiation (Connection Facade, §4.6).
const (
	PreferredMTU = 247
	DefaultMTU   = 23
)

// GATT profile (Nordic UART–style custom service, §6). UUIDs are fixed and
// must be preserved bit-exactly.
const (
	ServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"

	CharTXUUID         = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	CharRXUUID         = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	CharMonitorUUID    = "90e991a6-c548-44ed-969b-eb541014eae3"
	CharRepsUUID       = "8308f2a6-0875-4a94-a86f-5c5c5e1b068a"
	CharDiagnosticUUID = "5fa538ec-d041-42f6-bbd6-c30d475387b7"
	CharHeuristicUUID  = "c7b73007-b245-4503-a1ed-9e4e97eb9802"
	CharVersionUUID    = "74e994ac-0e80-4c02-9cd0-76cb31d3959b"
	CharModeUUID       = "67d0dae0-5bfc-4ea2-acc9-ac784dee7f29"
)

// Device name prefixes used for discovery filtering (§6).
const (
	DeviceNamePrefixVee = "Vee_"
	DeviceNamePrefixVit = "VIT"
)

// TX command opcodes (§6).
const (
	OpcodeInit   byte = 0x01
	OpcodeStart  byte = 0x03
	OpcodeConfig byte = 0x04
	OpcodeStop   byte = 0x05
)

// WarmupRepCountCable is the fixed warmup-rep-count forced into CONFIG for
// cable exercises regardless of user input.
const WarmupRepCountCable = 3
