// Package protocol implements the byte-exact wire codec for the cable
// machine's custom GATT profile: monitor, rep, diagnostic and heuristic
// packets, plus the single big-endian RX metrics response. Every parser is
// a pure function — no instance state, no logging, no streams — and every
// parser returns ok=false for under-sized buffers rather than panicking.
package protocol

import (
	"math"
	"sync"
)

// Minimum buffer sizes per packet kind (§4.1).
const (
	monitorMinSize       = 16
	monitorStatusMinSize = 18
	diagnosticMinSize    = 20
	heuristicMinSize     = 48
	repModernMinSize     = 24
	repLegacyMinSize     = 6
	rxMetricsMinSize     = 2
)

// MaxPacketSize bounds any single GATT notification/read this engine parses.
// Callers reading into a pooled buffer should size it to this constant.
const MaxPacketSize = 256

// PacketPool provides reusable byte-slice buffers for GATT I/O, avoiding an
// allocation on every poll cycle. Callers must not retain a buffer past
// returning it to the pool.
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxPacketSize)
		return &buf
	},
}

// MonitorPacket is a decoded snapshot from the MONITOR characteristic.
type MonitorPacket struct {
	Ticks         uint32
	PosA          float64 // mm
	PosB          float64 // mm
	LoadA         float64 // kg
	LoadB         float64 // kg
	Status        uint16
	FirmwareVelA  int32 // raw, mm/s x10
	FirmwareVelB  int32 // raw, mm/s x10
}

// DiagnosticPacket is a decoded snapshot from the DIAGNOSTIC characteristic.
type DiagnosticPacket struct {
	Seconds   int32
	Faults    [4]int16
	Temps     [8]int8
	HasFaults bool
}

// HeuristicPhase holds one phase's (concentric or eccentric) statistics.
type HeuristicPhase struct {
	KgAvg   float64
	KgMax   float64
	VelAvg  float64
	VelMax  float64
	WattAvg float64
	WattMax float64
}

// HeuristicPacket is a decoded snapshot from the HEURISTIC characteristic.
type HeuristicPacket struct {
	Concentric HeuristicPhase
	Eccentric  HeuristicPhase
	Timestamp  int64
}

// RepPacket is a decoded rep-counter notification. IsLegacyFormat records
// which of the two permitted tiers (Issue #210) produced it.
type RepPacket struct {
	TopCounter      uint32
	CompleteCounter uint32
	RangeTop        float64
	RangeBottom     float64
	RepsROMCount    uint16
	RepsROMTotal    uint16
	RepsSetCount    uint16
	RepsSetTotal    uint16
	IsLegacyFormat  bool
	RawData         []byte
	Timestamp       int64
}

// RXMetricsResponse is the single big-endian one-shot command response.
type RXMetricsResponse struct {
	Code uint16
}

// -------------------------------------------------------------------------
// Byte utilities
// -------------------------------------------------------------------------

func getUint16LE(buf []byte, off int) uint16 {
	return uint16(buf[off]&0xFF) | uint16(buf[off+1]&0xFF)<<8
}

func getInt16LE(buf []byte, off int) int16 {
	return int16(getUint16LE(buf, off))
}

func getUint16BE(buf []byte, off int) uint16 {
	return uint16(buf[off]&0xFF)<<8 | uint16(buf[off+1]&0xFF)
}

func getInt32LE(buf []byte, off int) int32 {
	return int32(uint32(buf[off]&0xFF) |
		uint32(buf[off+1]&0xFF)<<8 |
		uint32(buf[off+2]&0xFF)<<16 |
		uint32(buf[off+3]&0xFF)<<24)
}

func getUint32LE(buf []byte, off int) uint32 {
	return uint32(getInt32LE(buf, off))
}

func getFloatLE(buf []byte, off int) float64 {
	bits := getUint32LE(buf, off)
	return float64(math.Float32frombits(bits))
}

func getInt8(buf []byte, off int) int8 {
	return int8(buf[off])
}

const hexDigits = "0123456789ABCDEF"

// toHex renders b as two uppercase hex digits, zero-padded.
func toHex(b byte) string {
	return string([]byte{hexDigits[b>>4], hexDigits[b&0x0F]})
}

// -------------------------------------------------------------------------
// Parsers
// -------------------------------------------------------------------------

// ParseMonitorPacket decodes a MONITOR characteristic read. Requires at
// least 16 bytes; the trailing status field is optional (needs 18).
func ParseMonitorPacket(buf []byte) (*MonitorPacket, bool) {
	if len(buf) < monitorMinSize {
		return nil, false
	}

	pkt := &MonitorPacket{
		Ticks: uint32(getUint16LE(buf, 0)) | uint32(getUint16LE(buf, 2))<<16,
		PosA:  float64(getInt16LE(buf, 4)) / 10.0,
		LoadA: float64(getUint16LE(buf, 8)) / 100.0,
		PosB:  float64(getInt16LE(buf, 10)) / 10.0,
		LoadB: float64(getUint16LE(buf, 14)) / 100.0,
	}

	if len(buf) >= monitorStatusMinSize {
		pkt.Status = getUint16LE(buf, 16)
	}

	return pkt, true
}

// ParseDiagnosticPacket decodes a DIAGNOSTIC characteristic read. Requires
// at least 20 bytes.
func ParseDiagnosticPacket(buf []byte) (*DiagnosticPacket, bool) {
	if len(buf) < diagnosticMinSize {
		return nil, false
	}

	pkt := &DiagnosticPacket{
		Seconds: getInt32LE(buf, 0),
		Faults: [4]int16{
			getInt16LE(buf, 4),
			getInt16LE(buf, 6),
			getInt16LE(buf, 8),
			getInt16LE(buf, 10),
		},
	}
	for i := 0; i < 8; i++ {
		pkt.Temps[i] = getInt8(buf, 12+i)
	}
	for _, f := range pkt.Faults {
		if f != 0 {
			pkt.HasFaults = true
			break
		}
	}

	return pkt, true
}

// ParseHeuristicPacket decodes a HEURISTIC characteristic read. Requires at
// least 48 bytes: two six-float phase blocks at offsets 0 and 24.
func ParseHeuristicPacket(buf []byte, ts int64) (*HeuristicPacket, bool) {
	if len(buf) < heuristicMinSize {
		return nil, false
	}

	return &HeuristicPacket{
		Concentric: parsePhase(buf, 0),
		Eccentric:  parsePhase(buf, 24),
		Timestamp:  ts,
	}, true
}

func parsePhase(buf []byte, off int) HeuristicPhase {
	return HeuristicPhase{
		KgAvg:   getFloatLE(buf, off+0),
		KgMax:   getFloatLE(buf, off+4),
		VelAvg:  getFloatLE(buf, off+8),
		VelMax:  getFloatLE(buf, off+12),
		WattAvg: getFloatLE(buf, off+16),
		WattMax: getFloatLE(buf, off+20),
	}
}

// ParseRepPacket decodes a rep-counter notification per the Issue #210
// contract: exactly two size tiers, never three. hasOpcodePrefix accounts
// for the REPS characteristic (false) versus a TX-echoed response that
// carries a leading opcode byte (true).
func ParseRepPacket(buf []byte, hasOpcodePrefix bool, ts int64) (*RepPacket, bool) {
	offset := 0
	if hasOpcodePrefix {
		offset = 1
	}
	effective := len(buf) - offset
	if effective < repLegacyMinSize {
		return nil, false
	}

	if effective >= repModernMinSize {
		return parseModernRep(buf, offset, ts), true
	}
	return parseLegacyRep(buf, offset, ts), true
}

func parseModernRep(buf []byte, off int, ts int64) *RepPacket {
	return &RepPacket{
		TopCounter:      getUint32LE(buf, off+0),
		CompleteCounter: getUint32LE(buf, off+4),
		RangeTop:        getFloatLE(buf, off+8),
		RangeBottom:     getFloatLE(buf, off+12),
		RepsROMCount:    getUint16LE(buf, off+16),
		RepsROMTotal:    getUint16LE(buf, off+18),
		RepsSetCount:    getUint16LE(buf, off+20),
		RepsSetTotal:    getUint16LE(buf, off+22),
		IsLegacyFormat:  false,
		RawData:         buf,
		Timestamp:       ts,
	}
}

func parseLegacyRep(buf []byte, off int, ts int64) *RepPacket {
	return &RepPacket{
		TopCounter:      uint32(getUint16LE(buf, off+0)),
		CompleteCounter: uint32(getUint16LE(buf, off+4)),
		IsLegacyFormat:  true,
		RawData:         buf,
		Timestamp:       ts,
	}
}

// ParseRXMetricsResponse decodes the single big-endian one-shot command
// response on the RX characteristic. Requires at least 2 bytes.
func ParseRXMetricsResponse(buf []byte) (*RXMetricsResponse, bool) {
	if len(buf) < rxMetricsMinSize {
		return nil, false
	}
	return &RXMetricsResponse{Code: getUint16BE(buf, 0)}, true
}

// ToHex renders a single byte as two uppercase hex digits, zero-padded.
// Exposed for diagnostic logging of raw payloads.
func ToHex(b byte) string {
	return toHex(b)
}
