package protocol_test

import (
	"testing"

	"github.com/cablefit/bleengine/internal/protocol"
)

func hexBytes(t *testing.T, hex string) []byte {
	t.Helper()
	clean := make([]byte, 0, len(hex)/2)
	var hi byte
	haveHi := false
	for _, r := range hex {
		if r == ' ' {
			continue
		}
		v := hexDigit(t, byte(r))
		if !haveHi {
			hi = v
			haveHi = true
			continue
		}
		clean = append(clean, hi<<4|v)
		haveHi = false
	}
	return clean
}

func hexDigit(t *testing.T, r byte) byte {
	t.Helper()
	switch {
	case r >= '0' && r <= '9':
		return r - '0'
	case r >= 'A' && r <= 'F':
		return r - 'A' + 10
	case r >= 'a' && r <= 'f':
		return r - 'a' + 10
	}
	t.Fatalf("invalid hex digit %q", r)
	return 0
}

func TestParseMonitorPacket(t *testing.T) {
	t.Parallel()

	// Byte offsets here follow ParseMonitorPacket's field layout directly
	// (see Open Question 8 in DESIGN.md for the offset-to-field
	// resolution): posA@4, loadA@8, posB@10, loadB@14, status@16.
	buf := hexBytes(t, "00 01 00 00 D2 04 00 00 88 13 00 00 C9 FD 00 00 10 27")
	pkt, ok := protocol.ParseMonitorPacket(buf)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if pkt.PosA != 123.4 {
		t.Errorf("PosA = %v, want 123.4", pkt.PosA)
	}
	if pkt.PosB != 0.0 {
		t.Errorf("PosB = %v, want 0.0", pkt.PosB)
	}
	if pkt.LoadA != 50.0 {
		t.Errorf("LoadA = %v, want 50.0", pkt.LoadA)
	}
	if pkt.LoadB != 0.0 {
		t.Errorf("LoadB = %v, want 0.0", pkt.LoadB)
	}
	if pkt.Status != 10000 {
		t.Errorf("Status = %v, want 10000", pkt.Status)
	}
}

func TestParseMonitorPacketTooShort(t *testing.T) {
	t.Parallel()

	_, ok := protocol.ParseMonitorPacket(make([]byte, 15))
	if ok {
		t.Fatal("expected ok=false for under-sized buffer")
	}
}

func TestParseMonitorPacketNoStatusField(t *testing.T) {
	t.Parallel()

	buf := hexBytes(t, "00 01 00 00 D2 04 00 00 88 13 00 00 C9 FD 00 00")
	pkt, ok := protocol.ParseMonitorPacket(buf)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if pkt.Status != 0 {
		t.Errorf("Status = %v, want 0 when status field absent", pkt.Status)
	}
}

func TestParseRepPacketTiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		buf            []byte
		prefix         bool
		wantOk         bool
		wantLegacy     bool
		topCounter     uint32
		completeCount  uint32
	}{
		{
			name:          "modern 24-byte",
			buf:           hexBytes(t, "0A 00 00 00 08 00 00 00 00 00 96 43 00 00 00 00 03 00 05 00 07 00 0A 00"),
			wantOk:        true,
			wantLegacy:    false,
			topCounter:    10,
			completeCount: 8,
		},
		{
			name:          "legacy 6-byte",
			buf:           hexBytes(t, "05 00 00 00 03 00"),
			wantOk:        true,
			wantLegacy:    true,
			topCounter:    5,
			completeCount: 3,
		},
		{
			name:   "too short for legacy tier",
			buf:    make([]byte, 5),
			wantOk: false,
		},
		{
			name:   "16 bytes falls in forbidden intermediate gap, must be legacy",
			buf:    make([]byte, 16),
			wantOk: true,
			wantLegacy: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pkt, ok := protocol.ParseRepPacket(tt.buf, tt.prefix, 0)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if !tt.wantOk {
				return
			}
			if pkt.IsLegacyFormat != tt.wantLegacy {
				t.Errorf("IsLegacyFormat = %v, want %v", pkt.IsLegacyFormat, tt.wantLegacy)
			}
			if tt.topCounter != 0 && pkt.TopCounter != tt.topCounter {
				t.Errorf("TopCounter = %v, want %v", pkt.TopCounter, tt.topCounter)
			}
			if tt.completeCount != 0 && pkt.CompleteCounter != tt.completeCount {
				t.Errorf("CompleteCounter = %v, want %v", pkt.CompleteCounter, tt.completeCount)
			}
		})
	}
}

// TestParseRepPacketTierBoundaryExhaustive asserts the Issue #210 invariant
// across every buffer length from 0 to 40: exactly two tiers, no third.
func TestParseRepPacketTierBoundaryExhaustive(t *testing.T) {
	t.Parallel()

	for _, prefix := range []bool{false, true} {
		for size := 0; size <= 40; size++ {
			buf := make([]byte, size)
			offset := 0
			if prefix {
				offset = 1
			}
			effective := size - offset

			pkt, ok := protocol.ParseRepPacket(buf, prefix, 0)

			switch {
			case effective < 6:
				if ok {
					t.Errorf("size=%d prefix=%v: expected ok=false, got true", size, prefix)
				}
			case effective < 24:
				if !ok || !pkt.IsLegacyFormat {
					t.Errorf("size=%d prefix=%v: expected legacy format", size, prefix)
				}
			default:
				if !ok || pkt.IsLegacyFormat {
					t.Errorf("size=%d prefix=%v: expected modern format", size, prefix)
				}
			}
		}
	}
}

func TestParseDiagnosticPacket(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 20)
	buf[4] = 0x05 // faults[0] = 5
	pkt, ok := protocol.ParseDiagnosticPacket(buf)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if !pkt.HasFaults {
		t.Error("HasFaults = false, want true")
	}
	if pkt.Faults[0] != 5 {
		t.Errorf("Faults[0] = %v, want 5", pkt.Faults[0])
	}
}

func TestParseDiagnosticPacketNoFaults(t *testing.T) {
	t.Parallel()

	pkt, ok := protocol.ParseDiagnosticPacket(make([]byte, 20))
	if !ok {
		t.Fatal("expected ok=true")
	}
	if pkt.HasFaults {
		t.Error("HasFaults = true, want false")
	}
}

func TestParseDiagnosticPacketTooShort(t *testing.T) {
	t.Parallel()

	_, ok := protocol.ParseDiagnosticPacket(make([]byte, 19))
	if ok {
		t.Fatal("expected ok=false")
	}
}

func TestParseHeuristicPacketTooShort(t *testing.T) {
	t.Parallel()

	_, ok := protocol.ParseHeuristicPacket(make([]byte, 47), 0)
	if ok {
		t.Fatal("expected ok=false")
	}
}

func TestParseRXMetricsResponseBigEndian(t *testing.T) {
	t.Parallel()

	// 0x0102 in big-endian byte order.
	buf := []byte{0x01, 0x02}
	resp, ok := protocol.ParseRXMetricsResponse(buf)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if resp.Code != 0x0102 {
		t.Errorf("Code = %#x, want 0x0102", resp.Code)
	}
}

func TestUnsignedReadingNeverNegative(t *testing.T) {
	t.Parallel()

	buf := []byte{0xFF, 0xFF, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	pkt, ok := protocol.ParseMonitorPacket(buf)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if pkt.Ticks>>16 != 0 {
		t.Fatalf("unexpected ticks high bits")
	}
	// Loads are decoded via getUint16LE and must never be negative when
	// cast back to their unsigned domain.
	buf2 := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF, 0, 0, 0, 0, 0, 0}
	pkt2, ok2 := protocol.ParseMonitorPacket(buf2)
	if !ok2 {
		t.Fatal("expected ok=true")
	}
	if pkt2.LoadA < 0 {
		t.Errorf("LoadA = %v, must not be negative for all-ones bytes", pkt2.LoadA)
	}
}

func TestToHex(t *testing.T) {
	t.Parallel()

	if got := protocol.ToHex(0x0A); got != "0A" {
		t.Errorf("ToHex(0x0A) = %q, want %q", got, "0A")
	}
	if got := protocol.ToHex(0xFF); got != "FF" {
		t.Errorf("ToHex(0xFF) = %q, want %q", got, "FF")
	}
}
