package main

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/cablefit/bleengine/internal/constants"
	"github.com/cablefit/bleengine/internal/facade"
)

// simulatedCentral and simulatedPeripheral stand in for a real BLE stack so
// the demo binary can exercise the full facade/engine lifecycle without
// hardware. No BLE driver library was available to ground a real Scanner or
// Central on, so device.simulate is the only supported mode (see run()).
type simulatedCentral struct {
	namePrefix string
	logger     *slog.Logger
}

func newSimulatedCentral(namePrefix string, logger *slog.Logger) *simulatedCentral {
	return &simulatedCentral{namePrefix: namePrefix, logger: logger}
}

// Scan immediately yields one synthetic advertisement matching namePrefix
// and returns; no further advertisements follow on the channel.
func (c *simulatedCentral) Scan(ctx context.Context) (<-chan facade.DiscoveredDevice, error) {
	ch := make(chan facade.DiscoveredDevice, 1)
	ch <- facade.DiscoveredDevice{
		Name:    c.namePrefix + "DEMO01",
		Address: "SIMULATED-00:11:22:33:44:55",
		RSSI:    -42,
	}
	go func() {
		<-ctx.Done()
	}()
	return ch, nil
}

func (c *simulatedCentral) Connect(ctx context.Context, device facade.DiscoveredDevice) (facade.ConnectedPeripheral, error) {
	c.logger.Info("simulated central connecting", slog.String("device", device.Name))
	return newSimulatedPeripheral(), nil
}

// simulatedPeripheral fabricates plausible MONITOR/DIAGNOSTIC/HEURISTIC
// reads and REPS notifications so the engine's processing pipeline and the
// facade's streams have something to chew on during a demo run.
type simulatedPeripheral struct {
	ticks   atomic.Uint32
	repsCh  chan []byte
	verCh   chan []byte
	modeCh  chan []byte
	started atomic.Bool
}

func newSimulatedPeripheral() *simulatedPeripheral {
	return &simulatedPeripheral{
		repsCh: make(chan []byte, 4),
		verCh:  make(chan []byte, 1),
		modeCh: make(chan []byte, 1),
	}
}

func (p *simulatedPeripheral) ReadCharacteristic(ctx context.Context, charUUID string) ([]byte, error) {
	switch charUUID {
	case constants.CharMonitorUUID:
		return p.monitorFrame(), nil
	case constants.CharDiagnosticUUID:
		return make([]byte, 20), nil
	case constants.CharHeuristicUUID:
		return p.heuristicFrame(), nil
	}
	return make([]byte, 20), nil
}

func (p *simulatedPeripheral) WriteCharacteristic(ctx context.Context, charUUID string, data []byte, withResponse bool) error {
	if charUUID == constants.CharTXUUID && len(data) > 0 && data[0] == constants.OpcodeStart && !p.started.Swap(true) {
		go p.emitReps()
	}
	return nil
}

func (p *simulatedPeripheral) NegotiateMTU(ctx context.Context, preferred int) (int, error) {
	return preferred, nil
}

func (p *simulatedPeripheral) Subscribe(ctx context.Context, charUUID string) (<-chan []byte, error) {
	switch charUUID {
	case constants.CharRepsUUID:
		return p.repsCh, nil
	case constants.CharVersionUUID:
		p.verCh <- []byte("sim-1.0.0")
		return p.verCh, nil
	case constants.CharModeUUID:
		return p.modeCh, nil
	}
	return make(chan []byte), nil
}

func (p *simulatedPeripheral) Disconnect(ctx context.Context) error {
	return nil
}

// monitorFrame produces a 20-byte MONITOR snapshot that advances a little
// every call, giving the handle detector real position motion to track.
// The frame carries no firmware velocity, so the EMA smoother sees zero.
func (p *simulatedPeripheral) monitorFrame() []byte {
	t := p.ticks.Add(1)
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(t))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(t>>16))
	posA := int16(300 + (t%40)*5)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(posA))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(1500))
	posB := int16(300 + (t%40)*5)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(posB))
	binary.LittleEndian.PutUint16(buf[14:16], uint16(1500))
	binary.LittleEndian.PutUint16(buf[16:18], 0)
	return buf
}

func (p *simulatedPeripheral) heuristicFrame() []byte {
	buf := make([]byte, 48)
	putFloat := func(off int, v float32) {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
	}
	putFloat(0, 45.0)
	putFloat(4, 52.0)
	putFloat(8, 0.6)
	putFloat(12, 0.9)
	putFloat(16, 260)
	putFloat(20, 310)
	putFloat(24, 44.0)
	putFloat(28, 50.0)
	putFloat(32, 0.5)
	putFloat(36, 0.7)
	putFloat(40, 230)
	putFloat(44, 280)
	return buf
}

// emitReps drips a synthetic rep-counter notification every few seconds, in
// the modern 24-byte format. It runs for the life of the process:
// Disconnect does not stop it.
func (p *simulatedPeripheral) emitReps() {
	var count uint32
	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		count++
		buf := make([]byte, 24)
		binary.LittleEndian.PutUint32(buf[0:4], count)
		binary.LittleEndian.PutUint32(buf[4:8], count)
		binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(10))
		binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(90))
		binary.LittleEndian.PutUint16(buf[16:18], uint16(count))
		binary.LittleEndian.PutUint16(buf[18:20], uint16(count))
		binary.LittleEndian.PutUint16(buf[20:22], uint16(count))
		binary.LittleEndian.PutUint16(buf[22:24], uint16(count))
		select {
		case p.repsCh <- buf:
		default:
		}
	}
}
