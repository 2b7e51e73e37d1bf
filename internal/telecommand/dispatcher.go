// Package telecommand decodes uplinked telecommands and applies them to the
// persisted configuration and the radio link.
package telecommand

import (
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/dbehnke/pocketqube-comms/internal/protocol"
	"github.com/dbehnke/pocketqube-comms/internal/settings"
	"github.com/golang/glog"
)

// Link is the part of the radio link that telecommands drive.
type Link interface {
	BeginSendingData()
	BeginSendingTelemetry()
	StopSendingData() error
	AcknowledgeWindow(bm protocol.AckBitmap)
	RequestConfigDump()
	SystemReset()
	Contingency() bool
}

// Payload states written by the capture telecommands.
const (
	PayloadIdle     byte = 0
	PayloadPhoto    byte = 1
	PayloadSpectrum byte = 2
)

// reassembly writes a record uplinked as consecutive chunks of one frame's
// arguments each. The chunk counter is not carried on the wire, so a lost or
// repeated frame shifts every following chunk.
type reassembly struct {
	item    flash.Item
	chunk   int
	packets int
}

// Dispatcher applies telecommands.
type Dispatcher struct {
	settings *settings.Store
	link     Link

	tle         reassembly
	calibration reassembly
}

// NewDispatcher creates a dispatcher for uplink frames of uplinkSize bytes.
func NewDispatcher(s *settings.Store, link Link, uplinkSize int) *Dispatcher {
	return &Dispatcher{
		settings:    s,
		link:        link,
		tle:         reassembly{item: flash.ItemOrbitalElements, chunk: uplinkSize - 1},
		calibration: reassembly{item: flash.ItemCalibration, chunk: uplinkSize - 1},
	}
}

// Dispatch decodes a received frame and applies it.
func (d *Dispatcher) Dispatch(frame []byte) error {
	tc, err := protocol.ParseTelecommand(frame)
	if err != nil {
		return err
	}
	return d.Execute(tc)
}

// Execute applies one telecommand. Unknown opcodes are ignored.
func (d *Dispatcher) Execute(tc protocol.Telecommand) error {
	glog.V(1).Infof("telecommand %s (%d argument bytes)", tc.Op, len(tc.Args))

	switch tc.Op {
	case protocol.OpReset:
		d.link.SystemReset()
	case protocol.OpNominal:
		return d.update(func(c *settings.LinkConfig) { c.NominalThreshold = tc.Arg(0) })
	case protocol.OpLow:
		return d.update(func(c *settings.LinkConfig) { c.LowThreshold = tc.Arg(0) })
	case protocol.OpCritical:
		return d.update(func(c *settings.LinkConfig) { c.CriticalThreshold = tc.Arg(0) })
	case protocol.OpExitLowPower:
		return d.settings.PutByte(flash.ItemExitLowPower, tc.Arg(0))
	case protocol.OpSetTime:
		return d.settings.PutRaw32(flash.ItemSpacecraftTime, tc.ArgBytes(4))
	case protocol.OpSetConstantKP:
		return d.update(func(c *settings.LinkConfig) { c.KP = tc.Arg(0) })
	case protocol.OpTLE:
		return d.reassemble(&d.tle, tc)
	case protocol.OpSetGyroRes:
		return d.update(func(c *settings.LinkConfig) { c.GyroResolution = tc.Arg(0) & 0x03 })
	case protocol.OpSendData:
		if d.link.Contingency() {
			glog.Infof("SEND_DATA ignored in contingency")
			return nil
		}
		d.link.BeginSendingData()
	case protocol.OpSendTelemetry:
		if d.link.Contingency() {
			glog.Infof("SEND_TELEMETRY ignored in contingency")
			return nil
		}
		d.link.BeginSendingTelemetry()
	case protocol.OpStopSendingData:
		return d.link.StopSendingData()
	case protocol.OpAckData:
		d.link.AcknowledgeWindow(protocol.DecodeAckBitmap(tc.Args))
	case protocol.OpSetSF:
		sf, ok := settings.SpreadingFactorFromIndex(tc.Arg(0))
		if !ok {
			glog.Warningf("SET_SF index %d out of range", tc.Arg(0))
			return nil
		}
		return d.update(func(c *settings.LinkConfig) { c.SF = sf })
	case protocol.OpSetCR:
		cr := settings.CodingRate(tc.Arg(0))
		if !cr.Valid() {
			glog.Warningf("SET_CR index %d out of range", tc.Arg(0))
			return nil
		}
		return d.update(func(c *settings.LinkConfig) { c.CR = cr })
	case protocol.OpSendCalibration:
		return d.reassemble(&d.calibration, tc)
	case protocol.OpTakePhoto:
		return d.capture(PayloadPhoto, tc)
	case protocol.OpSetPhotoResol:
		return d.update(func(c *settings.LinkConfig) { c.PhotoResolution = tc.Arg(0) })
	case protocol.OpPhotoCompression:
		return d.update(func(c *settings.LinkConfig) { c.PhotoCompression = tc.Arg(0) })
	case protocol.OpTakeRF:
		return d.capture(PayloadSpectrum, tc)
	case protocol.OpFMin:
		return d.update(func(c *settings.LinkConfig) { c.FMin = binary.LittleEndian.Uint16(tc.ArgBytes(2)) })
	case protocol.OpFMax:
		return d.update(func(c *settings.LinkConfig) { c.FMax = binary.LittleEndian.Uint16(tc.ArgBytes(2)) })
	case protocol.OpDeltaF:
		return d.update(func(c *settings.LinkConfig) { c.DeltaF = binary.LittleEndian.Uint16(tc.ArgBytes(2)) })
	case protocol.OpIntegrationTime:
		return d.update(func(c *settings.LinkConfig) { c.IntegrationTime = tc.Arg(0) })
	case protocol.OpSendConfig:
		d.link.RequestConfigDump()
	default:
		glog.V(1).Infof("ignoring unknown telecommand %d", uint8(tc.Op))
	}
	return nil
}

func (d *Dispatcher) update(fn func(*settings.LinkConfig)) error {
	if err := d.settings.UpdateLinkConfig(fn); err != nil {
		return fmt.Errorf("update link config: %w", err)
	}
	return nil
}

func (d *Dispatcher) capture(state byte, tc protocol.Telecommand) error {
	if err := d.settings.PutByte(flash.ItemPayloadState, state); err != nil {
		return err
	}
	return d.settings.PutRaw32(flash.ItemPayloadTime, tc.ArgBytes(4))
}

// reassemble places the frame's arguments at the running chunk position of
// the record and rewrites the whole record. The counter wraps once the record
// is complete.
func (d *Dispatcher) reassemble(r *reassembly, tc protocol.Telecommand) error {
	fs := d.settings.Flash()
	size := fs.Map().Region(r.item).Len
	total := (size + r.chunk - 1) / r.chunk

	record, err := fs.ReadItem(r.item)
	if err != nil {
		// a record that no longer votes cleanly is rebuilt from scratch
		glog.Warningf("reassembling %s over unreadable record: %v", r.item, err)
		record = make([]byte, size)
	}
	off := r.packets * r.chunk
	copy(record[off:], tc.ArgBytes(r.chunk))

	if err := fs.WriteItem(r.item, record); err != nil {
		return fmt.Errorf("%s chunk %d: %w", r.item, r.packets, err)
	}
	glog.V(1).Infof("%s chunk %d/%d stored", r.item, r.packets+1, total)

	r.packets++
	if r.packets == total {
		r.packets = 0
		glog.Infof("%s upload complete", r.item)
	}
	return nil
}

// Pending returns the next chunk index of the orbital element and calibration
// uploads.
func (d *Dispatcher) Pending() (tle, calibration int) {
	return d.tle.packets, d.calibration.packets
}
