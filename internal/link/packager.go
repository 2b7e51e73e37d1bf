package link

import (
	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/dbehnke/pocketqube-comms/internal/protocol"
	"github.com/golang/glog"
)

// FrameKind tells what an outbound frame carries.
type FrameKind int

// Frame kinds returned by Next.
const (
	FrameNone FrameKind = iota
	FrameRetransmit
	FrameTelemetry
	FramePayload
	FrameConfig
)

func (k FrameKind) String() string {
	switch k {
	case FrameRetransmit:
		return "retransmit"
	case FrameTelemetry:
		return "telemetry"
	case FramePayload:
		return "payload"
	case FrameConfig:
		return "config"
	}
	return "none"
}

// Packager selects and builds the next outbound frame: pending
// retransmissions first, then telemetry, then fresh payload blocks.
type Packager struct {
	store      *flash.Store
	acct       *Accountant
	bufferSize int
	uplinkSize int

	ack  protocol.AckBitmap
	nack bool

	telemetry        bool
	telemetryPackets int

	payloadLimit int // bytes of the payload zone holding the current capture

	frame []byte
}

// NewPackager creates a packager reading blocks of bufferSize bytes.
func NewPackager(store *flash.Store, acct *Accountant, bufferSize, uplinkSize int) *Packager {
	return &Packager{
		store:        store,
		acct:         acct,
		bufferSize:   bufferSize,
		uplinkSize:   uplinkSize,
		ack:          protocol.AckAll,
		payloadLimit: store.Map().Payload.Size,
		frame:        make([]byte, bufferSize),
	}
}

// SetPayloadLength bounds fresh transmission to the first n bytes of the
// payload zone. Zero means the whole zone.
func (p *Packager) SetPayloadLength(n int) {
	size := p.store.Map().Payload.Size
	if n <= 0 || n > size {
		n = size
	}
	p.payloadLimit = n
}

// PayloadRemaining reports whether fresh blocks are left to send.
func (p *Packager) PayloadRemaining() bool {
	return p.acct.CurrentPayloadOffset() < p.payloadLimit
}

// ResetAck clears the bitmap to all ones and drops any pending NACK.
func (p *Packager) ResetAck() {
	p.ack = protocol.AckAll
	p.nack = false
}

// Acknowledge merges a reported bitmap by AND and arms retransmission if any
// packet of the window is missing.
func (p *Packager) Acknowledge(bm protocol.AckBitmap) {
	p.ack &= bm
	if p.ack.Missing(p.acct.WindowSize()) > 0 {
		p.nack = true
	}
}

// Ack returns the merged bitmap.
func (p *Packager) Ack() protocol.AckBitmap {
	return p.ack
}

// Nack reports whether retransmissions are pending.
func (p *Packager) Nack() bool {
	return p.nack
}

// StartTelemetry starts a telemetry transfer from the first block.
func (p *Packager) StartTelemetry() {
	p.telemetry = true
	p.telemetryPackets = 0
}

// Telemetry reports whether a telemetry transfer is in progress.
func (p *Packager) Telemetry() bool {
	return p.telemetry
}

func (p *Packager) telemetryChunk() int {
	return p.uplinkSize - 1
}

// TelemetryBlocks returns the number of frames a telemetry transfer takes.
func (p *Packager) TelemetryBlocks() int {
	size := p.store.Map().Region(flash.ItemTelemetry).Len
	return (size + p.telemetryChunk() - 1) / p.telemetryChunk()
}

// Next builds the next frame. Fresh payload blocks are only considered when
// fresh is true. The returned slice is reused by the following call.
func (p *Packager) Next(fresh bool) ([]byte, FrameKind, error) {
	if p.nack {
		frame, ok, err := p.nextRetransmission()
		if err != nil {
			return nil, FrameRetransmit, err
		}
		if ok {
			p.closeDrainedWindow()
			return frame, FrameRetransmit, nil
		}
	}
	if p.telemetry {
		frame, err := p.nextTelemetry()
		return frame, FrameTelemetry, err
	}
	if fresh && p.PayloadRemaining() {
		frame, err := p.nextPayload()
		if err != nil {
			return nil, FramePayload, err
		}
		p.closeDrainedWindow()
		return frame, FramePayload, nil
	}
	p.closeDrainedWindow()
	return nil, FrameNone, nil
}

// closeDrainedWindow closes a partly used window once nothing is left to
// fill it, so its last blocks get acknowledged like any other window.
func (p *Packager) closeDrainedWindow() {
	if p.nack || p.PayloadRemaining() {
		return
	}
	if p.acct.CloseWindow() {
		glog.V(1).Infof("payload exhausted, window %d closed early", p.acct.State().Window-1)
	}
}

// nextRetransmission sends the block of the lowest missing packet and marks
// its bit as handled. Packets the previous window never used are skipped.
func (p *Packager) nextRetransmission() ([]byte, bool, error) {
	ws := p.acct.WindowSize()
	for {
		i, found := p.ack.NextMissing(0, ws)
		if !found {
			p.ResetAck()
			return nil, false, nil
		}
		off, ok := p.acct.PreviousWindowOffset(i)
		if !ok {
			glog.Warningf("NACK for packet %d, which the previous window did not send", i)
			p.ack = p.ack.Set(i)
			continue
		}
		if err := p.readPayload(off); err != nil {
			return nil, false, err
		}
		p.ack = p.ack.Set(i)
		p.acct.Retransmitted(off)
		if p.ack.Missing(ws) == 0 {
			p.ResetAck()
		}
		glog.V(2).Infof("retransmitting packet %d of the previous window, block %d (%s)", i, off/p.bufferSize, p.acct.State())
		return p.frame, true, nil
	}
}

func (p *Packager) nextTelemetry() ([]byte, error) {
	r := p.store.Map().Region(flash.ItemTelemetry)
	off := p.telemetryPackets * p.telemetryChunk()
	n := p.telemetryChunk()
	if off+n > r.Len {
		n = r.Len - off
	}
	chunk, err := p.store.Read(r.Addr+flash.Address(off), n)
	if err != nil {
		return nil, err
	}
	frame := protocol.TelemetryFrame(uint8(p.telemetryPackets), chunk, p.bufferSize)
	p.telemetryPackets++
	if p.telemetryPackets >= p.TelemetryBlocks() {
		p.telemetry = false
		p.telemetryPackets = 0
	}
	return frame, nil
}

func (p *Packager) nextPayload() ([]byte, error) {
	if err := p.readPayload(p.acct.CurrentPayloadOffset()); err != nil {
		return nil, err
	}
	p.acct.Advance()
	return p.frame, nil
}

// readPayload fills the frame with the block at off, padding past the zone end.
func (p *Packager) readPayload(off int) error {
	zone := p.store.Map().Payload
	for i := range p.frame {
		p.frame[i] = flash.ErasedByte
	}
	n := p.bufferSize
	if off+n > zone.Size {
		n = zone.Size - off
	}
	if n <= 0 {
		return nil
	}
	block, err := p.store.Read(zone.Base+flash.Address(off), n)
	if err != nil {
		return err
	}
	copy(p.frame, block)
	return nil
}
