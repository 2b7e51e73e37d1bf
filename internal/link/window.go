package link

import (
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/pocketqube-comms/internal/flash"
)

// WindowState identifies the next block to send. It is persisted in the
// redundant zone after every packet so a reset mid-window resumes correctly.
type WindowState struct {
	Packet     uint8 // slot within the current window, < window size
	Window     uint8
	Retransmit uint8  // slots of the current window spent on retransmissions
	Base       uint16 // first fresh block of the current window
}

func (s WindowState) String() string {
	return fmt.Sprintf("packet=%d window=%d rtx=%d base=%d", s.Packet, s.Window, s.Retransmit, s.Base)
}

// NextBlock returns the index of the next fresh block. Fresh blocks go out
// in order, so every slot not spent on a retransmission moves it by one.
func (s WindowState) NextBlock() int {
	return int(s.Base) + int(s.Packet) - int(s.Retransmit)
}

// Accountant tracks the transfer window counters and which block each slot
// of the previous and current window carried.
type Accountant struct {
	store      *flash.Store
	windowSize int
	blockSize  int

	state WindowState
	full  bool

	// block+1 per slot; zero marks an unused slot, as on erased flash
	previous []uint16
	current  []uint16
}

// NewAccountant creates an accountant for windows of windowSize blocks of
// blockSize bytes.
func NewAccountant(store *flash.Store, windowSize, blockSize int) *Accountant {
	if windowSize > flash.MaxWindowSlots {
		windowSize = flash.MaxWindowSlots
	}
	return &Accountant{
		store:      store,
		windowSize: windowSize,
		blockSize:  blockSize,
		previous:   make([]uint16, windowSize),
		current:    make([]uint16, windowSize),
	}
}

// Load reads the persisted counters. An out-of-range packet index from a
// torn write restarts the window.
func (a *Accountant) Load() error {
	b, err := a.store.ReadItem(flash.ItemCounters)
	if err != nil {
		return err
	}
	a.state = WindowState{
		Packet:     b[0],
		Window:     b[1],
		Retransmit: b[2],
		Base:       binary.LittleEndian.Uint16(b[3:]),
	}
	slots := b[5:]
	for i := 0; i < a.windowSize; i++ {
		a.previous[i] = binary.LittleEndian.Uint16(slots[2*i:])
		a.current[i] = binary.LittleEndian.Uint16(slots[2*(flash.MaxWindowSlots+i):])
	}
	if int(a.state.Packet) >= a.windowSize || a.state.Retransmit > a.state.Packet {
		a.ResetPacket()
	}
	a.full = false
	return nil
}

// Flush persists the counters and the slot maps as one record.
func (a *Accountant) Flush() error {
	b := make([]byte, flash.CountersSize)
	b[0], b[1], b[2] = a.state.Packet, a.state.Window, a.state.Retransmit
	binary.LittleEndian.PutUint16(b[3:], a.state.Base)
	slots := b[5:]
	for i := 0; i < a.windowSize; i++ {
		binary.LittleEndian.PutUint16(slots[2*i:], a.previous[i])
		binary.LittleEndian.PutUint16(slots[2*(flash.MaxWindowSlots+i):], a.current[i])
	}
	return a.store.WriteItem(flash.ItemCounters, b)
}

// State returns the current counters.
func (a *Accountant) State() WindowState {
	return a.state
}

// WindowSize returns the number of slots per window.
func (a *Accountant) WindowSize() int {
	return a.windowSize
}

// WindowFull reports whether the window completed and awaits an ACK.
func (a *Accountant) WindowFull() bool {
	return a.full
}

// ClearWindowFull re-opens the window after an ACK.
func (a *Accountant) ClearWindowFull() {
	a.full = false
}

// CurrentPayloadOffset returns the payload zone offset of the next fresh
// block. Until a retransmission happens Base is Window times the window size.
func (a *Accountant) CurrentPayloadOffset() int {
	return a.state.NextBlock() * a.blockSize
}

// PreviousWindowOffset returns the payload zone offset of the block sent in
// slot i of the previous window, or false if that slot carried nothing.
func (a *Accountant) PreviousWindowOffset(i int) (int, bool) {
	if i < 0 || i >= a.windowSize || a.previous[i] == 0 {
		return 0, false
	}
	return (int(a.previous[i]) - 1) * a.blockSize, true
}

// Advance consumes a slot for the next fresh block. After the last slot the
// window wraps and is marked full.
func (a *Accountant) Advance() {
	a.fill(a.state.NextBlock())
}

// Retransmitted consumes a slot for the block at payload offset off.
func (a *Accountant) Retransmitted(off int) {
	a.state.Retransmit++
	a.fill(off / a.blockSize)
}

func (a *Accountant) fill(block int) {
	a.current[a.state.Packet] = uint16(block + 1)
	a.state.Packet++
	if int(a.state.Packet) == a.windowSize {
		a.closeWindow()
	}
}

// CloseWindow ends a partly used window so the next ACK refers to it. It
// reports false when no slot of the window was used.
func (a *Accountant) CloseWindow() bool {
	if a.state.Packet == 0 {
		return false
	}
	a.closeWindow()
	return true
}

func (a *Accountant) closeWindow() {
	a.state.Base = uint16(a.state.NextBlock())
	a.previous, a.current = a.current, a.previous
	clear(a.current)
	a.state.Packet = 0
	a.state.Retransmit = 0
	a.state.Window++
	a.full = true
}

// ResetPacket restarts the current window. Its fresh blocks are sent again.
func (a *Accountant) ResetPacket() {
	a.state.Packet = 0
	a.state.Retransmit = 0
	clear(a.current)
}

// Reset zeroes all counters.
func (a *Accountant) Reset() {
	a.state = WindowState{}
	clear(a.previous)
	clear(a.current)
	a.full = false
}
