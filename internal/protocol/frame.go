package protocol

import (
	"errors"
	"math/bits"
)

// ErrEmptyFrame is returned for an uplink frame with no opcode byte.
var ErrEmptyFrame = errors.New("empty telecommand frame")

// Telecommand is a decoded uplink frame: one opcode byte followed by the
// argument bytes.
type Telecommand struct {
	Op   Opcode
	Args []byte
}

// ParseTelecommand splits a received frame. The argument slice aliases data.
func ParseTelecommand(data []byte) (Telecommand, error) {
	if len(data) == 0 {
		return Telecommand{}, ErrEmptyFrame
	}
	return Telecommand{Op: Opcode(data[0]), Args: data[1:]}, nil
}

// Arg returns argument byte i, or zero if the frame is shorter.
func (tc Telecommand) Arg(i int) byte {
	if i < len(tc.Args) {
		return tc.Args[i]
	}
	return 0
}

// ArgBytes returns n argument bytes starting at 0, zero-padded.
func (tc Telecommand) ArgBytes(n int) []byte {
	b := make([]byte, n)
	copy(b, tc.Args)
	return b
}

// Encode builds an uplink frame of size bytes.
func (tc Telecommand) Encode(size int) []byte {
	b := make([]byte, size)
	b[0] = byte(tc.Op)
	copy(b[1:], tc.Args)
	return b
}

// AckBitmap reports per-packet delivery for the last window: bit i set means
// packet i arrived.
type AckBitmap uint64

// AckAll is the bitmap that requires no retransmission.
const AckAll AckBitmap = ^AckBitmap(0)

// DecodeAckBitmap reads the bitmap from ACK arguments; byte k carries bits
// 8k..8k+7. Bytes missing from a short frame count as all received.
func DecodeAckBitmap(args []byte) AckBitmap {
	var bm AckBitmap
	for k := 0; k < AckBitmapLength; k++ {
		b := byte(0xFF)
		if k < len(args) {
			b = args[k]
		}
		bm |= AckBitmap(b) << (8 * k)
	}
	return bm
}

// Encode returns the eight bitmap bytes of an ACK frame.
func (bm AckBitmap) Encode() []byte {
	b := make([]byte, AckBitmapLength)
	for k := range b {
		b[k] = byte(bm >> (8 * k))
	}
	return b
}

// Received reports whether packet i is marked as received.
func (bm AckBitmap) Received(i int) bool {
	return bm&(1<<uint(i)) != 0
}

// Set marks packet i as handled.
func (bm AckBitmap) Set(i int) AckBitmap {
	return bm | 1<<uint(i)
}

// Missing returns the number of packets below window that need retransmission.
func (bm AckBitmap) Missing(window int) int {
	return bits.OnesCount64(^uint64(bm) & windowMask(window))
}

// NextMissing returns the lowest packet index at or above from and below
// window whose bit is clear.
func (bm AckBitmap) NextMissing(from, window int) (int, bool) {
	pending := ^uint64(bm) & windowMask(window)
	if from > 0 {
		pending &^= windowMask(from)
	}
	if pending == 0 {
		return 0, false
	}
	return bits.TrailingZeros64(pending), true
}

func windowMask(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	if n <= 0 {
		return 0
	}
	return 1<<uint(n) - 1
}

// TelemetryFrame builds a telemetry frame: the packet index followed by one
// chunk of the snapshot, padded to size bytes.
func TelemetryFrame(index uint8, chunk []byte, size int) []byte {
	b := make([]byte, size)
	b[0] = index
	copy(b[1:], chunk)
	return b
}

// ConfigFrame builds a configuration dump frame of size bytes.
func ConfigFrame(record []byte, size int) []byte {
	return Telecommand{Op: OpSendConfig, Args: record}.Encode(size)
}
