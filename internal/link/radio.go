package link

import (
	"fmt"
	"time"

	"github.com/dbehnke/pocketqube-comms/internal/settings"
)

// Params is a radio (re)configuration.
type Params struct {
	Frequency uint32 // Hz
	TxPower   int8   // dBm
	Bandwidth uint32 // Hz
	Preamble  uint16 // symbols
	SF        settings.SpreadingFactor
	CR        settings.CodingRate
}

func (p Params) String() string {
	return fmt.Sprintf("%.3f MHz %s CR%s BW %d kHz %d dBm", float64(p.Frequency)/1e6, p.SF, p.CR, p.Bandwidth/1000, p.TxPower)
}

// Radio is the half-duplex radio driver. Every call returns without waiting
// for the air; completions are posted to the driver's EventSink as TxDone,
// RxDone, TxTimeout, RxTimeout, RxError and CadDone.
type Radio interface {
	Configure(p Params) error
	// StartCad starts channel activity detection.
	StartCad() error
	// Receive opens a receive window of at most timeout.
	Receive(timeout time.Duration) error
	Send(frame []byte) error
	Standby() error
	// TimeOnAir returns the air time of an n byte frame with the current
	// configuration.
	TimeOnAir(n int) time.Duration
}

// TimeOnAir computes the LoRa air time of an n byte explicit-header frame
// with CRC, following the Semtech SX126x datasheet formula.
func TimeOnAir(p Params, n int) time.Duration {
	if p.Bandwidth == 0 || !p.SF.Valid() {
		return 0
	}
	sf := float64(p.SF)
	bw := float64(p.Bandwidth)
	tsym := float64(uint32(1)<<uint(p.SF)) / bw

	de := 0.0
	if tsym > 0.016 {
		de = 1 // low data rate optimization
	}
	num := 8*float64(n) - 4*sf + 28 + 16
	den := 4 * (sf - 2*de)
	payloadSym := 0.0
	if num > 0 {
		payloadSym = float64(int((num+den-1)/den)) * float64(p.CR.Denominator())
	}
	symbols := float64(p.Preamble) + 4.25 + 8 + payloadSym
	return time.Duration(symbols * tsym * float64(time.Second))
}
