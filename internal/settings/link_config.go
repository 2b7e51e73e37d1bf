package settings

import (
	"encoding/binary"
	"fmt"
)

// SpreadingFactor is a LoRa spreading factor, SF7 to SF12.
type SpreadingFactor uint8

const (
	SF7  SpreadingFactor = 7
	SF12 SpreadingFactor = 12
)

// SpreadingFactorFromIndex maps the telecommand index 0-5 to SF7-SF12.
func SpreadingFactorFromIndex(idx byte) (SpreadingFactor, bool) {
	if idx > 5 {
		return 0, false
	}
	return SF7 + SpreadingFactor(idx), true
}

// Valid reports whether sf is one of the six supported values.
func (sf SpreadingFactor) Valid() bool {
	return sf >= SF7 && sf <= SF12
}

func (sf SpreadingFactor) String() string {
	return fmt.Sprintf("SF%d", uint8(sf))
}

// CodingRate is the coding-rate selector: 0=4/5, 1=4/6, 2=4/7, 3=4/8.
type CodingRate uint8

const (
	CR4_5 CodingRate = iota
	CR4_6
	CR4_7
	CR4_8
)

// Valid reports whether cr is one of the four selectors.
func (cr CodingRate) Valid() bool {
	return cr <= CR4_8
}

func (cr CodingRate) String() string {
	if !cr.Valid() {
		return fmt.Sprintf("CR(%d)", uint8(cr))
	}
	return fmt.Sprintf("4/%d", 5+uint8(cr))
}

// Denominator returns the n of 4/n.
func (cr CodingRate) Denominator() int {
	return 5 + int(cr)
}

// ConfigRecordSize is the encoded LinkConfig size. The record is sent
// verbatim in a configuration dump.
const ConfigRecordSize = 16

// LinkConfig is the persisted link and payload configuration. Telecommands
// change one field at a time; the radio reads SF and CR once per
// (re)configuration.
type LinkConfig struct {
	KP                uint8
	GyroResolution    uint8 // 2-bit enum
	SF                SpreadingFactor
	CR                CodingRate
	PhotoResolution   uint8
	PhotoCompression  uint8
	FMin              uint16
	FMax              uint16
	DeltaF            uint16
	IntegrationTime   uint8
	NominalThreshold  uint8
	LowThreshold      uint8
	CriticalThreshold uint8
}

// DefaultLinkConfig returns the configuration used on first boot.
func DefaultLinkConfig(sf SpreadingFactor, cr CodingRate) LinkConfig {
	return LinkConfig{
		SF:                sf,
		CR:                cr,
		NominalThreshold:  80,
		LowThreshold:      50,
		CriticalThreshold: 20,
	}
}

// MarshalBinary encodes the record.
func (c LinkConfig) MarshalBinary() ([]byte, error) {
	b := make([]byte, ConfigRecordSize)
	b[0] = c.KP
	b[1] = c.GyroResolution & 0x03
	b[2] = uint8(c.SF)
	b[3] = uint8(c.CR)
	b[4] = c.PhotoResolution
	b[5] = c.PhotoCompression
	binary.LittleEndian.PutUint16(b[6:], c.FMin)
	binary.LittleEndian.PutUint16(b[8:], c.FMax)
	binary.LittleEndian.PutUint16(b[10:], c.DeltaF)
	b[12] = c.IntegrationTime
	b[13] = c.NominalThreshold
	b[14] = c.LowThreshold
	b[15] = c.CriticalThreshold
	return b, nil
}

// UnmarshalBinary decodes the record. Range checks are left to the caller.
func (c *LinkConfig) UnmarshalBinary(b []byte) error {
	if len(b) < ConfigRecordSize {
		return fmt.Errorf("link config record needs %d bytes, got %d", ConfigRecordSize, len(b))
	}
	c.KP = b[0]
	c.GyroResolution = b[1] & 0x03
	c.SF = SpreadingFactor(b[2])
	c.CR = CodingRate(b[3])
	c.PhotoResolution = b[4]
	c.PhotoCompression = b[5]
	c.FMin = binary.LittleEndian.Uint16(b[6:])
	c.FMax = binary.LittleEndian.Uint16(b[8:])
	c.DeltaF = binary.LittleEndian.Uint16(b[10:])
	c.IntegrationTime = b[12]
	c.NominalThreshold = b[13]
	c.LowThreshold = b[14]
	c.CriticalThreshold = b[15]
	return nil
}

func (c LinkConfig) String() string {
	return fmt.Sprintf("%s CR%s thresholds=%d/%d/%d kp=%d gyro=%d photo=%d/%d f=%d..%d step %d int=%d",
		c.SF, c.CR, c.NominalThreshold, c.LowThreshold, c.CriticalThreshold, c.KP, c.GyroResolution,
		c.PhotoResolution, c.PhotoCompression, c.FMin, c.FMax, c.DeltaF, c.IntegrationTime)
}
