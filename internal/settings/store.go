package settings

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/golang/glog"
)

// Store reads and writes the typed records of the address map.
type Store struct {
	flash    *flash.Store
	defaults LinkConfig
}

// NewStore creates a settings store. defaults is returned for a link
// configuration record that was never written, and supplies SF and CR when
// the stored ones are out of range.
func NewStore(fs *flash.Store, defaults LinkConfig) *Store {
	return &Store{flash: fs, defaults: defaults}
}

// Flash returns the underlying flash store.
func (s *Store) Flash() *flash.Store {
	return s.flash
}

// LinkConfig loads the configuration record.
func (s *Store) LinkConfig() (LinkConfig, error) {
	b, err := s.flash.ReadItem(flash.ItemLinkConfig)
	if err != nil {
		return LinkConfig{}, err
	}
	if isErased(b[:ConfigRecordSize]) {
		return s.defaults, nil
	}

	var c LinkConfig
	if err := c.UnmarshalBinary(b); err != nil {
		return LinkConfig{}, err
	}
	if !c.SF.Valid() {
		glog.Warningf("stored spreading factor %d invalid, using %s", uint8(c.SF), s.defaults.SF)
		c.SF = s.defaults.SF
	}
	if !c.CR.Valid() {
		glog.Warningf("stored coding rate %d invalid, using %s", uint8(c.CR), s.defaults.CR)
		c.CR = s.defaults.CR
	}
	return c, nil
}

// SaveLinkConfig writes the whole record in one write.
func (s *Store) SaveLinkConfig(c LinkConfig) error {
	b, _ := c.MarshalBinary()
	return s.flash.WriteItem(flash.ItemLinkConfig, b)
}

// UpdateLinkConfig applies fn to the stored record and writes it back.
func (s *Store) UpdateLinkConfig(fn func(*LinkConfig)) error {
	c, err := s.LinkConfig()
	if err != nil {
		return err
	}
	fn(&c)
	return s.SaveLinkConfig(c)
}

// ConfigRecord returns the encoded record as stored, for a configuration dump.
func (s *Store) ConfigRecord() ([]byte, error) {
	c, err := s.LinkConfig()
	if err != nil {
		return nil, err
	}
	return c.MarshalBinary()
}

// PutByte writes a one-byte flag item.
func (s *Store) PutByte(it flash.Item, v byte) error {
	return s.flash.WriteItem(it, []byte{v})
}

// Byte reads a one-byte flag item.
func (s *Store) Byte(it flash.Item) (byte, error) {
	b, err := s.flash.ReadItem(it)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// PutRaw32 writes four bytes as received on the wire.
func (s *Store) PutRaw32(it flash.Item, raw []byte) error {
	if len(raw) != 4 {
		return fmt.Errorf("%s takes 4 bytes, got %d", it, len(raw))
	}
	return s.flash.WriteItem(it, raw)
}

// PutUint32 writes a little-endian 32-bit item.
func (s *Store) PutUint32(it flash.Item, v uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return s.flash.WriteItem(it, b)
}

// Uint32 reads a little-endian 32-bit item.
func (s *Store) Uint32(it flash.Item) (uint32, error) {
	b, err := s.flash.ReadItem(it)
	if err != nil {
		return 0, err
	}
	if len(b) < 4 {
		return 0, fmt.Errorf("%s is %d bytes, not a 32-bit value", it, len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Telemetry loads the telemetry snapshot.
func (s *Store) Telemetry() (Telemetry, error) {
	b, err := s.flash.ReadItem(flash.ItemTelemetry)
	if err != nil {
		return Telemetry{}, err
	}
	return DecodeTelemetry(b)
}

// SaveTelemetry writes the telemetry snapshot.
func (s *Store) SaveTelemetry(t Telemetry) error {
	b, err := t.Encode(s.flash.Map().Region(flash.ItemTelemetry).Len)
	if err != nil {
		return err
	}
	return s.flash.WriteItem(flash.ItemTelemetry, b)
}

// Calibration loads the calibration constants.
func (s *Store) Calibration() (Calibration, error) {
	b, err := s.flash.ReadItem(flash.ItemCalibration)
	if err != nil {
		return Calibration{}, err
	}
	return DecodeCalibration(b)
}

func isErased(b []byte) bool {
	return bytes.Count(b, []byte{flash.ErasedByte}) == len(b)
}
