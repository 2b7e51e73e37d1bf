package settings

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// TemperatureSensors is the number of temperature channels in a snapshot.
const TemperatureSensors = 8

// Telemetry is the housekeeping snapshot written by the monitoring
// collaborators and downlinked on request.
type Telemetry struct {
	Temperatures [TemperatureSensors]int8 // degrees C
	Voltage      uint8
	Current      uint8
	BatteryLevel uint8 // percent
}

// telemetryUsed is the number of snapshot bytes that carry fields.
const telemetryUsed = TemperatureSensors + 3

// Encode writes the snapshot into a record of size bytes.
func (t Telemetry) Encode(size int) ([]byte, error) {
	if size < telemetryUsed {
		return nil, fmt.Errorf("telemetry record of %d bytes cannot hold %d", size, telemetryUsed)
	}
	b := make([]byte, size)
	for i, v := range t.Temperatures {
		b[i] = byte(v)
	}
	b[TemperatureSensors] = t.Voltage
	b[TemperatureSensors+1] = t.Current
	b[TemperatureSensors+2] = t.BatteryLevel
	return b, nil
}

// DecodeTelemetry parses a telemetry record.
func DecodeTelemetry(b []byte) (Telemetry, error) {
	var t Telemetry
	if len(b) < telemetryUsed {
		return t, fmt.Errorf("telemetry record needs %d bytes, got %d", telemetryUsed, len(b))
	}
	for i := range t.Temperatures {
		t.Temperatures[i] = int8(b[i])
	}
	t.Voltage = b[TemperatureSensors]
	t.Current = b[TemperatureSensors+1]
	t.BatteryLevel = b[TemperatureSensors+2]
	return t, nil
}

// Calibration holds the attitude sensor calibration constants uplinked in
// several frames and kept in the redundant zone.
type Calibration struct {
	MagnetoMatrix    [9]float32
	MagnetoOffset    [3]float32
	GyroPolynomial   [6]float32
	PhotodiodeOffset [3]float32
}

// CalibrationSize is the encoded size of a Calibration.
const CalibrationSize = (9 + 3 + 6 + 3) * 4

// DecodeCalibration parses a calibration record (little-endian float32s).
func DecodeCalibration(b []byte) (Calibration, error) {
	var c Calibration
	if len(b) < CalibrationSize {
		return c, fmt.Errorf("calibration record needs %d bytes, got %d", CalibrationSize, len(b))
	}
	if err := binary.Read(bytes.NewReader(b[:CalibrationSize]), binary.LittleEndian, &c); err != nil {
		return c, err
	}
	return c, nil
}

// Encode serializes the constants.
func (c Calibration) Encode() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, c)
	return buf.Bytes()
}
