package protocol

import "fmt"

// Link frame constants
const (
	DefaultBufferSize       = 64 // Downlink frame length
	DefaultUplinkBufferSize = 64 // Uplink (telecommand) frame length
	DefaultWindowSize       = 32 // Packets per window
	MaxWindowSize           = 64 // One ACK bitmap bit per packet

	AckBitmapLength  = 8                   // Bitmap bytes in an ACK frame
	AckPayloadLength = 1 + AckBitmapLength // Opcode + bitmap
)

// Opcode identifies a telecommand. It is the first byte of every uplink frame.
type Opcode uint8

// Telecommand opcodes
const (
	OpReset            Opcode = 1
	OpNominal          Opcode = 2  // Nominal battery threshold
	OpLow              Opcode = 3  // Low battery threshold
	OpCritical         Opcode = 4  // Critical battery threshold
	OpExitLowPower     Opcode = 5
	OpSetTime          Opcode = 6  // 4 bytes
	OpSetConstantKP    Opcode = 7
	OpTLE              Opcode = 8  // Multi-frame
	OpSetGyroRes       Opcode = 9  // 2-bit enum
	OpSendData         Opcode = 10
	OpSendTelemetry    Opcode = 11
	OpStopSendingData  Opcode = 12
	OpAckData          Opcode = 13 // 8 bitmap bytes
	OpSetSF            Opcode = 14 // Index 0-5
	OpSetCR            Opcode = 15 // Index 0-3
	OpSendCalibration  Opcode = 16 // Multi-frame
	OpTakePhoto        Opcode = 17 // 4-byte capture time
	OpSetPhotoResol    Opcode = 18
	OpPhotoCompression Opcode = 19
	OpTakeRF           Opcode = 20 // 4-byte capture time
	OpFMin             Opcode = 21 // 2 bytes
	OpFMax             Opcode = 22 // 2 bytes
	OpDeltaF           Opcode = 23 // 2 bytes
	OpIntegrationTime  Opcode = 24
	OpSendConfig       Opcode = 25
)

var opcodeNames = map[Opcode]string{
	OpReset:            "RESET",
	OpNominal:          "NOMINAL",
	OpLow:              "LOW",
	OpCritical:         "CRITICAL",
	OpExitLowPower:     "EXIT_LOW_POWER",
	OpSetTime:          "SET_TIME",
	OpSetConstantKP:    "SET_CONSTANT_KP",
	OpTLE:              "TLE",
	OpSetGyroRes:       "SET_GYRO_RES",
	OpSendData:         "SEND_DATA",
	OpSendTelemetry:    "SEND_TELEMETRY",
	OpStopSendingData:  "STOP_SENDING_DATA",
	OpAckData:          "ACK_DATA",
	OpSetSF:            "SET_SF",
	OpSetCR:            "SET_CR",
	OpSendCalibration:  "SEND_CALIBRATION",
	OpTakePhoto:        "TAKE_PHOTO",
	OpSetPhotoResol:    "SET_PHOTO_RESOL",
	OpPhotoCompression: "PHOTO_COMPRESSION",
	OpTakeRF:           "TAKE_RF",
	OpFMin:             "F_MIN",
	OpFMax:             "F_MAX",
	OpDeltaF:           "DELTA_F",
	OpIntegrationTime:  "INTEGRATION_TIME",
	OpSendConfig:       "SEND_CONFIG",
}

// Known reports whether op is a recognized telecommand.
func (op Opcode) Known() bool {
	_, ok := opcodeNames[op]
	return ok
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(op))
}

// ParseOpcode resolves a name as printed by Opcode.String.
func ParseOpcode(name string) (Opcode, bool) {
	for op, n := range opcodeNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}
