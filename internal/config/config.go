package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config represents the on-board comms configuration
type Config struct {
	filename string

	// Log section
	logVerbosity     int32
	logStatsInterval uint32

	// Radio section
	radioDriver    string
	radioFrequency uint32
	radioTxPower   int8
	radioBandwidth uint32
	radioPreamble  uint16
	radioCadTime   uint32

	// UDP section
	udpAddress       string
	udpPort          uint32
	udpGroundStation string

	// MQTT section
	mqttBroker  string
	mqttQoS     uint8
	mqttTimeout uint32

	// Serial section
	serialPort      string
	serialBaud      uint32
	serialAddress   uint16
	serialPeer      uint16
	serialNetworkID uint8

	// Link section
	linkBufferSize       uint32
	linkUplinkBufferSize uint32
	linkWindowSize       uint32
	linkCadRetry         uint32
	linkRxWatchdog       uint32
	linkRxTimeout        uint32
	linkDefaultSF        uint8
	linkDefaultCR        uint8
	linkEventQueue       uint32

	// Flash section
	flashBackend         string
	flashPath            string
	flashPayloadSize     uint32
	flashTelemetrySize   uint32
	flashTLESize         uint32
	flashCalibrationSize uint32
	flashDebug           bool

	// Payload section
	payloadWatchDir string
	payloadSettle   uint32
}

// NewConfig creates a new configuration instance
func NewConfig(filename string) *Config {
	return &Config{
		filename: filename,
		// Set reasonable defaults
		logVerbosity:     -1,
		logStatsInterval: 60,

		radioDriver:    "udp",
		radioFrequency: 868000000,
		radioTxPower:   22,
		radioBandwidth: 125000,
		radioPreamble:  8,
		radioCadTime:   20,

		udpAddress: "0.0.0.0",
		udpPort:    47000,

		mqttBroker:  "mqtt://localhost:1883/pocketqube",
		mqttTimeout: 5000,

		serialPort:      "/dev/ttyUSB0",
		serialBaud:      115200,
		serialAddress:   1,
		serialPeer:      2,
		serialNetworkID: 5,

		linkBufferSize:       64,
		linkUplinkBufferSize: 64,
		linkWindowSize:       32,
		linkCadRetry:         2000,
		linkRxWatchdog:       4000,
		linkRxTimeout:        3000,
		linkDefaultSF:        7,
		linkDefaultCR:        0,
		linkEventQueue:       64,

		flashBackend:         "sqlite",
		flashPath:            "data/flash.db",
		flashPayloadSize:     128 * 1024,
		flashTelemetrySize:   256,
		flashTLESize:         138,
		flashCalibrationSize: 84,

		payloadSettle: 500,
	}
}

// Load loads configuration from the specified file
func (c *Config) Load() error {
	file, err := os.Open(c.filename)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %v", c.filename, err)
	}
	defer file.Close()

	return c.parseINI(file)
}

// LoadFromString loads configuration from a string (useful for testing)
func (c *Config) LoadFromString(data string) error {
	return c.parseINIString(data)
}

func (c *Config) parseINI(file *os.File) error {
	scanner := bufio.NewScanner(file)
	return c.parseINIScanner(scanner)
}

func (c *Config) parseINIString(data string) error {
	scanner := bufio.NewScanner(strings.NewReader(data))
	return c.parseINIScanner(scanner)
}

func (c *Config) parseINIScanner(scanner *bufio.Scanner) error {
	var currentSection string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if line[0] == '[' && line[len(line)-1] == ']' {
			currentSection = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch currentSection {
		case "Log":
			c.parseLogSection(key, value)
		case "Radio":
			c.parseRadioSection(key, value)
		case "UDP":
			c.parseUDPSection(key, value)
		case "MQTT":
			c.parseMQTTSection(key, value)
		case "Serial":
			c.parseSerialSection(key, value)
		case "Link":
			c.parseLinkSection(key, value)
		case "Flash":
			c.parseFlashSection(key, value)
		case "Payload":
			c.parsePayloadSection(key, value)
		}
	}

	return scanner.Err()
}

func (c *Config) parseLogSection(key, value string) {
	switch key {
	case "Verbosity":
		if v, err := strconv.ParseInt(value, 10, 32); err == nil {
			c.logVerbosity = int32(v)
		}
	case "StatsInterval":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.logStatsInterval = uint32(v)
		}
	}
}

func (c *Config) parseRadioSection(key, value string) {
	switch key {
	case "Driver":
		c.radioDriver = strings.ToLower(value)
	case "Frequency":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.radioFrequency = uint32(v)
		}
	case "TxPower":
		if v, err := strconv.ParseInt(value, 10, 8); err == nil {
			c.radioTxPower = int8(v)
		}
	case "Bandwidth":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.radioBandwidth = uint32(v)
		}
	case "Preamble":
		if v, err := strconv.ParseUint(value, 10, 16); err == nil {
			c.radioPreamble = uint16(v)
		}
	case "CadTimeMs":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.radioCadTime = uint32(v)
		}
	}
}

func (c *Config) parseUDPSection(key, value string) {
	switch key {
	case "Address":
		c.udpAddress = value
	case "Port":
		if v, err := strconv.ParseUint(value, 10, 16); err == nil {
			c.udpPort = uint32(v)
		}
	case "GroundStation":
		c.udpGroundStation = value
	}
}

func (c *Config) parseMQTTSection(key, value string) {
	switch key {
	case "Broker":
		c.mqttBroker = value
	case "QoS":
		if v, err := strconv.ParseUint(value, 10, 8); err == nil && v <= 2 {
			c.mqttQoS = uint8(v)
		}
	case "TimeoutMs":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.mqttTimeout = uint32(v)
		}
	}
}

func (c *Config) parseSerialSection(key, value string) {
	switch key {
	case "Port":
		c.serialPort = value
	case "Baud":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.serialBaud = uint32(v)
		}
	case "Address":
		if v, err := strconv.ParseUint(value, 10, 16); err == nil {
			c.serialAddress = uint16(v)
		}
	case "Peer":
		if v, err := strconv.ParseUint(value, 10, 16); err == nil {
			c.serialPeer = uint16(v)
		}
	case "NetworkID":
		if v, err := strconv.ParseUint(value, 10, 8); err == nil {
			c.serialNetworkID = uint8(v)
		}
	}
}

func (c *Config) parseLinkSection(key, value string) {
	switch key {
	case "BufferSize":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.linkBufferSize = uint32(v)
		}
	case "UplinkBufferSize":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.linkUplinkBufferSize = uint32(v)
		}
	case "WindowSize":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.linkWindowSize = uint32(v)
		}
	case "CadRetryMs":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.linkCadRetry = uint32(v)
		}
	case "RxWatchdogMs":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.linkRxWatchdog = uint32(v)
		}
	case "RxTimeoutMs":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.linkRxTimeout = uint32(v)
		}
	case "DefaultSF":
		if v, err := strconv.ParseUint(value, 10, 8); err == nil {
			c.linkDefaultSF = uint8(v)
		}
	case "DefaultCR":
		if v, err := strconv.ParseUint(value, 10, 8); err == nil {
			c.linkDefaultCR = uint8(v)
		}
	case "EventQueue":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.linkEventQueue = uint32(v)
		}
	}
}

func (c *Config) parseFlashSection(key, value string) {
	switch key {
	case "Backend":
		c.flashBackend = strings.ToLower(value)
	case "Path":
		c.flashPath = value
	case "PayloadSize":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.flashPayloadSize = uint32(v)
		}
	case "TelemetrySize":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.flashTelemetrySize = uint32(v)
		}
	case "TLESize":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.flashTLESize = uint32(v)
		}
	case "CalibrationSize":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.flashCalibrationSize = uint32(v)
		}
	case "Debug":
		c.flashDebug = c.parseBool(value)
	}
}

func (c *Config) parsePayloadSection(key, value string) {
	switch key {
	case "WatchDir":
		c.payloadWatchDir = value
	case "SettleMs":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.payloadSettle = uint32(v)
		}
	}
}

func (c *Config) parseBool(value string) bool {
	return value == "1" || strings.ToLower(value) == "true" || strings.ToLower(value) == "yes"
}

// Getter methods for Log section
func (c *Config) GetLogVerbosity() int32      { return c.logVerbosity }
func (c *Config) GetLogStatsInterval() uint32 { return c.logStatsInterval }

// Getter methods for Radio section
func (c *Config) GetRadioDriver() string    { return c.radioDriver }
func (c *Config) GetRadioFrequency() uint32 { return c.radioFrequency }
func (c *Config) GetRadioTxPower() int8     { return c.radioTxPower }
func (c *Config) GetRadioBandwidth() uint32 { return c.radioBandwidth }
func (c *Config) GetRadioPreamble() uint16  { return c.radioPreamble }
func (c *Config) GetRadioCadTime() uint32   { return c.radioCadTime }

// Getter methods for UDP section
func (c *Config) GetUDPAddress() string       { return c.udpAddress }
func (c *Config) GetUDPPort() uint32          { return c.udpPort }
func (c *Config) GetUDPGroundStation() string { return c.udpGroundStation }

// Getter methods for MQTT section
func (c *Config) GetMQTTBroker() string  { return c.mqttBroker }
func (c *Config) GetMQTTQoS() uint8      { return c.mqttQoS }
func (c *Config) GetMQTTTimeout() uint32 { return c.mqttTimeout }

// Getter methods for Serial section
func (c *Config) GetSerialPort() string     { return c.serialPort }
func (c *Config) GetSerialBaud() uint32     { return c.serialBaud }
func (c *Config) GetSerialAddress() uint16  { return c.serialAddress }
func (c *Config) GetSerialPeer() uint16     { return c.serialPeer }
func (c *Config) GetSerialNetworkID() uint8 { return c.serialNetworkID }

// Getter methods for Link section
func (c *Config) GetLinkBufferSize() uint32       { return c.linkBufferSize }
func (c *Config) GetLinkUplinkBufferSize() uint32 { return c.linkUplinkBufferSize }
func (c *Config) GetLinkWindowSize() uint32       { return c.linkWindowSize }
func (c *Config) GetLinkCadRetry() uint32         { return c.linkCadRetry }
func (c *Config) GetLinkRxWatchdog() uint32       { return c.linkRxWatchdog }
func (c *Config) GetLinkRxTimeout() uint32        { return c.linkRxTimeout }
func (c *Config) GetLinkDefaultSF() uint8         { return c.linkDefaultSF }
func (c *Config) GetLinkDefaultCR() uint8         { return c.linkDefaultCR }
func (c *Config) GetLinkEventQueue() uint32       { return c.linkEventQueue }

// Getter methods for Flash section
func (c *Config) GetFlashBackend() string         { return c.flashBackend }
func (c *Config) GetFlashPath() string            { return c.flashPath }
func (c *Config) GetFlashPayloadSize() uint32     { return c.flashPayloadSize }
func (c *Config) GetFlashTelemetrySize() uint32   { return c.flashTelemetrySize }
func (c *Config) GetFlashTLESize() uint32         { return c.flashTLESize }
func (c *Config) GetFlashCalibrationSize() uint32 { return c.flashCalibrationSize }
func (c *Config) GetFlashDebug() bool             { return c.flashDebug }

// Getter methods for Payload section
func (c *Config) GetPayloadWatchDir() string { return c.payloadWatchDir }
func (c *Config) GetPayloadSettle() uint32   { return c.payloadSettle }
