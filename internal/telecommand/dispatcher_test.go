package telecommand

import (
	"bytes"
	"testing"

	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/dbehnke/pocketqube-comms/internal/protocol"
	"github.com/dbehnke/pocketqube-comms/internal/settings"
	"github.com/stretchr/testify/require"
)

const uplinkSize = 32

type fakeLink struct {
	contingency bool
	sendData    int
	telemetry   int
	stops       int
	acks        []protocol.AckBitmap
	configDumps int
	resets      int
}

func (l *fakeLink) BeginSendingData() { l.sendData++ }
func (l *fakeLink) BeginSendingTelemetry() { l.telemetry++ }
func (l *fakeLink) StopSendingData() error { l.stops++; return nil }
func (l *fakeLink) AcknowledgeWindow(bm protocol.AckBitmap) { l.acks = append(l.acks, bm) }
func (l *fakeLink) RequestConfigDump() { l.configDumps++ }
func (l *fakeLink) SystemReset() { l.resets++ }
func (l *fakeLink) Contingency() bool { return l.contingency }

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeLink, *settings.Store) {
	amap, err := flash.NewAddressMap(flash.DefaultSizes())
	require.NoError(t, err)
	fs, err := flash.NewStore(flash.NewMemoryDevice(amap.DeviceSize()), amap)
	require.NoError(t, err)
	st := settings.NewStore(fs, settings.DefaultLinkConfig(settings.SF7, settings.CR4_5))
	link := &fakeLink{}
	return NewDispatcher(st, link, uplinkSize), link, st
}

func exec(t *testing.T, d *Dispatcher, op protocol.Opcode, args ...byte) {
	require.NoError(t, d.Dispatch(protocol.Telecommand{Op: op, Args: args}.Encode(uplinkSize)))
}

func linkConfig(t *testing.T, st *settings.Store) settings.LinkConfig {
	c, err := st.LinkConfig()
	require.NoError(t, err)
	return c
}

func TestConfigTelecommands(t *testing.T) {
	d, _, st := newTestDispatcher(t)

	exec(t, d, protocol.OpNominal, 90)
	exec(t, d, protocol.OpLow, 40)
	exec(t, d, protocol.OpCritical, 10)
	exec(t, d, protocol.OpSetConstantKP, 7)
	exec(t, d, protocol.OpSetGyroRes, 0xFE)
	exec(t, d, protocol.OpSetSF, 5)
	exec(t, d, protocol.OpSetCR, 3)
	exec(t, d, protocol.OpSetPhotoResol, 2)
	exec(t, d, protocol.OpPhotoCompression, 80)
	exec(t, d, protocol.OpFMin, 0x34, 0x12)
	exec(t, d, protocol.OpFMax, 0x78, 0x56)
	exec(t, d, protocol.OpDeltaF, 0x10, 0x00)
	exec(t, d, protocol.OpIntegrationTime, 9)

	require.Equal(t, settings.LinkConfig{
		KP:                7,
		GyroResolution:    2,
		SF:                settings.SF12,
		CR:                settings.CR4_8,
		PhotoResolution:   2,
		PhotoCompression:  80,
		FMin:              0x1234,
		FMax:              0x5678,
		DeltaF:            0x10,
		IntegrationTime:   9,
		NominalThreshold:  90,
		LowThreshold:      40,
		CriticalThreshold: 10,
	}, linkConfig(t, st))
}

func TestOutOfRangeModulationIgnored(t *testing.T) {
	d, _, st := newTestDispatcher(t)
	exec(t, d, protocol.OpSetSF, 6)
	exec(t, d, protocol.OpSetCR, 4)
	c := linkConfig(t, st)
	require.Equal(t, settings.SF7, c.SF)
	require.Equal(t, settings.CR4_5, c.CR)
}

func TestScalarTelecommands(t *testing.T) {
	d, _, st := newTestDispatcher(t)

	exec(t, d, protocol.OpExitLowPower, 1)
	v, err := st.Byte(flash.ItemExitLowPower)
	require.NoError(t, err)
	require.Equal(t, byte(1), v)

	exec(t, d, protocol.OpSetTime, 0x01, 0x02, 0x03, 0x04)
	ts, err := st.Uint32(flash.ItemSpacecraftTime)
	require.NoError(t, err)
	require.Equal(t, uint32(0x04030201), ts)
}

func TestCaptureTelecommands(t *testing.T) {
	d, _, st := newTestDispatcher(t)

	exec(t, d, protocol.OpTakePhoto, 0xAA, 0xBB, 0xCC, 0xDD)
	state, err := st.Byte(flash.ItemPayloadState)
	require.NoError(t, err)
	require.Equal(t, PayloadPhoto, state)
	raw, err := st.Flash().ReadItem(flash.ItemPayloadTime)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, raw)

	exec(t, d, protocol.OpTakeRF, 1, 2, 3, 4)
	state, err = st.Byte(flash.ItemPayloadState)
	require.NoError(t, err)
	require.Equal(t, PayloadSpectrum, state)
}

func TestLinkTelecommands(t *testing.T) {
	d, link, _ := newTestDispatcher(t)

	exec(t, d, protocol.OpSendData)
	exec(t, d, protocol.OpSendTelemetry)
	exec(t, d, protocol.OpStopSendingData)
	exec(t, d, protocol.OpSendConfig)
	exec(t, d, protocol.OpReset)
	exec(t, d, protocol.OpAckData, 0xFB, 0xFF)

	require.Equal(t, 1, link.sendData)
	require.Equal(t, 1, link.telemetry)
	require.Equal(t, 1, link.stops)
	require.Equal(t, 1, link.configDumps)
	require.Equal(t, 1, link.resets)
	require.Len(t, link.acks, 1)
	require.False(t, link.acks[0].Received(2))
	require.True(t, link.acks[0].Received(1))
}

func TestContingencyGatesTransfers(t *testing.T) {
	d, link, _ := newTestDispatcher(t)
	link.contingency = true

	exec(t, d, protocol.OpSendData)
	exec(t, d, protocol.OpSendTelemetry)
	exec(t, d, protocol.OpStopSendingData)

	require.Zero(t, link.sendData)
	require.Zero(t, link.telemetry)
	require.Equal(t, 1, link.stops)
}

func TestUnknownOpcodeIgnored(t *testing.T) {
	d, link, st := newTestDispatcher(t)
	before := linkConfig(t, st)

	exec(t, d, protocol.Opcode(0))
	exec(t, d, protocol.Opcode(200), 1, 2, 3)

	require.Equal(t, before, linkConfig(t, st))
	require.Equal(t, fakeLink{}, *link)
}

func TestEmptyFrameRejected(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	require.ErrorIs(t, d.Dispatch(nil), protocol.ErrEmptyFrame)
}

func TestOrbitalElementsReassembly(t *testing.T) {
	d, _, st := newTestDispatcher(t)
	chunk := uplinkSize - 1
	size := st.Flash().Map().Region(flash.ItemOrbitalElements).Len
	total := (size + chunk - 1) / chunk

	want := make([]byte, size)
	for i := range want {
		want[i] = byte(i + 1)
	}
	for n := 0; n < total; n++ {
		end := (n + 1) * chunk
		if end > size {
			end = size
		}
		exec(t, d, protocol.OpTLE, want[n*chunk:end]...)
		tle, _ := d.Pending()
		require.Equal(t, (n+1)%total, tle)
	}

	got, err := st.Flash().ReadItem(flash.ItemOrbitalElements)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// the counter wrapped: the next frame overwrites the first chunk
	exec(t, d, protocol.OpTLE, bytes.Repeat([]byte{0xEE}, chunk)...)
	got, err = st.Flash().ReadItem(flash.ItemOrbitalElements)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xEE}, chunk), got[:chunk])
	require.Equal(t, want[chunk:], got[chunk:])
}

func TestCalibrationReassembly(t *testing.T) {
	d, _, st := newTestDispatcher(t)
	cal := settings.Calibration{}
	for i := range cal.MagnetoMatrix {
		cal.MagnetoMatrix[i] = float32(i) + 0.5
	}
	cal.GyroPolynomial[5] = -1.25
	cal.PhotodiodeOffset[2] = 3

	raw := cal.Encode()
	chunk := uplinkSize - 1
	for off := 0; off < len(raw); off += chunk {
		end := off + chunk
		if end > len(raw) {
			end = len(raw)
		}
		exec(t, d, protocol.OpSendCalibration, raw[off:end]...)
	}

	_, pending := d.Pending()
	require.Zero(t, pending)
	got, err := st.Calibration()
	require.NoError(t, err)
	require.Equal(t, cal, got)
}
