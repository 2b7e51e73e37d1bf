package settings

import (
	"testing"

	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	amap, err := flash.NewAddressMap(flash.DefaultSizes())
	require.NoError(t, err)
	fs, err := flash.NewStore(flash.NewMemoryDevice(amap.DeviceSize()), amap)
	require.NoError(t, err)
	return NewStore(fs, DefaultLinkConfig(9, CR4_6))
}

func TestLinkConfigDefaultsOnErasedFlash(t *testing.T) {
	s := newTestStore(t)
	c, err := s.LinkConfig()
	require.NoError(t, err)
	require.Equal(t, SpreadingFactor(9), c.SF)
	require.Equal(t, CR4_6, c.CR)
}

func TestLinkConfigUpdateRewritesRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateLinkConfig(func(c *LinkConfig) { c.FMin = 0x1234 }))
	require.NoError(t, s.UpdateLinkConfig(func(c *LinkConfig) { c.SF = 11 }))

	c, err := s.LinkConfig()
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), c.FMin)
	require.Equal(t, SpreadingFactor(11), c.SF)
	require.Equal(t, CR4_6, c.CR)

	rec, err := s.ConfigRecord()
	require.NoError(t, err)
	require.Len(t, rec, ConfigRecordSize)
	require.Equal(t, byte(11), rec[2])
	require.Equal(t, []byte{0x34, 0x12}, rec[6:8])
}

func TestLinkConfigInvalidFallsBack(t *testing.T) {
	s := newTestStore(t)
	rec := make([]byte, ConfigRecordSize)
	rec[0] = 5  // KP
	rec[2] = 3  // SF out of range
	rec[3] = 17 // CR out of range
	require.NoError(t, s.Flash().WriteItem(flash.ItemLinkConfig, rec))

	c, err := s.LinkConfig()
	require.NoError(t, err)
	require.Equal(t, uint8(5), c.KP)
	require.Equal(t, SpreadingFactor(9), c.SF)
	require.Equal(t, CR4_6, c.CR)
}

func TestSpreadingFactorFromIndex(t *testing.T) {
	for idx := byte(0); idx <= 5; idx++ {
		sf, ok := SpreadingFactorFromIndex(idx)
		if !ok || sf != SpreadingFactor(7+idx) {
			t.Errorf("SpreadingFactorFromIndex(%d) = %d, %v, want %d", idx, sf, ok, 7+idx)
		}
	}
	if _, ok := SpreadingFactorFromIndex(6); ok {
		t.Errorf("SpreadingFactorFromIndex(6) accepted")
	}
	if CR4_8.String() != "4/8" {
		t.Errorf("CR4_8.String() = %s, want 4/8", CR4_8)
	}
}

func TestTelemetryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	tm := Telemetry{Voltage: 41, Current: 12, BatteryLevel: 87}
	tm.Temperatures[0] = -12
	tm.Temperatures[7] = 35
	require.NoError(t, s.SaveTelemetry(tm))

	got, err := s.Telemetry()
	require.NoError(t, err)
	require.Equal(t, tm, got)
}

func TestScalarItems(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutUint32(flash.ItemPayloadLength, 70000))
	n, err := s.Uint32(flash.ItemPayloadLength)
	require.NoError(t, err)
	require.Equal(t, uint32(70000), n)

	require.NoError(t, s.PutRaw32(flash.ItemSpacecraftTime, []byte{1, 2, 3, 4}))
	n, err = s.Uint32(flash.ItemSpacecraftTime)
	require.NoError(t, err)
	require.Equal(t, uint32(0x04030201), n)
	require.Error(t, s.PutRaw32(flash.ItemSpacecraftTime, []byte{1}))

	require.NoError(t, s.PutByte(flash.ItemExitLowPower, 1))
	b, err := s.Byte(flash.ItemExitLowPower)
	require.NoError(t, err)
	require.Equal(t, byte(1), b)
}

func TestCalibrationCodec(t *testing.T) {
	s := newTestStore(t)
	var c Calibration
	c.MagnetoMatrix[0] = 1.5
	c.PhotodiodeOffset[2] = -0.25
	enc := c.Encode()
	require.Len(t, enc, CalibrationSize)
	require.NoError(t, s.Flash().WriteItem(flash.ItemCalibration, enc))

	got, err := s.Calibration()
	require.NoError(t, err)
	require.Equal(t, c, got)
}
