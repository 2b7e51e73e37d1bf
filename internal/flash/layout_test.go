package flash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultAddressMap(t *testing.T) {
	amap, err := NewAddressMap(DefaultSizes())
	require.NoError(t, err)

	for _, it := range Items() {
		r := amap.Region(it)
		z, err := amap.ZoneOf(r.Addr, r.Len)
		require.NoErrorf(t, err, "%s", it)
		if it == ItemCounters || it == ItemCalibration {
			require.Equalf(t, "redundant", z.Name, "%s", it)
			require.Truef(t, amap.IsRedundant(r.Addr), "%s", it)
		} else {
			require.Falsef(t, amap.IsRedundant(r.Addr), "%s", it)
		}
	}

	m := amap.Mirrors(RedundantBase + 5)
	require.Equal(t, [3]Address{0x4005, 0x5005, 0x6005}, m)
	require.Equal(t, int(PayloadBase)+DefaultPayloadSize, amap.DeviceSize())
}

func TestAddressMapRejectsOversizedRecords(t *testing.T) {
	sizes := DefaultSizes()
	sizes.Telemetry = TelemetrySize + 1
	_, err := NewAddressMap(sizes)
	require.Error(t, err)

	sizes = DefaultSizes()
	sizes.Calibration = RedundantStride
	_, err = NewAddressMap(sizes)
	require.Error(t, err)

	sizes = DefaultSizes()
	sizes.TLE = 0
	_, err = NewAddressMap(sizes)
	require.Error(t, err)
}

func TestPayloadSizeRoundsToPages(t *testing.T) {
	sizes := DefaultSizes()
	sizes.Payload = 1000
	amap, err := NewAddressMap(sizes)
	require.NoError(t, err)
	require.Equal(t, 1024, amap.Payload.Size)
}

func TestPageSpan(t *testing.T) {
	cases := []struct {
		addr  Address
		n     int
		first Address
		count int
	}{
		{0, 1, 0, 1},
		{0, 256, 0, 1},
		{0, 257, 0, 2},
		{255, 2, 0, 2},
		{0x4010, 3, 0x4000, 1},
		{0x100, 0, 0x100, 0},
	}
	for _, c := range cases {
		first, count := PageSpan(c.addr, c.n)
		if first != c.first || count != c.count {
			t.Errorf("PageSpan(0x%X, %d) = (0x%X, %d), want (0x%X, %d)", c.addr, c.n, first, count, c.first, c.count)
		}
	}
}
