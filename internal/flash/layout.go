package flash

import (
	"fmt"
)

// Default zone placement.
const (
	FlagsBase       Address = 0x00000
	FlagsSize               = 0x1000
	LinkConfigBase  Address = 0x01000
	LinkConfigSize          = 0x1000
	TelemetryBase   Address = 0x02000
	TelemetrySize           = 0x0400
	RedundantBase   Address = 0x04000
	RedundantStride         = 0x1000
	PayloadBase     Address = 0x08000

	DefaultPayloadSize     = 128 * 1024
	DefaultTelemetrySize   = 256
	DefaultTLESize         = 138
	DefaultCalibrationSize = 84

	// MaxWindowSlots is the largest window the counters record can map.
	MaxWindowSlots = 64

	// CountersSize is the counters record: packet, window and retransmit
	// counters, the first fresh block of the window, then the block carried
	// by each slot of the previous and of the current window.
	CountersSize = 5 + 4*MaxWindowSlots
)

// Zone is a contiguous, page-aligned range of the address space.
type Zone struct {
	Name string
	Base Address
	Size int
}

// End returns the first address past the zone.
func (z Zone) End() Address {
	return z.Base + Address(z.Size)
}

// Contains reports whether [addr, addr+n) lies inside the zone.
func (z Zone) Contains(addr Address, n int) bool {
	return addr >= z.Base && int64(addr)+int64(n) <= int64(z.End())
}

// Region is a persisted item's location.
type Region struct {
	Addr Address
	Len  int
}

// Item enumerates the persisted values of the address map.
type Item int

const (
	ItemPayloadState Item = iota
	ItemCommsState
	ItemDeploymentState
	ItemDeploymentRFState
	ItemDetumbleState
	ItemModeState
	ItemExitLowPower
	ItemPayloadTime
	ItemSpacecraftTime
	ItemPayloadLength
	ItemLinkConfig
	ItemOrbitalElements
	ItemTelemetry
	ItemCounters
	ItemCalibration
	ItemPayload
	itemCount
)

var itemNames = [itemCount]string{
	"payload-state", "comms-state", "deployment", "deployment-rf", "detumble",
	"mode", "exit-low-power", "payload-time", "spacecraft-time", "payload-length",
	"link-config", "orbital-elements", "telemetry", "counters", "calibration", "payload",
}

func (it Item) String() string {
	if it >= 0 && it < itemCount {
		return itemNames[it]
	}
	return fmt.Sprintf("item(%d)", int(it))
}

// Items returns every item of the address map in address order.
func Items() []Item {
	items := make([]Item, itemCount)
	for i := range items {
		items[i] = Item(i)
	}
	return items
}

// Sizes carries the record sizes that are configuration rather than layout.
type Sizes struct {
	Telemetry   int
	TLE         int
	Calibration int
	Payload     int
}

// DefaultSizes returns the stock record sizes.
func DefaultSizes() Sizes {
	return Sizes{
		Telemetry:   DefaultTelemetrySize,
		TLE:         DefaultTLESize,
		Calibration: DefaultCalibrationSize,
		Payload:     DefaultPayloadSize,
	}
}

// AddressMap partitions the address space into zones and places every item.
type AddressMap struct {
	Flags      Zone
	LinkConfig Zone
	Telemetry  Zone
	Redundant  Zone // all three mirrors
	Payload    Zone
	Stride     int

	regions [itemCount]Region
	zones   [itemCount]*Zone
}

// NewAddressMap builds the default map for the given record sizes and
// validates it.
func NewAddressMap(sizes Sizes) (*AddressMap, error) {
	payloadSize := sizes.Payload
	if rem := payloadSize % PageSize; rem != 0 {
		payloadSize += PageSize - rem
	}

	m := &AddressMap{
		Flags:      Zone{Name: "flags", Base: FlagsBase, Size: FlagsSize},
		LinkConfig: Zone{Name: "link-config", Base: LinkConfigBase, Size: LinkConfigSize},
		Telemetry:  Zone{Name: "telemetry", Base: TelemetryBase, Size: TelemetrySize},
		Redundant:  Zone{Name: "redundant", Base: RedundantBase, Size: 3 * RedundantStride},
		Payload:    Zone{Name: "payload", Base: PayloadBase, Size: payloadSize},
		Stride:     RedundantStride,
	}

	flagLens := []struct {
		item Item
		n    int
	}{
		{ItemPayloadState, 1},
		{ItemCommsState, 1},
		{ItemDeploymentState, 1},
		{ItemDeploymentRFState, 1},
		{ItemDetumbleState, 1},
		{ItemModeState, 1},
		{ItemExitLowPower, 1},
		{ItemPayloadTime, 4},
		{ItemSpacecraftTime, 4},
		{ItemPayloadLength, 4},
	}
	for i, f := range flagLens {
		m.place(f.item, &m.Flags, FlagsBase+Address(i*PageSize), f.n)
	}

	m.place(ItemLinkConfig, &m.LinkConfig, LinkConfigBase, PageSize)
	m.place(ItemOrbitalElements, &m.LinkConfig, LinkConfigBase+PageSize, sizes.TLE)
	m.place(ItemTelemetry, &m.Telemetry, TelemetryBase, sizes.Telemetry)
	m.place(ItemCounters, &m.Redundant, RedundantBase, CountersSize)
	m.place(ItemCalibration, &m.Redundant, RedundantBase+2*PageSize, sizes.Calibration)
	m.place(ItemPayload, &m.Payload, PayloadBase, payloadSize)

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AddressMap) place(it Item, z *Zone, addr Address, n int) {
	m.regions[it] = Region{Addr: addr, Len: n}
	m.zones[it] = z
}

// Region returns the location of an item.
func (m *AddressMap) Region(it Item) Region {
	return m.regions[it]
}

// Zones returns the zones in address order.
func (m *AddressMap) Zones() []Zone {
	return []Zone{m.Flags, m.LinkConfig, m.Telemetry, m.Redundant, m.Payload}
}

// DeviceSize returns the number of bytes a device needs to hold the map.
func (m *AddressMap) DeviceSize() int {
	return int(m.Payload.End())
}

// Primary returns the primary mirror of the redundant zone.
func (m *AddressMap) Primary() Zone {
	return Zone{Name: "redundant-primary", Base: m.Redundant.Base, Size: m.Stride}
}

// IsRedundant reports whether addr lies in the primary mirror.
func (m *AddressMap) IsRedundant(addr Address) bool {
	return m.Primary().Contains(addr, 1)
}

// Mirrors returns the three physical addresses of a primary-mirror address.
func (m *AddressMap) Mirrors(addr Address) [3]Address {
	s := Address(m.Stride)
	return [3]Address{addr, addr + s, addr + 2*s}
}

// ZoneOf returns the zone holding [addr, addr+n).
func (m *AddressMap) ZoneOf(addr Address, n int) (Zone, error) {
	for _, z := range m.Zones() {
		if !z.Contains(addr, 1) {
			continue
		}
		if !z.Contains(addr, n) {
			return z, fmt.Errorf("%d bytes at 0x%05X leave zone %s: %w", n, uint32(addr), z.Name, ErrZoneViolation)
		}
		return z, nil
	}
	return Zone{}, fmt.Errorf("0x%05X: %w", uint32(addr), ErrOutOfRange)
}

// Validate checks the zone and item invariants.
func (m *AddressMap) Validate() error {
	zones := m.Zones()
	for i, z := range zones {
		if z.Base%PageSize != 0 || z.Size%PageSize != 0 || z.Size <= 0 {
			return fmt.Errorf("zone %s is not page aligned", z.Name)
		}
		for _, other := range zones[i+1:] {
			if z.Base < other.End() && other.Base < z.End() {
				return fmt.Errorf("zones %s and %s overlap", z.Name, other.Name)
			}
		}
	}
	if m.Stride <= 0 || m.Stride%PageSize != 0 || m.Redundant.Size != 3*m.Stride {
		return fmt.Errorf("redundant stride %d does not split zone of %d bytes into three page-aligned mirrors",
			m.Stride, m.Redundant.Size)
	}

	for i := Item(0); i < itemCount; i++ {
		r, z := m.regions[i], m.zones[i]
		if z == nil {
			return fmt.Errorf("item %s is not placed", i)
		}
		if r.Len <= 0 {
			return fmt.Errorf("item %s has no size", i)
		}
		if !z.Contains(r.Addr, r.Len) {
			return fmt.Errorf("item %s (%d bytes at 0x%05X) does not fit zone %s", i, r.Len, uint32(r.Addr), z.Name)
		}
		if z == &m.Redundant && !m.Primary().Contains(r.Addr, r.Len) {
			return fmt.Errorf("item %s exceeds the primary mirror", i)
		}
		first, count := PageSpan(r.Addr, r.Len)
		for j := i + 1; j < itemCount; j++ {
			of, oc := PageSpan(m.regions[j].Addr, m.regions[j].Len)
			if first < of+Address(oc*PageSize) && of < first+Address(count*PageSize) {
				return fmt.Errorf("items %s and %s share a page", i, j)
			}
		}
	}
	return nil
}
