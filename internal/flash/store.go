package flash

import (
	"bytes"
	"fmt"

	"github.com/golang/glog"
)

// Store is the redundant flash store. Writes into the primary mirror of the
// redundant zone are replicated to all three mirrors; reads of that range are
// resolved by 2-of-3 vote. Every other zone is a plain erase/program store.
type Store struct {
	dev  Device
	amap *AddressMap
}

// NewStore creates a store over dev using the address map amap.
func NewStore(dev Device, amap *AddressMap) (*Store, error) {
	if dev.Size() < amap.DeviceSize() {
		return nil, fmt.Errorf("flash device holds %d bytes, address map needs %d", dev.Size(), amap.DeviceSize())
	}
	return &Store{dev: dev, amap: amap}, nil
}

// Map returns the address map of the store.
func (s *Store) Map() *AddressMap {
	return s.amap
}

// Device returns the underlying device.
func (s *Store) Device() Device {
	return s.dev
}

// Write erases every page touched by [addr, addr+len(data)) and programs
// data. Inside the redundant zone the three mirrors are written in order.
// Any erase or program failure aborts the write and is returned as is.
func (s *Store) Write(addr Address, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := s.checkAccess(addr, len(data)); err != nil {
		return err
	}

	if !s.amap.IsRedundant(addr) {
		return s.program(addr, data)
	}
	for i, mirror := range s.amap.Mirrors(addr) {
		if err := s.program(mirror, data); err != nil {
			return fmt.Errorf("mirror %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Store) program(addr Address, data []byte) error {
	first, count := PageSpan(addr, len(data))
	if err := s.dev.ErasePages(first, count); err != nil {
		glog.Errorf("flash erase of %d pages at 0x%05X failed: %v", count, uint32(first), err)
		return err
	}
	if err := s.dev.Program(addr, data); err != nil {
		glog.Errorf("flash program of %d bytes at 0x%05X failed: %v", len(data), uint32(addr), err)
		return err
	}
	return nil
}

// Read returns n bytes at addr, voting across mirrors inside the redundant
// zone. When no two mirrors agree on some byte the result is an
// *UnrecoverableError and no data.
func (s *Store) Read(addr Address, n int) ([]byte, error) {
	if err := s.checkAccess(addr, n); err != nil {
		return nil, err
	}
	if !s.amap.IsRedundant(addr) {
		buf := make([]byte, n)
		if err := s.dev.Read(addr, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	var lect [3][]byte
	for i, mirror := range s.amap.Mirrors(addr) {
		lect[i] = make([]byte, n)
		if err := s.dev.Read(mirror, lect[i]); err != nil {
			return nil, fmt.Errorf("mirror %d: %w", i+1, err)
		}
	}
	return vote(addr, lect)
}

// vote applies the mirror tie-break: mirror 1 wins when it agrees with either
// sibling, otherwise mirror 2 wins when it agrees with mirror 3. If no pair of
// mirrors agrees wholesale each byte is voted individually.
func vote(addr Address, lect [3][]byte) ([]byte, error) {
	eq12 := bytes.Equal(lect[0], lect[1])
	eq13 := bytes.Equal(lect[0], lect[2])
	eq23 := bytes.Equal(lect[1], lect[2])

	switch {
	case eq12 && eq13:
		return lect[0], nil
	case eq12 || eq13:
		glog.Warningf("flash mirror disagreement at 0x%05X, mirror 1 outvotes the odd copy", uint32(addr))
		return lect[0], nil
	case eq23:
		glog.Warningf("flash mirror 1 corrupt at 0x%05X, using mirror 2", uint32(addr))
		return lect[1], nil
	}

	out := make([]byte, len(lect[0]))
	for i := range out {
		a, b, c := lect[0][i], lect[1][i], lect[2][i]
		switch {
		case a == b || a == c:
			out[i] = a
		case b == c:
			out[i] = b
		default:
			return nil, &UnrecoverableError{Addr: addr, Len: len(out)}
		}
	}
	glog.Warningf("flash mirrors at 0x%05X disagree pairwise, recovered by per-byte vote", uint32(addr))
	return out, nil
}

// ReadMirror reads n bytes of one mirror (1, 2 or 3) without voting.
func (s *Store) ReadMirror(addr Address, mirror, n int) ([]byte, error) {
	if !s.amap.Primary().Contains(addr, n) {
		return nil, fmt.Errorf("0x%05X is not in the redundant zone: %w", uint32(addr), ErrZoneViolation)
	}
	if mirror < 1 || mirror > 3 {
		return nil, fmt.Errorf("mirror %d does not exist", mirror)
	}
	buf := make([]byte, n)
	if err := s.dev.Read(s.amap.Mirrors(addr)[mirror-1], buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Scrub rewrites a redundant range whose mirrors disagree with the voted
// content. It reports whether a rewrite happened.
func (s *Store) Scrub(addr Address, n int) (bool, error) {
	if !s.amap.Primary().Contains(addr, n) {
		return false, nil
	}
	voted, err := s.Read(addr, n)
	if err != nil {
		return false, err
	}
	for m := 1; m <= 3; m++ {
		raw, err := s.ReadMirror(addr, m, n)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(raw, voted) {
			glog.Infof("scrubbing %d bytes at 0x%05X (mirror %d stale)", n, uint32(addr), m)
			return true, s.Write(addr, voted)
		}
	}
	return false, nil
}

// WriteItem writes an item; data longer than the item is rejected.
func (s *Store) WriteItem(it Item, data []byte) error {
	r := s.amap.Region(it)
	if len(data) > r.Len {
		return fmt.Errorf("%s holds %d bytes, got %d: %w", it, r.Len, len(data), ErrZoneViolation)
	}
	if err := s.Write(r.Addr, data); err != nil {
		return fmt.Errorf("write %s: %w", it, err)
	}
	return nil
}

// ReadItem reads a whole item.
func (s *Store) ReadItem(it Item) ([]byte, error) {
	r := s.amap.Region(it)
	data, err := s.Read(r.Addr, r.Len)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", it, err)
	}
	return data, nil
}

func (s *Store) checkAccess(addr Address, n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid length %d", n)
	}
	z, err := s.amap.ZoneOf(addr, n)
	if err != nil {
		return err
	}
	if z.Name == s.amap.Redundant.Name && !s.amap.Primary().Contains(addr, n) {
		return fmt.Errorf("0x%05X is outside the primary mirror: %w", uint32(addr), ErrZoneViolation)
	}
	return nil
}
