package flash

import (
	"fmt"
	"sync"
)

const (
	// PageSize is the erase granularity in bytes.
	PageSize = 256

	// ErasedByte is the value every byte of a freshly erased page reads as.
	ErasedByte = 0x00
)

// Address is a byte offset into the flat flash address space.
type Address uint32

// Page returns the base address of the page containing a.
func (a Address) Page() Address {
	return a - a%PageSize
}

// PageSpan returns the first page and the number of pages touched by the
// byte range [addr, addr+length).
func PageSpan(addr Address, length int) (Address, int) {
	if length <= 0 {
		return addr.Page(), 0
	}
	first := addr.Page()
	last := (addr + Address(length) - 1).Page()
	return first, int((last-first)/PageSize) + 1
}

// Device is the raw page erase/program primitive.
//
// ErasePages must report failures as *EraseError and Program as
// *ProgramError so callers can recover the status code.
type Device interface {
	// Size returns the device capacity in bytes.
	Size() int
	// ErasePages erases count pages starting at the page-aligned address first.
	ErasePages(first Address, count int) error
	// Program writes data starting at addr. The target must have been erased.
	Program(addr Address, data []byte) error
	// Read fills buf starting at addr.
	Read(addr Address, buf []byte) error
}

// MemoryDevice is a RAM-backed Device. The failure hooks allow tests to
// simulate primitive faults; a hook returning a non-zero status fails the
// operation with that status.
type MemoryDevice struct {
	FailErase   func(page Address) uint32
	FailProgram func(addr Address) uint32

	mu     sync.Mutex
	data   []byte
	erases int
}

// NewMemoryDevice creates an erased device of the given size, rounded up to
// a whole number of pages.
func NewMemoryDevice(size int) *MemoryDevice {
	if rem := size % PageSize; rem != 0 {
		size += PageSize - rem
	}
	d := &MemoryDevice{data: make([]byte, size)}
	for i := range d.data {
		d.data[i] = ErasedByte
	}
	return d
}

// Size implements Device.
func (d *MemoryDevice) Size() int {
	return len(d.data)
}

// ErasePages implements Device.
func (d *MemoryDevice) ErasePages(first Address, count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if first%PageSize != 0 {
		return &EraseError{Page: first, Code: StatusOptionValidity}
	}
	for i := 0; i < count; i++ {
		page := first + Address(i*PageSize)
		if int(page)+PageSize > len(d.data) {
			return &EraseError{Page: page, Code: StatusOptionValidity}
		}
		if d.FailErase != nil {
			if code := d.FailErase(page); code != StatusNone {
				return &EraseError{Page: page, Code: code}
			}
		}
		for j := 0; j < PageSize; j++ {
			d.data[int(page)+j] = ErasedByte
		}
		d.erases++
	}
	return nil
}

// Program implements Device.
func (d *MemoryDevice) Program(addr Address, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(addr)+len(data) > len(d.data) {
		return &ProgramError{Addr: addr, Code: StatusProgramming}
	}
	for i, b := range data {
		a := addr + Address(i)
		if d.FailProgram != nil {
			if code := d.FailProgram(a); code != StatusNone {
				return &ProgramError{Addr: a, Code: code}
			}
		}
		d.data[a] = b
	}
	return nil
}

// Read implements Device.
func (d *MemoryDevice) Read(addr Address, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(addr)+len(buf) > len(d.data) {
		return fmt.Errorf("read %d bytes at 0x%05X: %w", len(buf), uint32(addr), ErrOutOfRange)
	}
	copy(buf, d.data[addr:])
	return nil
}

// EraseCount returns the number of pages erased so far.
func (d *MemoryDevice) EraseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.erases
}
