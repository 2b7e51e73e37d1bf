package flash

import (
	"errors"
	"fmt"
)

// Status codes reported by the program/erase primitives.
const (
	StatusNone            uint32 = 0x00 // No error
	StatusProgramming     uint32 = 0x01 // Programming error
	StatusWriteProtection uint32 = 0x02 // Write protection error
	StatusOptionValidity  uint32 = 0x04 // Option validity error
)

var (
	// ErrOutOfRange indicates an access outside every zone of the address map.
	ErrOutOfRange = errors.New("flash: address out of range")
	// ErrZoneViolation indicates an access that straddles a zone boundary or
	// targets a secondary mirror directly.
	ErrZoneViolation = errors.New("flash: access crosses zone boundary")
)

// ProgramError indicates the program primitive reported a failure.
type ProgramError struct {
	Addr Address
	Code uint32
	Err  error // backend failure, if any
}

func (e *ProgramError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flash: program failed at 0x%05X (status 0x%02X): %v", uint32(e.Addr), e.Code, e.Err)
	}
	return fmt.Sprintf("flash: program failed at 0x%05X (status 0x%02X)", uint32(e.Addr), e.Code)
}

func (e *ProgramError) Unwrap() error { return e.Err }

// EraseError indicates the page erase primitive reported a failure.
type EraseError struct {
	Page Address
	Code uint32
	Err  error
}

func (e *EraseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flash: erase failed at page 0x%05X (status 0x%02X): %v", uint32(e.Page), e.Code, e.Err)
	}
	return fmt.Sprintf("flash: erase failed at page 0x%05X (status 0x%02X)", uint32(e.Page), e.Code)
}

func (e *EraseError) Unwrap() error { return e.Err }

// UnrecoverableError indicates that the three mirrors of a redundant range
// disagree so that at least one byte has no 2-of-3 majority.
type UnrecoverableError struct {
	Addr Address
	Len  int
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("flash: no mirror majority for %d bytes at 0x%05X", e.Len, uint32(e.Addr))
}
