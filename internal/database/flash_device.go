package database

import (
	"fmt"
	"sync"

	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/golang/glog"
)

// FlashDevice is a flash.Device whose pages live in the SQLite image, so the
// flash contents survive a process restart the way on-chip flash survives a
// reset.
type FlashDevice struct {
	repo *FlashPageRepository
	size int
	mu   sync.Mutex
}

// NewFlashDevice creates a device of size bytes (rounded up to whole pages)
// over the database.
func NewFlashDevice(db *DB, size int) *FlashDevice {
	if rem := size % flash.PageSize; rem != 0 {
		size += flash.PageSize - rem
	}
	return &FlashDevice{repo: NewFlashPageRepository(db.GetDB()), size: size}
}

// Size implements flash.Device.
func (d *FlashDevice) Size() int {
	return d.size
}

func pageIndex(a flash.Address) uint32 {
	return uint32(a) / flash.PageSize
}

// ErasePages implements flash.Device. Erased pages have no row.
func (d *FlashDevice) ErasePages(first flash.Address, count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if first%flash.PageSize != 0 || int(first)+count*flash.PageSize > d.size {
		return &flash.EraseError{Page: first, Code: flash.StatusOptionValidity}
	}
	if err := d.repo.DeleteRange(pageIndex(first), count); err != nil {
		return &flash.EraseError{Page: first, Code: flash.StatusProgramming, Err: err}
	}
	glog.V(3).Infof("flash image: erased %d pages at 0x%05X", count, uint32(first))
	return nil
}

// Program implements flash.Device. All touched pages are committed in one
// transaction.
func (d *FlashDevice) Program(addr flash.Address, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(addr)+len(data) > d.size {
		return &flash.ProgramError{Addr: addr, Code: flash.StatusProgramming}
	}
	if len(data) == 0 {
		return nil
	}

	first, count := flash.PageSpan(addr, len(data))
	pages, err := d.loadPages(first, count)
	if err != nil {
		return &flash.ProgramError{Addr: addr, Code: flash.StatusProgramming, Err: err}
	}
	off := int(addr - first)
	for i, b := range data {
		p := (off + i) / flash.PageSize
		pages[p].Data[(off+i)%flash.PageSize] = b
	}
	if err := d.repo.SaveAll(pages); err != nil {
		return &flash.ProgramError{Addr: addr, Code: flash.StatusProgramming, Err: err}
	}
	return nil
}

// Read implements flash.Device.
func (d *FlashDevice) Read(addr flash.Address, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(addr)+len(buf) > d.size {
		return fmt.Errorf("read %d bytes at 0x%05X: %w", len(buf), uint32(addr), flash.ErrOutOfRange)
	}
	if len(buf) == 0 {
		return nil
	}

	first, count := flash.PageSpan(addr, len(buf))
	pages, err := d.loadPages(first, count)
	if err != nil {
		return err
	}
	off := int(addr - first)
	for i := range buf {
		buf[i] = pages[(off+i)/flash.PageSize].Data[(off+i)%flash.PageSize]
	}
	return nil
}

// loadPages returns count full pages starting at first, filling erased ones.
func (d *FlashDevice) loadPages(first flash.Address, count int) ([]FlashPage, error) {
	stored, err := d.repo.GetRange(pageIndex(first), count)
	if err != nil {
		return nil, err
	}
	pages := make([]FlashPage, count)
	for i := range pages {
		pages[i].Index = pageIndex(first) + uint32(i)
		pages[i].Data = erasedPage()
	}
	for _, p := range stored {
		i := int(p.Index - pageIndex(first))
		copy(pages[i].Data, p.Data)
	}
	return pages, nil
}

func erasedPage() []byte {
	b := make([]byte, flash.PageSize)
	for i := range b {
		b[i] = flash.ErasedByte
	}
	return b
}

// ProgrammedPages returns the number of pages holding data.
func (d *FlashDevice) ProgrammedPages() (int64, error) {
	return d.repo.Count()
}

// Wipe erases the whole image.
func (d *FlashDevice) Wipe() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.repo.DeleteAll()
}
