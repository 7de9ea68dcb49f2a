package device

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/secureloader/secureloader/internal/authentication"
	"github.com/secureloader/secureloader/pkg/protocol"
)

// Flash is the device's program memory. ProgramPage erases, fills and commits one page; it is
// all-or-nothing. Callers check addresses before invoking either method.
type Flash interface {
	ProgramPage(addr uint32, page []byte) error
	ReadPage(addr uint32) ([]byte, error)
}

// ReadAccessEnabler is implemented by flash memories that disable reads of the application
// section while a page is being programmed.
type ReadAccessEnabler interface {
	EnableReadAccess() error
}

// ErasedByte is the value of unprogrammed flash.
const ErasedByte = 0xFF

var errReadLocked = authentication.NewError(authentication.CodeFlashFailure, "application section is not readable")

// MemoryFlash simulates program memory in RAM.
//
// Like the AVR read-while-write section, the application region becomes unreadable after
// ProgramPage until EnableReadAccess is called. The bootloader region stays readable.
type MemoryFlash struct {
	mu       sync.Mutex
	geometry protocol.Geometry
	data     []byte
	locked   bool
}

// NewMemoryFlash returns a fully erased flash matching g.
func NewMemoryFlash(g *protocol.Geometry) *MemoryFlash {
	data := bytes.Repeat([]byte{ErasedByte}, int(g.FlashSize))
	return &MemoryFlash{geometry: *g, data: data}
}

func (f *MemoryFlash) checkPage(addr uint32, n int) error {
	if n != int(f.geometry.PageSize) {
		return authentication.NewError(authentication.CodeBadParameter,
			fmt.Sprintf("page of %d bytes", n))
	}
	if addr%f.geometry.PageSize != 0 || addr >= f.geometry.FlashSize {
		return authentication.NewError(authentication.CodeAddressViolation,
			fmt.Sprintf("no flash page at 0x%x", addr))
	}
	return nil
}

func (f *MemoryFlash) ProgramPage(addr uint32, page []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkPage(addr, len(page)); err != nil {
		return err
	}
	copy(f.data[addr:], page)
	f.locked = true
	return nil
}

func (f *MemoryFlash) ReadPage(addr uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkPage(addr, int(f.geometry.PageSize)); err != nil {
		return nil, err
	}
	if f.locked && addr < f.geometry.BootloaderStart() {
		return nil, errReadLocked
	}
	return bytes.Clone(f.data[addr : addr+f.geometry.PageSize]), nil
}

func (f *MemoryFlash) EnableReadAccess() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = false
	return nil
}

// Snapshot returns a copy of the entire flash contents.
func (f *MemoryFlash) Snapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.data)
}

// Restore replaces the flash contents with data, which must cover the entire flash.
func (f *MemoryFlash) Restore(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(data) != len(f.data) {
		return fmt.Errorf("flash image is %d bytes, device has %d", len(data), len(f.data))
	}
	copy(f.data, data)
	f.locked = false
	return nil
}
