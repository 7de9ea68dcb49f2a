// Package firmware holds application images destined for a bootloader.
package firmware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/secureloader/secureloader/internal/log"
	"github.com/secureloader/secureloader/pkg/protocol"
)

// ErasedByte is the value of unprogrammed flash. Image bytes that were never set read as
// ErasedByte.
const ErasedByte = 0xFF

// MaxImageSize caps the size of images loaded from files.
const MaxImageSize = 16 << 20

var ErrImageTooLarge = errors.New("firmware image too large")

// Image is a flash image starting at address zero.
type Image struct {
	data []byte
}

// New returns an empty image.
func New() *Image {
	return &Image{}
}

// Set copies data into the image at addr, growing the image as needed.
func (img *Image) Set(addr uint32, data []byte) {
	end := int(addr) + len(data)
	if end > len(img.data) {
		grown := bytes.Repeat([]byte{ErasedByte}, end)
		copy(grown, img.data)
		img.data = grown
	}
	copy(img.data[addr:], data)
}

// LoadBinary reads a raw binary image and places it at base.
func LoadBinary(r io.Reader, base uint32) (*Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxImageSize || uint64(base)+uint64(len(data)) > MaxImageSize {
		return nil, ErrImageTooLarge
	}
	img := New()
	img.Set(base, data)
	return img, nil
}

// LoadBinaryFile reads a raw binary image from filename.
func LoadBinaryFile(filename string, base uint32) (*Image, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return LoadBinary(file, base)
}

// Size is one past the highest address the image covers.
func (img *Image) Size() uint32 {
	return uint32(len(img.data))
}

// Bytes returns the image contents. The caller must not modify them.
func (img *Image) Bytes() []byte {
	return img.data
}

// Page returns size bytes starting at addr, padded with ErasedByte past the end of the image.
func (img *Image) Page(addr, size uint32) []byte {
	page := bytes.Repeat([]byte{ErasedByte}, int(size))
	if addr < img.Size() {
		copy(page, img.data[addr:])
	}
	return page
}

// PageHasData returns true if any byte of the page differs from ErasedByte.
func (img *Image) PageHasData(addr, size uint32) bool {
	if addr >= img.Size() {
		return false
	}
	end := addr + size
	if end > img.Size() {
		end = img.Size()
	}
	for _, b := range img.data[addr:end] {
		if b != ErasedByte {
			return true
		}
	}
	return false
}

// Pages returns the byte addresses of the pages to program on a device with geometry g: every
// page below the bootloader region holding data, plus page zero, which is always written so that
// the old application's reset vector is erased. Data inside the bootloader region is skipped.
func (img *Image) Pages(g *protocol.Geometry) []uint32 {
	var pages []uint32
	for addr := uint32(0); addr < img.Size() || addr == 0; addr += g.PageSize {
		if addr > 0 && !img.PageHasData(addr, g.PageSize) {
			continue
		}
		if addr >= g.BootloaderStart() {
			log.Warning("Skipping page 0x%05x in the bootloader region", addr)
			continue
		}
		pages = append(pages, addr)
	}
	return pages
}

// Usage returns the fraction of the application region the image occupies.
func (img *Image) Usage(g *protocol.Geometry) float64 {
	return float64(img.Size()) / float64(g.BootloaderStart())
}

func (img *Image) String() string {
	return fmt.Sprintf("%d byte image", img.Size())
}
