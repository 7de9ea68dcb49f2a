package protocol

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/secureloader/secureloader/internal/authentication"
)

// StartApplication is the SetAddress value that makes the bootloader exit and start the user
// application.
const StartApplication uint16 = 0xFFFF

// Fixed command sizes. ProgramPage depends on the page size and is given by
// Geometry.ProgramPageSize.
const (
	SetAddressSize   = 2
	AuthenticateSize = 2 * authentication.BlockSize
	ChangeKeySize    = authentication.KeySize + authentication.BlockSize
	ChallengeSize    = authentication.BlockSize
	addressSize      = 2
)

var ErrInvalidGeometry = errors.New("invalid device geometry")

// Geometry describes the flash layout of a device. The bootloader occupies the last
// BootloaderSize bytes of flash; its final page holds the bootloader key.
type Geometry struct {
	Name           string `yaml:"name" json:"name"`
	PageSize       uint32 `yaml:"page_size" json:"page_size"`
	FlashSize      uint32 `yaml:"flash_size" json:"flash_size"`
	BootloaderSize uint32 `yaml:"bootloader_size" json:"bootloader_size"`
	// AddressShift converts wire addresses to byte addresses. Devices with more than 64K of
	// flash send page indices instead of byte addresses.
	AddressShift uint `yaml:"address_shift" json:"address_shift"`
}

// Profiles lists the built-in device geometries.
var Profiles = map[string]Geometry{
	"atmega32u4": {
		Name:           "atmega32u4",
		PageSize:       128,
		FlashSize:      32 * 1024,
		BootloaderSize: 4 * 1024,
	},
	"at90usb1287": {
		Name:           "at90usb1287",
		PageSize:       256,
		FlashSize:      128 * 1024,
		BootloaderSize: 8 * 1024,
		AddressShift:   8,
	},
}

// DefaultProfile names the profile used when none is configured.
const DefaultProfile = "atmega32u4"

// ProfileNames returns the names of the built-in profiles in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(Profiles))
	for name := range Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupProfile returns a copy of the named built-in profile.
func LookupProfile(name string) (*Geometry, error) {
	g, ok := Profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown profile %q", ErrInvalidGeometry, name)
	}
	return &g, nil
}

// LoadGeometry reads a YAML geometry profile from filename and validates it.
func LoadGeometry(filename string) (*Geometry, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseGeometry(data)
}

// ParseGeometry decodes a YAML geometry profile and validates it.
func ParseGeometry(data []byte) (*Geometry, error) {
	var g Geometry
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidGeometry, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Marshal encodes g in the profile file format.
func (g *Geometry) Marshal() ([]byte, error) {
	return yaml.Marshal(g)
}

func isPowerOfTwo(x uint32) bool {
	return x != 0 && x&(x-1) == 0
}

// Validate checks that g describes a usable device: a power-of-two page size large enough to
// hold the key section, page-aligned regions, addresses that fit the 16-bit wire field and
// command sizes that remain pairwise distinct.
func (g *Geometry) Validate() error {
	invalid := func(format string, a ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidGeometry, fmt.Sprintf(format, a...))
	}
	if !isPowerOfTwo(g.PageSize) {
		return invalid("page size %d is not a power of two", g.PageSize)
	}
	if g.PageSize%authentication.BlockSize != 0 {
		return invalid("page size %d is not a multiple of the cipher block size", g.PageSize)
	}
	// The key section needs the hardware button byte, its padding byte and the key itself.
	if g.PageSize < authentication.KeySize+2 {
		return invalid("page size %d cannot hold the key section", g.PageSize)
	}
	if g.FlashSize == 0 || g.FlashSize%g.PageSize != 0 {
		return invalid("flash size %d is not a multiple of the page size", g.FlashSize)
	}
	if g.BootloaderSize == 0 || g.BootloaderSize%g.PageSize != 0 {
		return invalid("bootloader size %d is not a multiple of the page size", g.BootloaderSize)
	}
	if g.BootloaderSize >= g.FlashSize {
		return invalid("bootloader region covers the whole flash")
	}
	if g.AddressShift > 16 || (g.AddressShift > 0 && uint32(1)<<g.AddressShift > g.PageSize) {
		return invalid("address shift %d exceeds the page size", g.AddressShift)
	}
	if uint64(g.BootloaderStart()-g.PageSize)>>g.AddressShift > 0xFFFF {
		return invalid("flash size %d needs a larger address shift", g.FlashSize)
	}
	if g.CheckPageAddress(g.ByteAddress(StartApplication)) == nil {
		return invalid("start application address maps to a writable page")
	}
	sizes := map[int]string{
		SetAddressSize:   "SetAddress",
		AuthenticateSize: "Authenticate",
		ChangeKeySize:    "ChangeKey",
	}
	if other, ok := sizes[g.ProgramPageSize()]; ok {
		return invalid("ProgramPage size %d collides with %s", g.ProgramPageSize(), other)
	}
	return nil
}

// BootloaderStart is the first byte address of the reserved bootloader region.
func (g *Geometry) BootloaderStart() uint32 {
	return g.FlashSize - g.BootloaderSize
}

// KeyPageAddress is the byte address of the last flash page, which holds the bootloader key.
func (g *Geometry) KeyPageAddress() uint32 {
	return g.FlashSize - g.PageSize
}

// ProgramPageSize is the length of a ProgramPage command.
func (g *Geometry) ProgramPageSize() int {
	return authentication.BlockSize + int(g.PageSize) + authentication.BlockSize
}

// PageReplySize is the length of the reply to a page read request.
func (g *Geometry) PageReplySize() int {
	return addressSize + int(g.PageSize)
}

// ByteAddress converts a wire address into a byte address.
func (g *Geometry) ByteAddress(wire uint16) uint32 {
	return uint32(wire) << g.AddressShift
}

// WireAddress converts a byte address into its wire representation. It fails if the address
// cannot be represented exactly.
func (g *Geometry) WireAddress(addr uint32) (uint16, error) {
	wire := addr >> g.AddressShift
	if wire > 0xFFFF || wire<<g.AddressShift != addr {
		return 0, authentication.NewError(authentication.CodeAddressViolation,
			fmt.Sprintf("address 0x%x cannot be encoded", addr))
	}
	return uint16(wire), nil
}

// CheckPageAddress returns an error unless addr is page aligned and below the bootloader region.
func (g *Geometry) CheckPageAddress(addr uint32) error {
	if addr&(g.PageSize-1) != 0 {
		return authentication.NewError(authentication.CodeAddressViolation,
			fmt.Sprintf("address 0x%x is not page aligned", addr))
	}
	if addr >= g.BootloaderStart() {
		return authentication.NewError(authentication.CodeAddressViolation,
			fmt.Sprintf("address 0x%x is inside the bootloader region", addr))
	}
	return nil
}

// PageCount is the number of programmable pages below the bootloader region.
func (g *Geometry) PageCount() int {
	return int(g.BootloaderStart() / g.PageSize)
}

func (g *Geometry) String() string {
	return fmt.Sprintf("%s (page %d, flash %d, bootloader %d)", g.Name, g.PageSize, g.FlashSize, g.BootloaderSize)
}
