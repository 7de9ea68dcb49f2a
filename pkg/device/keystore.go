package device

import (
	"sync"

	"github.com/secureloader/secureloader/internal/authentication"
	"github.com/secureloader/secureloader/pkg/protocol"
)

// KeyStore holds the single active bootloader key.
type KeyStore interface {
	LoadKey() (protocol.Key, error)
	StoreKey(protocol.Key) error
}

// Layout of the secure bootloader section, which occupies the last flash page:
//
//	[padding][hardware button][padding][key]
const (
	sbsKeyLength           = authentication.KeySize
	sbsHardwareButtonShift = sbsKeyLength + 2
)

// FlashKeyStore keeps the key in the trailing bytes of the last flash page. The rest of the
// page is preserved when the key changes.
type FlashKeyStore struct {
	flash      Flash
	geometry   *protocol.Geometry
	defaultKey protocol.Key
}

// NewFlashKeyStore returns a key store backed by flash. A section that has never been written
// yields defaultKey.
func NewFlashKeyStore(flash Flash, g *protocol.Geometry, defaultKey protocol.Key) *FlashKeyStore {
	return &FlashKeyStore{flash: flash, geometry: g, defaultKey: defaultKey}
}

func (s *FlashKeyStore) readSection() ([]byte, error) {
	return s.flash.ReadPage(s.geometry.KeyPageAddress())
}

func isErased(b []byte) bool {
	for _, v := range b {
		if v != ErasedByte {
			return false
		}
	}
	return true
}

func (s *FlashKeyStore) LoadKey() (protocol.Key, error) {
	section, err := s.readSection()
	if err != nil {
		return protocol.Key{}, err
	}
	raw := section[len(section)-sbsKeyLength:]
	if isErased(raw) {
		return s.defaultKey, nil
	}
	return authentication.KeyFromBytes(raw)
}

func (s *FlashKeyStore) StoreKey(key protocol.Key) error {
	section, err := s.readSection()
	if err != nil {
		return err
	}
	copy(section[len(section)-sbsKeyLength:], key[:])
	if err := s.flash.ProgramPage(s.geometry.KeyPageAddress(), section); err != nil {
		return err
	}
	if enabler, ok := s.flash.(ReadAccessEnabler); ok {
		return enabler.EnableReadAccess()
	}
	return nil
}

// HardwareButton returns the hardware button configuration byte of the section.
func (s *FlashKeyStore) HardwareButton() (byte, error) {
	section, err := s.readSection()
	if err != nil {
		return 0, err
	}
	return section[len(section)-sbsHardwareButtonShift], nil
}

// MemoryKeyStore keeps the key in RAM.
type MemoryKeyStore struct {
	mu  sync.Mutex
	key protocol.Key
}

func NewMemoryKeyStore(key protocol.Key) *MemoryKeyStore {
	return &MemoryKeyStore{key: key}
}

func (s *MemoryKeyStore) LoadKey() (protocol.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, nil
}

func (s *MemoryKeyStore) StoreKey(key protocol.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	return nil
}
