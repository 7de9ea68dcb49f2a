package authentication

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// BlockSize is the AES block size, which is also the length of every MAC tag and IV.
	BlockSize = aes.BlockSize
	// KeySize is the length of a bootloader key (AES-256).
	KeySize = 32
)

const (
	labelEncryption     = "secureloader enc"
	labelAuthentication = "secureloader mac"
)

var (
	// ErrNotBlockAligned is returned by cipher-mode operations whose input is not a whole number of
	// blocks. The input buffer is left unmodified.
	ErrNotBlockAligned = newError(errCodeNotBlockAligned, "length is not a multiple of the block size")
	// ErrInvalidKey indicates key material of the wrong length or encoding.
	ErrInvalidKey = errors.New("invalid bootloader key")
)

// Key is the 256-bit secret shared between the host and the bootloader.
type Key [KeySize]byte

// DefaultKey is the key programmed into freshly built bootloaders.
var DefaultKey = Key{
	0x60, 0x3d, 0xeb, 0x10, 0x15, 0xca, 0x71, 0xbe,
	0x2b, 0x73, 0xae, 0xf0, 0x85, 0x7d, 0x77, 0x81,
	0x1f, 0x35, 0x2c, 0x07, 0x3b, 0x61, 0x08, 0xd7,
	0x2d, 0x98, 0x10, 0xa3, 0x09, 0x14, 0xdf, 0xf4,
}

// KeyFromBytes copies b into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// ParseKeyHex decodes a hex-encoded key.
func ParseKeyHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %s", ErrInvalidKey, err)
	}
	return KeyFromBytes(b)
}

// NewRandomKey reads a fresh key from rng.
func NewRandomKey(rng io.Reader) (Key, error) {
	var k Key
	if _, err := io.ReadFull(rng, k[:]); err != nil {
		return k, err
	}
	return k, nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// NewBlock expands key into an AES-256 key schedule.
func NewBlock(key Key) (cipher.Block, error) {
	return aes.NewCipher(key[:])
}

// KeyMode selects how the confidentiality and integrity keys are obtained from a bootloader Key.
type KeyMode int

const (
	// KeyModeSeparated derives independent encryption and MAC keys using HKDF-SHA256.
	KeyModeSeparated KeyMode = iota
	// KeyModeShared uses the bootloader key directly for both CBC encryption and CBC-MAC. Only
	// bootloaders built before key separation was introduced require it.
	KeyModeShared
)

func (m KeyMode) String() string {
	switch m {
	case KeyModeSeparated:
		return "separated"
	case KeyModeShared:
		return "shared"
	}
	return fmt.Sprintf("KeyMode(%d)", int(m))
}

// Suite holds the expanded key schedules used to process one command.
type Suite struct {
	enc cipher.Block
	mac cipher.Block
}

func subkey(key Key, label string) (Key, error) {
	var out Key
	kdf := hkdf.New(sha256.New, key[:], nil, []byte(label))
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// NewSuite expands key according to mode.
func NewSuite(key Key, mode KeyMode) (*Suite, error) {
	var s Suite
	var err error
	switch mode {
	case KeyModeShared:
		if s.enc, err = NewBlock(key); err != nil {
			return nil, err
		}
		s.mac = s.enc
	case KeyModeSeparated:
		encKey, err := subkey(key, labelEncryption)
		if err != nil {
			return nil, err
		}
		macKey, err := subkey(key, labelAuthentication)
		if err != nil {
			return nil, err
		}
		if s.enc, err = NewBlock(encKey); err != nil {
			return nil, err
		}
		if s.mac, err = NewBlock(macKey); err != nil {
			return nil, err
		}
	default:
		return nil, newError(errCodeBadParameter, "unsupported key mode")
	}
	return &s, nil
}

// Encryption returns the block cipher used for CBC and CTR encryption.
func (s *Suite) Encryption() cipher.Block {
	return s.enc
}

// Authentication returns the block cipher used for CBC-MAC.
func (s *Suite) Authentication() cipher.Block {
	return s.mac
}

// Wipe drops the key schedules. The Suite must not be used afterwards.
func (s *Suite) Wipe() {
	s.enc = nil
	s.mac = nil
}
