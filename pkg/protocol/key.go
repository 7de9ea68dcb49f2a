package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/secureloader/secureloader/internal/authentication"
)

// Expose some types from the otherwise internal package

type Key = authentication.Key

type KeyMode = authentication.KeyMode

type Suite = authentication.Suite

const (
	KeyModeSeparated = authentication.KeyModeSeparated
	KeyModeShared    = authentication.KeyModeShared
)

// DefaultKey is the key installed in a freshly built bootloader.
var DefaultKey = authentication.DefaultKey

var ErrInvalidKey = authentication.ErrInvalidKey

// NewSuite derives the ciphers used to authenticate commands under key.
func NewSuite(key Key, mode KeyMode) (*Suite, error) {
	return authentication.NewSuite(key, mode)
}

// ParseKeyHex decodes a hex-encoded key.
func ParseKeyHex(s string) (Key, error) {
	return authentication.ParseKeyHex(s)
}

// NewRandomKey draws a key from rng.
func NewRandomKey(rng io.Reader) (Key, error) {
	return authentication.NewRandomKey(rng)
}

// LoadKey loads a bootloader key from a file.
//
// The file may contain either the 32 raw key bytes or 64 hex characters, optionally followed by a
// line ending.
func LoadKey(filename string) (Key, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Key{}, err
	}
	if len(data) == authentication.KeySize {
		return authentication.KeyFromBytes(data)
	}
	trimmed := bytes.TrimRight(data, "\r\n")
	if len(trimmed) == 2*authentication.KeySize {
		var decoded [authentication.KeySize]byte
		if _, err := hex.Decode(decoded[:], trimmed); err == nil {
			return Key(decoded), nil
		}
	}
	return Key{}, fmt.Errorf("%w: %s holds neither a raw nor a hex-encoded key", ErrInvalidKey, filename)
}

// SaveKey writes key to filename as hex.
func SaveKey(key Key, filename string) error {
	return os.WriteFile(filename, []byte(key.String()+"\n"), 0600)
}
