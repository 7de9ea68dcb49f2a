package firmware

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/secureloader/secureloader/internal/authentication"
	"github.com/secureloader/secureloader/pkg/protocol"
)

// A sealed image is an encrypted, authenticated firmware image:
//
//	magic[8] ‖ version[16] ‖ iv[16] ‖ length u32 ‖ ciphertext[length] ‖ mac[16]
//
// The ciphertext is the image encrypted in CTR mode under the suite's encryption key. The MAC
// is the CBC-MAC under the suite's MAC key of everything before it, zero padded to a whole
// number of blocks.
const (
	sealedMagic      = "SLIMAGE1"
	VersionSize      = authentication.BlockSize
	sealedHeaderSize = len(sealedMagic) + VersionSize + authentication.BlockSize + 4
	sealedTagSize    = authentication.BlockSize
)

var (
	ErrNotSealed     = errors.New("not a sealed firmware image")
	ErrSealCorrupted = errors.New("sealed firmware image failed authentication")
)

// Version orders sealed images. It is compared as a big-endian integer.
type Version [VersionSize]byte

// VersionFromUint64 returns the version whose integer value is v.
func VersionFromUint64(v uint64) Version {
	var version Version
	binary.BigEndian.PutUint64(version[VersionSize-8:], v)
	return version
}

// ParseVersion accepts a decimal integer or 32 hex digits.
func ParseVersion(s string) (Version, error) {
	var version Version
	if len(s) == 2*VersionSize {
		if _, err := hex.Decode(version[:], []byte(s)); err == nil {
			return version, nil
		}
	} else if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return VersionFromUint64(v), nil
	}
	return version, fmt.Errorf("invalid version %q", s)
}

func (v Version) String() string {
	trimmed := strings.TrimLeft(hex.EncodeToString(v[:]), "0")
	if trimmed == "" {
		return "0x0"
	}
	return "0x" + trimmed
}

// Compare returns -1, 0 or 1 as v is lower than, equal to or higher than other.
func (v Version) Compare(other Version) int {
	return authentication.CompareCounter(v[:], other[:])
}

// IsSealed returns true if data starts with the sealed image magic.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(sealedMagic))
}

func padBlocks(body []byte) []byte {
	rem := len(body) % authentication.BlockSize
	if rem == 0 {
		return body
	}
	padded := make([]byte, len(body)+authentication.BlockSize-rem)
	copy(padded, body)
	return padded
}

func sealedMAC(suite *protocol.Suite, body []byte) (*authentication.MACContext, error) {
	mac := authentication.NewMACContext(suite.Authentication())
	if err := mac.Update(padBlocks(body)); err != nil {
		return nil, err
	}
	return mac, nil
}

// Seal encrypts and authenticates img. The IV is read from rng.
func Seal(suite *protocol.Suite, img *Image, version Version, rng io.Reader) ([]byte, error) {
	payload := img.Bytes()
	if len(payload) > MaxImageSize {
		return nil, ErrImageTooLarge
	}
	var iv [authentication.BlockSize]byte
	if _, err := io.ReadFull(rng, iv[:]); err != nil {
		return nil, err
	}

	out := make([]byte, 0, sealedHeaderSize+len(payload)+sealedTagSize)
	out = append(out, sealedMagic...)
	out = append(out, version[:]...)
	out = append(out, iv[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	start := len(out)
	out = append(out, payload...)

	ctr, err := authentication.NewCTR(suite.Encryption(), iv[:])
	if err != nil {
		return nil, err
	}
	defer ctr.Clean()
	ctr.Encrypt(out[start:])

	mac, err := sealedMAC(suite, out)
	if err != nil {
		return nil, err
	}
	tag := mac.Sum()
	return append(out, tag[:]...), nil
}

// PeekVersion returns the version of a sealed image without authenticating it.
func PeekVersion(data []byte) (Version, error) {
	var version Version
	if !IsSealed(data) || len(data) < sealedHeaderSize+sealedTagSize {
		return version, ErrNotSealed
	}
	copy(version[:], data[len(sealedMagic):])
	return version, nil
}

// Open authenticates and decrypts a sealed image.
func Open(suite *protocol.Suite, data []byte) (*Image, Version, error) {
	version, err := PeekVersion(data)
	if err != nil {
		return nil, version, err
	}
	offset := len(sealedMagic) + VersionSize
	iv := data[offset : offset+authentication.BlockSize]
	offset += authentication.BlockSize
	length := binary.BigEndian.Uint32(data[offset:])
	offset += 4
	if uint64(len(data)) != uint64(offset)+uint64(length)+sealedTagSize {
		return nil, version, fmt.Errorf("%w: length field does not match file size", ErrNotSealed)
	}

	body := data[:len(data)-sealedTagSize]
	mac, err := sealedMAC(suite, body)
	if err != nil {
		return nil, version, err
	}
	if mac.Compare(data[len(body):]) {
		return nil, version, ErrSealCorrupted
	}

	payload := bytes.Clone(data[offset : offset+int(length)])
	ctr, err := authentication.NewCTR(suite.Encryption(), iv)
	if err != nil {
		return nil, version, err
	}
	defer ctr.Clean()
	ctr.Decrypt(payload)

	img := New()
	img.Set(0, payload)
	return img, version, nil
}

func (v Version) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(v[:])), nil
}

func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
