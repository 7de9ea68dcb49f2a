package authentication

import (
	"crypto/cipher"
	"crypto/subtle"
)

// MACContext accumulates a CBC-MAC block by block. The zero value is not usable; create one with
// NewMACContext.
type MACContext struct {
	block cipher.Block
	tag   [BlockSize]byte
}

// NewMACContext returns a MACContext whose running tag is the zero IV.
func NewMACContext(b cipher.Block) *MACContext {
	return &MACContext{block: b}
}

// Reset restores the running tag to the zero IV.
func (m *MACContext) Reset() {
	clear(m.tag[:])
}

// Update feeds data into the running tag. data must be a whole number of blocks; otherwise
// ErrNotBlockAligned is returned and the running tag is unchanged.
func (m *MACContext) Update(data []byte) error {
	if len(data)%BlockSize != 0 {
		return ErrNotBlockAligned
	}
	for i := 0; i < len(data); i += BlockSize {
		xorBlock(m.tag[:], data[i:i+BlockSize])
		m.block.Encrypt(m.tag[:], m.tag[:])
	}
	return nil
}

// Sum returns the current running tag.
func (m *MACContext) Sum() [BlockSize]byte {
	return m.tag
}

// Compare returns true if tag differs from the running tag. The comparison time does not depend on
// the position of the first differing byte.
func (m *MACContext) Compare(tag []byte) (mismatch bool) {
	if len(tag) != BlockSize {
		return true
	}
	return subtle.ConstantTimeCompare(m.tag[:], tag) != 1
}

// ReverseCompare loads tag into the running tag and walks the MAC backwards over data. It returns
// true if tag is not the CBC-MAC of data. The running tag is left in an unspecified state.
func (m *MACContext) ReverseCompare(tag, data []byte) (mismatch bool) {
	if len(tag) != BlockSize || len(data)%BlockSize != 0 {
		return true
	}
	copy(m.tag[:], tag)
	reverseWalk(m.block, m.tag[:], data)
	return !isZeroBlock(m.tag[:])
}
