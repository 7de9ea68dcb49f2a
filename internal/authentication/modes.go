package authentication

import (
	"crypto/cipher"
	"crypto/subtle"
)

// The CBC helpers below operate in place on buffers laid out as [IV][data]. Only the fixed
// all-zero IV is supported: the IV slot is cleared before use, so callers never need to
// initialize it. The wire protocol depends on this, which also means that two messages
// encrypted under the same key with a common prefix produce a common ciphertext prefix.

func xorBlock(dst, src []byte) {
	subtle.XORBytes(dst[:BlockSize], dst[:BlockSize], src[:BlockSize])
}

func checkIVBuffer(buf []byte) error {
	if len(buf) < BlockSize || (len(buf)-BlockSize)%BlockSize != 0 {
		return ErrNotBlockAligned
	}
	return nil
}

// CBCEncrypt encrypts buf[BlockSize:] in place using the zero IV stored in buf[:BlockSize].
func CBCEncrypt(b cipher.Block, buf []byte) error {
	if err := checkIVBuffer(buf); err != nil {
		return err
	}
	clear(buf[:BlockSize])
	for i := BlockSize; i < len(buf); i += BlockSize {
		block := buf[i : i+BlockSize]
		xorBlock(block, buf[i-BlockSize:i])
		b.Encrypt(block, block)
	}
	return nil
}

// CBCDecrypt reverses CBCEncrypt. Blocks are processed from last to first so that each
// ciphertext block is still available when the following block is chained against it.
func CBCDecrypt(b cipher.Block, buf []byte) error {
	if err := checkIVBuffer(buf); err != nil {
		return err
	}
	clear(buf[:BlockSize])
	for i := len(buf) - BlockSize; i >= BlockSize; i -= BlockSize {
		block := buf[i : i+BlockSize]
		b.Decrypt(block, block)
		xorBlock(block, buf[i-BlockSize:i])
	}
	return nil
}

// MACCalculate computes the CBC-MAC of buf[:n] and writes it to buf[n:n+BlockSize].
func MACCalculate(b cipher.Block, buf []byte, n int) error {
	if n < 0 || n%BlockSize != 0 || len(buf) < n+BlockSize {
		return ErrNotBlockAligned
	}
	tag := buf[n : n+BlockSize]
	clear(tag)
	for i := 0; i < n; i += BlockSize {
		xorBlock(tag, buf[i:i+BlockSize])
		b.Encrypt(tag, tag)
	}
	return nil
}

// reverseWalk runs the CBC-MAC computation backwards from a claimed tag. Each step undoes one
// forward step (encrypt, then XOR with the block that fed it), so an authentic tag collapses to
// the zero IV.
func reverseWalk(b cipher.Block, tag, data []byte) {
	for i := len(data) - BlockSize; i >= 0; i -= BlockSize {
		b.Decrypt(tag, tag)
		xorBlock(tag, data[i:i+BlockSize])
	}
}

// isZeroBlock reports whether tag is all zeroes, inspecting every byte regardless of where the
// first nonzero byte occurs.
func isZeroBlock(tag []byte) bool {
	var acc byte
	for _, v := range tag[:BlockSize] {
		acc |= v
	}
	return subtle.ConstantTimeByteEq(acc, 0) == 1
}

// MACReverseCompare verifies the tag stored in buf[n:n+BlockSize] against buf[:n] without a
// second tag buffer. The tag slot is overwritten. It returns true if the tag is NOT authentic.
// Unaligned lengths and short buffers are reported as mismatches.
func MACReverseCompare(b cipher.Block, buf []byte, n int) (mismatch bool) {
	if n < 0 || n%BlockSize != 0 || len(buf) < n+BlockSize {
		return true
	}
	tag := buf[n : n+BlockSize]
	reverseWalk(b, tag, buf[:n])
	return !isZeroBlock(tag)
}
