package authentication

import (
	"crypto/cipher"

	"github.com/cronokirby/saferith"
)

// IncrementCounter adds one to ctr, interpreted as a big-endian integer. The carry stops at the
// most significant byte, so a counter of all 0xFF bytes wraps to zero.
func IncrementCounter(ctr []byte) {
	if len(ctr) == 0 {
		return
	}
	var n, one saferith.Nat
	n.SetBytes(ctr)
	one.SetUint64(1)
	n.Add(&n, &one, 8*len(ctr))
	n.FillBytes(ctr)
}

// CompareCounter compares two counters of equal length, most significant byte first. It returns
// -1 if a < b, 0 if a == b and 1 if a > b. The running time depends only on the counter length.
func CompareCounter(a, b []byte) int {
	if len(a) != len(b) {
		panic("authentication: counters differ in length")
	}
	var x, y saferith.Nat
	x.SetBytes(a)
	y.SetBytes(b)
	gt, _, lt := x.Cmp(&y)
	switch {
	case gt == 1:
		return 1
	case lt == 1:
		return -1
	}
	return 0
}

// CTRContext encrypts or decrypts a byte stream in counter mode. Data may be supplied in chunks
// of any size; the keystream position carries over between calls.
type CTRContext struct {
	block     cipher.Block
	counter   [BlockSize]byte
	stream    [BlockSize]byte
	available int
}

// NewCTR returns a CTRContext whose counter starts at iv. iv may be shorter than a block, in which
// case the remaining counter bytes are zero.
func NewCTR(b cipher.Block, iv []byte) (*CTRContext, error) {
	c := &CTRContext{block: b}
	if err := c.SetIV(iv); err != nil {
		return nil, err
	}
	return c, nil
}

// SetIV restarts the stream at iv without changing the key.
func (c *CTRContext) SetIV(iv []byte) error {
	if len(iv) > BlockSize {
		return newError(errCodeBadParameter, "counter IV longer than one block")
	}
	clear(c.counter[:])
	copy(c.counter[:], iv)
	c.available = 0
	return nil
}

// Counter returns a copy of the counter block that will produce the next keystream block.
func (c *CTRContext) Counter() [BlockSize]byte {
	return c.counter
}

// XORKeyStream XORs data in place with the keystream.
func (c *CTRContext) XORKeyStream(data []byte) {
	for i := 0; i < len(data); {
		if c.available == 0 {
			c.block.Encrypt(c.stream[:], c.counter[:])
			c.available = BlockSize
		}
		n := len(data) - i
		if n > c.available {
			n = c.available
		}
		offset := BlockSize - c.available
		for j := 0; j < n; j++ {
			data[i+j] ^= c.stream[offset+j]
		}
		i += n
		c.available -= n
		if c.available == 0 {
			IncrementCounter(c.counter[:])
		}
	}
}

// Encrypt encrypts data in place.
func (c *CTRContext) Encrypt(data []byte) {
	c.XORKeyStream(data)
}

// Decrypt decrypts data in place.
func (c *CTRContext) Decrypt(data []byte) {
	c.XORKeyStream(data)
}

// Clean zeroes the counter and cached keystream and releases the key schedule.
func (c *CTRContext) Clean() {
	clear(c.counter[:])
	clear(c.stream[:])
	c.available = 0
	c.block = nil
}
