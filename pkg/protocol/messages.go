package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/secureloader/secureloader/internal/authentication"
)

const tagSize = authentication.BlockSize

var (
	// ErrMalformed indicates a buffer whose length matches no command, or whose fixed fields
	// hold values no host would send.
	ErrMalformed = authentication.NewError(authentication.CodeMalformed, "unrecognized command")
	// ErrInvalidSignature indicates a command whose MAC tag did not verify.
	ErrInvalidSignature = authentication.NewError(authentication.CodeInvalidSignature, "MAC mismatch")
)

// Message is one of *SetAddress, *ProgramPage, *ChangeKey or *Authenticate.
type Message interface {
	// Encode returns the wire representation of the message.
	Encode(g *Geometry) []byte
	isMessage()
}

// SetAddress selects the page returned by the next page read, or requests that the
// bootloader start the application when Address equals StartApplication.
type SetAddress struct {
	Address uint16
}

// ProgramPage writes one flash page. Tag is the CBC-MAC of address‖padding‖page.
type ProgramPage struct {
	Address uint16
	Page    []byte
	Tag     [tagSize]byte
}

// ChangeKey replaces the bootloader key. EncryptedKey is the new key CBC-encrypted under the
// current key; Tag is the CBC-MAC of EncryptedKey.
type ChangeKey struct {
	EncryptedKey [authentication.KeySize]byte
	Tag          [tagSize]byte
}

// Authenticate carries an encrypted host challenge. The device returns the decrypted challenge.
type Authenticate struct {
	EncryptedChallenge [ChallengeSize]byte
	Tag                [tagSize]byte
}

func (*SetAddress) isMessage()   {}
func (*ProgramPage) isMessage()  {}
func (*ChangeKey) isMessage()    {}
func (*Authenticate) isMessage() {}

// IsStartApplication reports whether m is the start-application request.
func (m *SetAddress) IsStartApplication() bool {
	return m.Address == StartApplication
}

func (m *SetAddress) Encode(g *Geometry) []byte {
	buf := make([]byte, SetAddressSize)
	binary.LittleEndian.PutUint16(buf, m.Address)
	return buf
}

func (m *ProgramPage) Encode(g *Geometry) []byte {
	buf := make([]byte, g.ProgramPageSize())
	binary.LittleEndian.PutUint16(buf, m.Address)
	copy(buf[authentication.BlockSize:], m.Page)
	copy(buf[len(buf)-tagSize:], m.Tag[:])
	return buf
}

func (m *ChangeKey) Encode(g *Geometry) []byte {
	buf := make([]byte, 0, ChangeKeySize)
	buf = append(buf, m.EncryptedKey[:]...)
	return append(buf, m.Tag[:]...)
}

func (m *Authenticate) Encode(g *Geometry) []byte {
	buf := make([]byte, 0, AuthenticateSize)
	buf = append(buf, m.EncryptedChallenge[:]...)
	return append(buf, m.Tag[:]...)
}

// Decode classifies buf by its length and decodes the matching command. The returned message
// does not alias buf.
func Decode(g *Geometry, buf []byte) (Message, error) {
	switch len(buf) {
	case SetAddressSize:
		return &SetAddress{Address: binary.LittleEndian.Uint16(buf)}, nil
	case AuthenticateSize:
		var m Authenticate
		copy(m.EncryptedChallenge[:], buf)
		copy(m.Tag[:], buf[ChallengeSize:])
		return &m, nil
	case ChangeKeySize:
		var m ChangeKey
		copy(m.EncryptedKey[:], buf)
		copy(m.Tag[:], buf[authentication.KeySize:])
		return &m, nil
	case g.ProgramPageSize():
		for _, b := range buf[addressSize:authentication.BlockSize] {
			if b != 0 {
				return nil, fmt.Errorf("%w: nonzero address padding", ErrMalformed)
			}
		}
		m := ProgramPage{
			Address: binary.LittleEndian.Uint16(buf),
			Page:    make([]byte, g.PageSize),
		}
		copy(m.Page, buf[authentication.BlockSize:])
		copy(m.Tag[:], buf[len(buf)-tagSize:])
		return &m, nil
	}
	return nil, fmt.Errorf("%w: %d byte command", ErrMalformed, len(buf))
}

// verifyTag checks that tag authenticates data, which must be block aligned.
func verifyTag(suite *Suite, data []byte, tag []byte) error {
	buf := make([]byte, len(data)+tagSize)
	copy(buf, data)
	copy(buf[len(data):], tag)
	if authentication.MACReverseCompare(suite.Authentication(), buf, len(data)) {
		return ErrInvalidSignature
	}
	return nil
}

func computeTag(suite *Suite, data []byte) ([tagSize]byte, error) {
	var tag [tagSize]byte
	buf := make([]byte, len(data)+tagSize)
	copy(buf, data)
	if err := authentication.MACCalculate(suite.Authentication(), buf, len(data)); err != nil {
		return tag, err
	}
	copy(tag[:], buf[len(data):])
	return tag, nil
}

// encrypt returns the CBC encryption of plaintext under the suite's encryption key.
func encrypt(suite *Suite, plaintext []byte) ([]byte, error) {
	buf := make([]byte, authentication.BlockSize+len(plaintext))
	copy(buf[authentication.BlockSize:], plaintext)
	if err := authentication.CBCEncrypt(suite.Encryption(), buf); err != nil {
		return nil, err
	}
	return buf[authentication.BlockSize:], nil
}

func decrypt(suite *Suite, ciphertext []byte) ([]byte, error) {
	buf := make([]byte, authentication.BlockSize+len(ciphertext))
	copy(buf[authentication.BlockSize:], ciphertext)
	if err := authentication.CBCDecrypt(suite.Encryption(), buf); err != nil {
		return nil, err
	}
	return buf[authentication.BlockSize:], nil
}

// NewProgramPage builds an authenticated ProgramPage command for the page at byte address addr.
// It does not check addr against the bootloader region; the device does.
func NewProgramPage(suite *Suite, g *Geometry, addr uint32, page []byte) (*ProgramPage, error) {
	if len(page) != int(g.PageSize) {
		return nil, fmt.Errorf("page is %d bytes, device pages are %d bytes", len(page), g.PageSize)
	}
	wire, err := g.WireAddress(addr)
	if err != nil {
		return nil, err
	}
	m := &ProgramPage{Address: wire, Page: append([]byte(nil), page...)}
	buf := m.Encode(g)
	if m.Tag, err = computeTag(suite, buf[:len(buf)-tagSize]); err != nil {
		return nil, err
	}
	return m, nil
}

// Verify returns ErrInvalidSignature unless the tag authenticates the address and page.
func (m *ProgramPage) Verify(suite *Suite, g *Geometry) error {
	if len(m.Page) != int(g.PageSize) {
		return ErrMalformed
	}
	buf := m.Encode(g)
	// The tag slot is consumed by the in-place check.
	if authentication.MACReverseCompare(suite.Authentication(), buf, len(buf)-tagSize) {
		return ErrInvalidSignature
	}
	return nil
}

// NewChangeKey builds a ChangeKey command that installs newKey. suite must be derived from the
// key currently installed on the device.
func NewChangeKey(suite *Suite, newKey Key) (*ChangeKey, error) {
	ciphertext, err := encrypt(suite, newKey[:])
	if err != nil {
		return nil, err
	}
	m := &ChangeKey{}
	copy(m.EncryptedKey[:], ciphertext)
	if m.Tag, err = computeTag(suite, ciphertext); err != nil {
		return nil, err
	}
	return m, nil
}

// Open verifies the tag and then decrypts the new key.
func (m *ChangeKey) Open(suite *Suite) (Key, error) {
	if err := verifyTag(suite, m.EncryptedKey[:], m.Tag[:]); err != nil {
		return Key{}, err
	}
	plaintext, err := decrypt(suite, m.EncryptedKey[:])
	if err != nil {
		return Key{}, err
	}
	return authentication.KeyFromBytes(plaintext)
}

// NewAuthenticate builds an Authenticate command carrying challenge.
func NewAuthenticate(suite *Suite, challenge [ChallengeSize]byte) (*Authenticate, error) {
	ciphertext, err := encrypt(suite, challenge[:])
	if err != nil {
		return nil, err
	}
	m := &Authenticate{}
	copy(m.EncryptedChallenge[:], ciphertext)
	if m.Tag, err = computeTag(suite, ciphertext); err != nil {
		return nil, err
	}
	return m, nil
}

// Open verifies the tag and then decrypts the challenge.
func (m *Authenticate) Open(suite *Suite) ([ChallengeSize]byte, error) {
	var challenge [ChallengeSize]byte
	if err := verifyTag(suite, m.EncryptedChallenge[:], m.Tag[:]); err != nil {
		return challenge, err
	}
	plaintext, err := decrypt(suite, m.EncryptedChallenge[:])
	if err != nil {
		return challenge, err
	}
	copy(challenge[:], plaintext)
	return challenge, nil
}

// PageReply is the device's answer to a page read.
type PageReply struct {
	Address uint16
	Page    []byte
}

func (r *PageReply) Encode() []byte {
	buf := make([]byte, addressSize+len(r.Page))
	binary.LittleEndian.PutUint16(buf, r.Address)
	copy(buf[addressSize:], r.Page)
	return buf
}

// DecodePageReply parses a page read reply.
func DecodePageReply(g *Geometry, buf []byte) (*PageReply, error) {
	if len(buf) != g.PageReplySize() {
		return nil, fmt.Errorf("%w: page reply of %d bytes", ErrBadResponse, len(buf))
	}
	return &PageReply{
		Address: binary.LittleEndian.Uint16(buf),
		Page:    append([]byte(nil), buf[addressSize:]...),
	}, nil
}
