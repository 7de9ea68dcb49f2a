// Package device implements the bootloader side of the secure update protocol.
//
// A Processor receives the opaque buffers delivered by a transport's SetReport and GetReport
// requests, authenticates them and drives an abstract Flash. Every command is authenticated on
// its own; the only state kept between commands is the page address selected for reading and
// the reply to the most recent Authenticate command.
package device

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/secureloader/secureloader/internal/authentication"
	"github.com/secureloader/secureloader/internal/log"
	"github.com/secureloader/secureloader/pkg/protocol"
)

// StallError is returned for every rejected request. Its message is the same whatever the cause,
// mirroring the single stall signal a USB device can send. The cause is available through
// errors.Unwrap for local diagnostics only and must not be reported to the host.
type StallError struct {
	cause error
}

func (e *StallError) Error() string {
	return "request stalled"
}

func (e *StallError) Unwrap() error {
	return e.cause
}

// IsStall returns true if err is a *StallError.
func IsStall(err error) bool {
	var s *StallError
	return errors.As(err, &s)
}

var (
	errStopped   = authentication.NewError(authentication.CodeBusy, "bootloader is starting the application")
	errThrottled = authentication.NewError(authentication.CodeBusy, "too many authentication failures")
	errShortRead = authentication.NewError(authentication.CodeBadParameter, "read request shorter than reply")
)

func stall(cause error) error {
	log.Debug("Stalling request: %s", cause)
	return &StallError{cause: cause}
}

// Processor is the bootloader command processor. It is safe for concurrent use; requests are
// processed one at a time.
type Processor struct {
	mu       sync.Mutex
	geometry *protocol.Geometry
	flash    Flash
	keys     KeyStore
	mode     protocol.KeyMode
	limiter  *rate.Limiter

	address   uint16
	challenge []byte
	running   bool
}

type Option func(*Processor)

// WithKeyMode selects how command keys are derived from the bootloader key. The default is
// protocol.KeyModeSeparated.
func WithKeyMode(mode protocol.KeyMode) Option {
	return func(p *Processor) {
		p.mode = mode
	}
}

// WithFailureLimit throttles authentication failures. Each failed MAC check consumes a token
// from a bucket refilled at rate r holding at most burst tokens. While the bucket is empty,
// authenticated commands are stalled without being checked.
func WithFailureLimit(r rate.Limit, burst int) Option {
	return func(p *Processor) {
		p.limiter = rate.NewLimiter(r, burst)
	}
}

// New returns a Processor for a device with geometry g.
func New(g *protocol.Geometry, flash Flash, keys KeyStore, options ...Option) (*Processor, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	p := &Processor{
		geometry: g,
		flash:    flash,
		keys:     keys,
		mode:     protocol.KeyModeSeparated,
		address:  protocol.StartApplication,
		running:  true,
	}
	for _, option := range options {
		option(p)
	}
	return p, nil
}

// Geometry returns the flash layout the processor enforces.
func (p *Processor) Geometry() *protocol.Geometry {
	return p.geometry
}

// Running returns false once the host has asked the bootloader to start the application.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Restart puts a stopped processor back into bootloader mode, as a reset with the bootloader
// button held would.
func (p *Processor) Restart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	p.address = protocol.StartApplication
	p.challenge = nil
}

// HandleSetReport processes one command received from the host.
func (p *Processor) HandleSetReport(buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return stall(errStopped)
	}
	// An unread Authenticate reply is dropped by any further command.
	p.challenge = nil

	msg, err := protocol.Decode(p.geometry, buf)
	if err != nil {
		return stall(err)
	}
	switch m := msg.(type) {
	case *protocol.SetAddress:
		return p.setAddress(m)
	case *protocol.ProgramPage:
		return p.programPage(m)
	case *protocol.ChangeKey:
		return p.changeKey(m)
	case *protocol.Authenticate:
		return p.authenticate(m)
	}
	return stall(protocol.ErrMalformed)
}

// HandleGetReport answers a read request of at most maxLen bytes. If the previous command was
// a successful Authenticate, the reply is the decrypted challenge. Otherwise it is the page
// selected by the last SetAddress command.
func (p *Processor) HandleGetReport(maxLen int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, stall(errStopped)
	}
	if p.challenge != nil {
		if maxLen < len(p.challenge) {
			return nil, stall(errShortRead)
		}
		reply := p.challenge
		p.challenge = nil
		return reply, nil
	}

	addr := p.geometry.ByteAddress(p.address)
	if err := p.geometry.CheckPageAddress(addr); err != nil {
		return nil, stall(err)
	}
	if maxLen < p.geometry.PageReplySize() {
		return nil, stall(errShortRead)
	}
	page, err := p.flash.ReadPage(addr)
	if err != nil {
		return nil, stall(err)
	}
	reply := protocol.PageReply{Address: p.address, Page: page}
	return reply.Encode(), nil
}

func (p *Processor) setAddress(m *protocol.SetAddress) error {
	if m.IsStartApplication() {
		log.Info("Leaving bootloader mode")
		p.running = false
		return nil
	}
	// Bounds are checked when the page is read.
	p.address = m.Address
	return nil
}

// suite derives the command ciphers from the current key. It fails while the failure throttle
// is exhausted.
func (p *Processor) suite() (*protocol.Suite, error) {
	if p.limiter != nil && p.limiter.Tokens() < 1 {
		return nil, errThrottled
	}
	key, err := p.keys.LoadKey()
	if err != nil {
		return nil, authentication.NewError(authentication.CodeInternal, err.Error())
	}
	return protocol.NewSuite(key, p.mode)
}

func (p *Processor) authenticationFailed(err error) error {
	if p.limiter != nil {
		p.limiter.Allow()
	}
	return stall(err)
}

func (p *Processor) programPage(m *protocol.ProgramPage) error {
	addr := p.geometry.ByteAddress(m.Address)
	if err := p.geometry.CheckPageAddress(addr); err != nil {
		return stall(err)
	}
	suite, err := p.suite()
	if err != nil {
		return stall(err)
	}
	defer suite.Wipe()
	if err := m.Verify(suite, p.geometry); err != nil {
		return p.authenticationFailed(err)
	}
	if err := p.flash.ProgramPage(addr, m.Page); err != nil {
		return stall(authentication.NewError(authentication.CodeFlashFailure, err.Error()))
	}
	if enabler, ok := p.flash.(ReadAccessEnabler); ok {
		if err := enabler.EnableReadAccess(); err != nil {
			return stall(authentication.NewError(authentication.CodeFlashFailure, err.Error()))
		}
	}
	log.Debug("Programmed page 0x%05x", addr)
	return nil
}

func (p *Processor) changeKey(m *protocol.ChangeKey) error {
	suite, err := p.suite()
	if err != nil {
		return stall(err)
	}
	defer suite.Wipe()
	key, err := m.Open(suite)
	if err != nil {
		return p.authenticationFailed(err)
	}
	if err := p.keys.StoreKey(key); err != nil {
		return stall(authentication.NewError(authentication.CodeFlashFailure, err.Error()))
	}
	log.Info("Bootloader key changed")
	return nil
}

func (p *Processor) authenticate(m *protocol.Authenticate) error {
	suite, err := p.suite()
	if err != nil {
		return stall(err)
	}
	defer suite.Wipe()
	challenge, err := m.Open(suite)
	if err != nil {
		return p.authenticationFailed(err)
	}
	p.challenge = challenge[:]
	return nil
}
