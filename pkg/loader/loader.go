// Package loader drives a firmware update against a bootloader reachable through a
// [connector.Connector].
//
// Every step blocks until the device has answered. A failed step aborts the update: the device
// holds no partial state worth resuming, so a failed run is repeated from the start.
package loader

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/secureloader/secureloader/internal/log"
	"github.com/secureloader/secureloader/pkg/connector"
	"github.com/secureloader/secureloader/pkg/firmware"
	"github.com/secureloader/secureloader/pkg/protocol"
)

var (
	// ErrAuthenticationMismatch indicates the device decrypted the challenge to a different value,
	// meaning it does not hold the key the host used.
	ErrAuthenticationMismatch = errors.New("device failed to authenticate")

	// ErrVerifyMismatch indicates a page read back from the device differs from the image.
	ErrVerifyMismatch = errors.New("flash contents differ from image")
)

// EventKind identifies a step of the update sequence.
type EventKind int

const (
	EventAuthenticated EventKind = iota
	EventKeyChanged
	EventPageWritten
	EventPageVerified
	EventBooting
)

func (k EventKind) String() string {
	switch k {
	case EventAuthenticated:
		return "authenticated"
	case EventKeyChanged:
		return "key changed"
	case EventPageWritten:
		return "page written"
	case EventPageVerified:
		return "page verified"
	case EventBooting:
		return "booting"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event reports progress. Address, Index and Total are only set for page events.
type Event struct {
	Kind    EventKind
	Address uint32
	Index   int
	Total   int
}

// Loader sends commands to a single device.
type Loader struct {
	conn          connector.Connector
	geometry      *protocol.Geometry
	mode          protocol.KeyMode
	rand          io.Reader
	progress      func(Event)
	retryInterval time.Duration
}

type Option func(*Loader)

// WithKeyMode selects the key derivation used by the device. The default is
// protocol.KeyModeSeparated.
func WithKeyMode(mode protocol.KeyMode) Option {
	return func(l *Loader) {
		l.mode = mode
	}
}

// WithRand overrides the source of authentication challenges.
func WithRand(r io.Reader) Option {
	return func(l *Loader) {
		l.rand = r
	}
}

// WithProgress registers a callback invoked after each completed step.
func WithProgress(progress func(Event)) Option {
	return func(l *Loader) {
		l.progress = progress
	}
}

// WithRetryInterval makes the loader resend commands that failed without reaching the device,
// such as requests refused by a busy emulator. Commands that may have executed are never resent.
// By default nothing is retried.
func WithRetryInterval(interval time.Duration) Option {
	return func(l *Loader) {
		l.retryInterval = interval
	}
}

// New creates a Loader for a device with geometry g reachable through conn.
func New(conn connector.Connector, g *protocol.Geometry, options ...Option) (*Loader, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	l := &Loader{
		conn:     conn,
		geometry: g,
		mode:     protocol.KeyModeSeparated,
		rand:     rand.Reader,
	}
	for _, option := range options {
		option(l)
	}
	return l, nil
}

func (l *Loader) Geometry() *protocol.Geometry {
	return l.geometry
}

// Name identifies the device the loader talks to.
func (l *Loader) Name() string {
	return l.conn.Name()
}

// Close closes the underlying connector.
func (l *Loader) Close() {
	l.conn.Close()
}

func (l *Loader) notify(e Event) {
	if l.progress != nil {
		l.progress(e)
	}
}

func (l *Loader) retry(ctx context.Context, f func() error) error {
	for {
		err := f()
		if err == nil || l.retryInterval <= 0 || !protocol.ShouldRetry(err) {
			return err
		}
		log.Debug("Retrying after transient error: %s", err)
		select {
		case <-time.After(l.retryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loader) send(ctx context.Context, msg protocol.Message) error {
	buf := msg.Encode(l.geometry)
	return l.retry(ctx, func() error {
		return l.conn.Send(ctx, buf)
	})
}

func (l *Loader) receive(ctx context.Context, maxLen int) ([]byte, error) {
	var reply []byte
	err := l.retry(ctx, func() error {
		var err error
		reply, err = l.conn.Receive(ctx, maxLen)
		return err
	})
	return reply, err
}

func (l *Loader) suite(key protocol.Key) (*protocol.Suite, error) {
	return protocol.NewSuite(key, l.mode)
}

// Authenticate checks that the device holds key. The device proves it by decrypting a fresh
// random challenge.
func (l *Loader) Authenticate(ctx context.Context, key protocol.Key) error {
	var challenge [protocol.ChallengeSize]byte
	if _, err := io.ReadFull(l.rand, challenge[:]); err != nil {
		return fmt.Errorf("generating challenge: %w", err)
	}
	suite, err := l.suite(key)
	if err != nil {
		return err
	}
	defer suite.Wipe()
	msg, err := protocol.NewAuthenticate(suite, challenge)
	if err != nil {
		return err
	}
	if err := l.send(ctx, msg); err != nil {
		return fmt.Errorf("sending challenge: %w", err)
	}
	reply, err := l.receive(ctx, protocol.ChallengeSize)
	if err != nil {
		return fmt.Errorf("reading challenge reply: %w", err)
	}
	if !bytes.Equal(reply, challenge[:]) {
		return ErrAuthenticationMismatch
	}
	log.Debug("Device authenticated")
	l.notify(Event{Kind: EventAuthenticated})
	return nil
}

// ChangeKey replaces oldKey with newKey. It does not confirm the device accepted the new key;
// follow with Authenticate.
func (l *Loader) ChangeKey(ctx context.Context, oldKey, newKey protocol.Key) error {
	suite, err := l.suite(oldKey)
	if err != nil {
		return err
	}
	defer suite.Wipe()
	msg, err := protocol.NewChangeKey(suite, newKey)
	if err != nil {
		return err
	}
	if err := l.send(ctx, msg); err != nil {
		return fmt.Errorf("changing key: %w", err)
	}
	log.Info("Bootloader key changed")
	l.notify(Event{Kind: EventKeyChanged})
	return nil
}

// WriteAllPages programs every page of img selected by [firmware.Image.Pages] and returns their
// addresses.
func (l *Loader) WriteAllPages(ctx context.Context, key protocol.Key, img *firmware.Image) ([]uint32, error) {
	suite, err := l.suite(key)
	if err != nil {
		return nil, err
	}
	defer suite.Wipe()
	pages := img.Pages(l.geometry)
	for i, addr := range pages {
		msg, err := protocol.NewProgramPage(suite, l.geometry, addr, img.Page(addr, l.geometry.PageSize))
		if err != nil {
			return nil, err
		}
		if err := l.send(ctx, msg); err != nil {
			return nil, fmt.Errorf("writing page 0x%05x: %w", addr, err)
		}
		l.notify(Event{Kind: EventPageWritten, Address: addr, Index: i, Total: len(pages)})
	}
	log.Info("Wrote %d pages", len(pages))
	return pages, nil
}

// ReadPage reads the page at byte address addr.
func (l *Loader) ReadPage(ctx context.Context, addr uint32) ([]byte, error) {
	wire, err := l.geometry.WireAddress(addr)
	if err != nil {
		return nil, err
	}
	if err := l.send(ctx, &protocol.SetAddress{Address: wire}); err != nil {
		return nil, fmt.Errorf("selecting page 0x%05x: %w", addr, err)
	}
	buf, err := l.receive(ctx, l.geometry.PageReplySize())
	if err != nil {
		return nil, fmt.Errorf("reading page 0x%05x: %w", addr, err)
	}
	reply, err := protocol.DecodePageReply(l.geometry, buf)
	if err != nil {
		return nil, err
	}
	if reply.Address != wire {
		return nil, fmt.Errorf("%w: asked for page 0x%04x, got 0x%04x", protocol.ErrBadResponse, wire, reply.Address)
	}
	return reply.Page, nil
}

// VerifyAllPages reads back each page in pages and compares it with img.
func (l *Loader) VerifyAllPages(ctx context.Context, img *firmware.Image, pages []uint32) error {
	for i, addr := range pages {
		page, err := l.ReadPage(ctx, addr)
		if err != nil {
			return err
		}
		if !bytes.Equal(page, img.Page(addr, l.geometry.PageSize)) {
			return fmt.Errorf("%w: page 0x%05x", ErrVerifyMismatch, addr)
		}
		l.notify(Event{Kind: EventPageVerified, Address: addr, Index: i, Total: len(pages)})
	}
	log.Info("Verified %d pages", len(pages))
	return nil
}

// StartApplication asks the bootloader to start the application. The device accepts no further
// commands until it is reset.
func (l *Loader) StartApplication(ctx context.Context) error {
	if err := l.send(ctx, &protocol.SetAddress{Address: protocol.StartApplication}); err != nil {
		return fmt.Errorf("starting application: %w", err)
	}
	l.notify(Event{Kind: EventBooting})
	return nil
}
