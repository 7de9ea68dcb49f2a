// Package sim connects the host directly to an in-process bootloader.
package sim

import (
	"context"
	"sync"

	"github.com/secureloader/secureloader/pkg/connector"
	"github.com/secureloader/secureloader/pkg/device"
	"github.com/secureloader/secureloader/pkg/protocol"
)

// Connection implements connector.Connector by calling a device.Processor.
type Connection struct {
	name      string
	processor *device.Processor

	mu     sync.Mutex
	closed bool
}

var (
	_ connector.Connector    = (*Connection)(nil)
	_ connector.InfoProvider = (*Connection)(nil)
)

// NewConnection returns a Connection to p.
func NewConnection(name string, p *device.Processor) *Connection {
	return &Connection{name: name, processor: p}
}

func (c *Connection) ready(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrNotConnected
	}
	return ctx.Err()
}

// translate hides the reason for a stall, as a USB host would only see the stall handshake.
func translate(err error) error {
	if device.IsStall(err) {
		return protocol.ErrStalled
	}
	return err
}

func (c *Connection) Send(ctx context.Context, buffer []byte) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	return translate(c.processor.HandleSetReport(buffer))
}

func (c *Connection) Receive(ctx context.Context, maxLen int) ([]byte, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	reply, err := c.processor.HandleGetReport(maxLen)
	return reply, translate(err)
}

func (c *Connection) Name() string {
	return c.name
}

// Info reports the simulated device's geometry and state.
func (c *Connection) Info(ctx context.Context) (*connector.DeviceInfo, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	return &connector.DeviceInfo{
		Name:     c.name,
		Geometry: *c.processor.Geometry(),
		Running:  c.processor.Running(),
	}, nil
}

func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
