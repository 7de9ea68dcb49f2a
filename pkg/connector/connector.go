// Package connector defines how the host reaches a bootloader.
//
// A bootloader exposes exactly two operations: SetReport, which delivers a command buffer, and
// GetReport, which reads back a reply. Connector implementations carry those two operations over
// some transport.
package connector

//go:generate mockgen -destination ../../mocks/connector.go -package mocks -mock_names Connector=Connector github.com/secureloader/secureloader/pkg/connector Connector

import (
	"context"

	"github.com/secureloader/secureloader/pkg/protocol"
)

// MaxResponseLength caps the maximum byte-length of replies that connectors must support.
const MaxResponseLength = 65536

// Connector sends commands to and reads replies from a bootloader.
type Connector interface {
	// Send delivers a command buffer to the device.
	//
	// A rejected command is reported as protocol.ErrStalled. Depending on the error, the device
	// may have received and even acted on the command; if the returned error implements the
	// protocol.Error interface, then the client may be able to determine if this is the case.
	//
	// Implementations must be thread safe.
	Send(ctx context.Context, buffer []byte) error

	// Receive reads a reply of at most maxLen bytes from the device.
	//
	// Implementations must be thread safe.
	Receive(ctx context.Context, maxLen int) ([]byte, error)

	// Name identifies the connected device.
	Name() string

	// Close terminates the connection to a device.
	//
	// Repeated calls to Close() must be idempotent, but the behavior of the interface is otherwise
	// undefined after calling this method.
	Close()
}

// DeviceInfo describes a device reachable through a Connector.
type DeviceInfo struct {
	Name     string            `json:"name"`
	Geometry protocol.Geometry `json:"geometry"`
	Running  bool              `json:"running"`
}

// InfoProvider is implemented by connectors that can describe the device without sending it a
// command.
type InfoProvider interface {
	Info(ctx context.Context) (*DeviceInfo, error)
}
