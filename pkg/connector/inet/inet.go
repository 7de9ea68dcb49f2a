// Package inet reaches a bootloader emulator over HTTP.
//
// The emulator serves SetReport requests at POST /report and GetReport requests at
// GET /report?length=N. A stalled request is answered with 409 Conflict.
package inet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/secureloader/secureloader/internal/log"
	"github.com/secureloader/secureloader/pkg/connector"
	"github.com/secureloader/secureloader/pkg/protocol"
)

const (
	ReportPath  = "/report"
	InfoPath    = "/info"
	RestartPath = "/restart"
	ContentType = "application/octet-stream"
)

func ReadWithContext(ctx context.Context, r io.Reader, p []byte) ([]byte, error) {
	bytesRead := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := r.Read(p[bytesRead:])
		bytesRead += n
		if err == io.EOF {
			return p[:bytesRead], nil
		}
		if err != nil {
			return p[:bytesRead], err
		}
		if bytesRead == len(p) {
			return p[:bytesRead], nil
		}
	}
}

type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return e.Message
}

func (e *HttpError) MayHaveSucceeded() bool {
	if e.Code >= 400 && e.Code < 500 {
		return false
	}
	return e.Code != http.StatusServiceUnavailable
}

func (e *HttpError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable ||
		e.Code == http.StatusGatewayTimeout ||
		e.Code == http.StatusRequestTimeout
}

// Connection implements the connector.Connector interface by sending reports to an emulator.
type Connection struct {
	client  http.Client
	baseURL string

	mu     sync.Mutex
	closed bool
}

var (
	_ connector.Connector    = (*Connection)(nil)
	_ connector.InfoProvider = (*Connection)(nil)
)

// NewConnection creates a Connection to the emulator at baseURL, such as
// "http://localhost:8080". A missing scheme defaults to http.
func NewConnection(baseURL string) *Connection {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Connection{
		client:  http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *Connection) Name() string {
	return c.baseURL
}

func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.client.CloseIdleConnections()
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// do issues a request and returns the response body of a 2xx reply. Transport failures of
// requests with side effects may have succeeded.
func (c *Connection) do(ctx context.Context, method, path string, body []byte, maxLen int, sideEffects bool) ([]byte, error) {
	if c.isClosed() {
		return nil, protocol.ErrNotConnected
	}
	endpoint := c.baseURL + path
	log.Debug("%s %s (%d bytes)", method, endpoint, len(body))
	request, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: false, PossibleTemporary: false}
	}
	if body != nil {
		request.Header.Set("Content-Type", ContentType)
	}

	result, err := c.client.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &protocol.CommandError{Err: ctxErr, PossibleSuccess: sideEffects, PossibleTemporary: true}
		}
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: false, PossibleTemporary: true}
	}
	defer result.Body.Close()

	reply := make([]byte, maxLen+1)
	reply, err = ReadWithContext(ctx, result.Body, reply)
	if err != nil {
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: sideEffects, PossibleTemporary: false}
	}
	if len(reply) == maxLen+1 {
		return nil, fmt.Errorf("%w: reply exceeds %d bytes", protocol.ErrBadResponse, maxLen)
	}

	log.Debug("Emulator returned %d: %s", result.StatusCode, http.StatusText(result.StatusCode))
	switch {
	case result.StatusCode == http.StatusConflict:
		return nil, protocol.ErrStalled
	case result.StatusCode == http.StatusServiceUnavailable:
		return nil, protocol.ErrBusy
	case result.StatusCode >= 200 && result.StatusCode < 300:
		return reply, nil
	}
	return nil, &HttpError{Code: result.StatusCode, Message: strings.TrimSpace(string(reply))}
}

func (c *Connection) Send(ctx context.Context, buffer []byte) error {
	if buffer == nil {
		buffer = []byte{}
	}
	_, err := c.do(ctx, http.MethodPost, ReportPath, buffer, connector.MaxResponseLength, true)
	return err
}

func (c *Connection) Receive(ctx context.Context, maxLen int) ([]byte, error) {
	if maxLen <= 0 || maxLen > connector.MaxResponseLength {
		return nil, fmt.Errorf("invalid read length %d", maxLen)
	}
	query := url.Values{}
	query.Set("length", strconv.Itoa(maxLen))
	return c.do(ctx, http.MethodGet, ReportPath+"?"+query.Encode(), nil, maxLen, false)
}

// Info fetches the emulated device's description.
func (c *Connection) Info(ctx context.Context) (*connector.DeviceInfo, error) {
	body, err := c.do(ctx, http.MethodGet, InfoPath, nil, connector.MaxResponseLength, false)
	if err != nil {
		return nil, err
	}
	var info connector.DeviceInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBadResponse, err)
	}
	return &info, nil
}

// Restart asks the emulator to reset the device back into bootloader mode.
func (c *Connection) Restart(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, RestartPath, []byte{}, connector.MaxResponseLength, true)
	return err
}

// IsHttpError returns true if err carries an unexpected HTTP status.
func IsHttpError(err error) bool {
	var httpErr *HttpError
	return errors.As(err, &httpErr)
}
