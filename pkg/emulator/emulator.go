// Package emulator serves a simulated bootloader over HTTP.
//
// The HTTP surface mirrors the two HID control requests of the real device:
//
//	POST /report           SetReport; 204 on success, 409 when the device stalls
//	GET  /report?length=N  GetReport; 200 with the reply, 409 when the device stalls
//	GET  /info             JSON description of the device
//	POST /restart          reset the device back into bootloader mode
package emulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/secureloader/secureloader/internal/log"
	"github.com/secureloader/secureloader/pkg/connector"
	"github.com/secureloader/secureloader/pkg/connector/inet"
	"github.com/secureloader/secureloader/pkg/device"
)

// Server exposes a device.Processor as an http.Handler.
type Server struct {
	name      string
	processor *device.Processor
	// OnChange, if set, is called after every accepted SetReport request. The emulator command
	// uses it to persist flash contents.
	OnChange func()
}

// New returns a Server for p.
func New(name string, p *device.Processor) *Server {
	return &Server{name: name, processor: p}
}

func writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		log.Error("Returning error %s: %s", http.StatusText(code), err)
	} else {
		log.Debug("Returning error %s: %s", http.StatusText(code), err)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintln(w, err)
}

// writeStall answers a rejected request. The body never carries the reason.
func writeStall(w http.ResponseWriter, err error) {
	if device.IsStall(err) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintln(w, "request stalled")
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Debug("Received %s request for %s", req.Method, req.URL.Path)
	switch req.URL.Path {
	case inet.ReportPath:
		switch req.Method {
		case http.MethodPost:
			s.handleSetReport(w, req)
		case http.MethodGet:
			s.handleGetReport(w, req)
		default:
			writeError(w, http.StatusMethodNotAllowed, errors.New(http.StatusText(http.StatusMethodNotAllowed)))
		}
	case inet.InfoPath:
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New(http.StatusText(http.StatusMethodNotAllowed)))
			return
		}
		s.handleInfo(w)
	case inet.RestartPath:
		if req.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errors.New(http.StatusText(http.StatusMethodNotAllowed)))
			return
		}
		log.Info("Restarting device %s", s.name)
		s.processor.Restart()
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("no such endpoint %s", req.URL.Path))
	}
}

func (s *Server) handleSetReport(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, connector.MaxResponseLength+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("could not read request body: %s", err))
		return
	}
	if len(body) > connector.MaxResponseLength {
		// Oversized commands cannot match any command length.
		writeStall(w, &device.StallError{})
		return
	}
	if err := s.processor.HandleSetReport(body); err != nil {
		writeStall(w, err)
		return
	}
	if s.OnChange != nil {
		s.OnChange()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetReport(w http.ResponseWriter, req *http.Request) {
	length, err := strconv.Atoi(req.URL.Query().Get("length"))
	if err != nil || length <= 0 || length > connector.MaxResponseLength {
		writeError(w, http.StatusBadRequest, errors.New("length must be a positive integer"))
		return
	}
	reply, err := s.processor.HandleGetReport(length)
	if err != nil {
		writeStall(w, err)
		return
	}
	w.Header().Set("Content-Type", inet.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}

func (s *Server) handleInfo(w http.ResponseWriter) {
	info := connector.DeviceInfo{
		Name:     s.name,
		Geometry: *s.processor.Geometry(),
		Running:  s.processor.Running(),
	}
	body, err := json.Marshal(&info)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(append(body, '\n'))
}
