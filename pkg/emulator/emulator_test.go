package emulator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/secureloader/secureloader/pkg/connector"
	"github.com/secureloader/secureloader/pkg/connector/inet"
	"github.com/secureloader/secureloader/pkg/device"
	"github.com/secureloader/secureloader/pkg/emulator"
	"github.com/secureloader/secureloader/pkg/protocol"
)

var _ = Describe("Server", func() {
	var (
		geometry *protocol.Geometry
		flash    *device.MemoryFlash
		server   *emulator.Server
		changes  int
	)

	sendRequest := func(method, path string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, req)
		return rr
	}

	BeforeEach(func() {
		var err error
		geometry, err = protocol.LookupProfile("atmega32u4")
		Expect(err).ToNot(HaveOccurred())
		flash = device.NewMemoryFlash(geometry)
		p, err := device.New(geometry, flash, device.NewFlashKeyStore(flash, geometry, protocol.DefaultKey))
		Expect(err).ToNot(HaveOccurred())
		server = emulator.New("bench", p)
		changes = 0
		server.OnChange = func() { changes++ }
	})

	Context("SetReport", func() {
		It("accepts a SetAddress command", func() {
			rr := sendRequest(http.MethodPost, "/report", []byte{0x00, 0x01})
			Expect(rr.Code).To(Equal(http.StatusNoContent))
			Expect(changes).To(Equal(1))
		})

		It("answers stalls with 409 and no reason", func() {
			rr := sendRequest(http.MethodPost, "/report", []byte{1, 2, 3})
			Expect(rr.Code).To(Equal(http.StatusConflict))
			Expect(rr.Body.String()).To(Equal("request stalled\n"))
			Expect(changes).To(Equal(0))
		})

		It("stalls oversized bodies", func() {
			rr := sendRequest(http.MethodPost, "/report", make([]byte, connector.MaxResponseLength+1))
			Expect(rr.Code).To(Equal(http.StatusConflict))
		})
	})

	Context("GetReport", func() {
		It("returns the selected page", func() {
			Expect(sendRequest(http.MethodPost, "/report", []byte{0x80, 0x00}).Code).To(Equal(http.StatusNoContent))
			rr := sendRequest(http.MethodGet, "/report?length=1024", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.Len()).To(Equal(geometry.PageReplySize()))
			Expect(rr.Body.Bytes()[:2]).To(Equal([]byte{0x80, 0x00}))
		})

		It("rejects a missing length", func() {
			rr := sendRequest(http.MethodGet, "/report", nil)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("stalls without a selected page", func() {
			rr := sendRequest(http.MethodGet, "/report?length=1024", nil)
			Expect(rr.Code).To(Equal(http.StatusConflict))
		})
	})

	It("describes the device", func() {
		rr := sendRequest(http.MethodGet, "/info", nil)
		Expect(rr.Code).To(Equal(http.StatusOK))
		var info connector.DeviceInfo
		Expect(json.Unmarshal(rr.Body.Bytes(), &info)).To(Succeed())
		Expect(info.Name).To(Equal("bench"))
		Expect(info.Geometry).To(Equal(*geometry))
		Expect(info.Running).To(BeTrue())
	})

	It("restarts a stopped device", func() {
		Expect(sendRequest(http.MethodPost, "/report", []byte{0xFF, 0xFF}).Code).To(Equal(http.StatusNoContent))
		Expect(sendRequest(http.MethodPost, "/report", []byte{0x00, 0x00}).Code).To(Equal(http.StatusConflict))
		Expect(sendRequest(http.MethodPost, "/restart", nil).Code).To(Equal(http.StatusNoContent))
		Expect(sendRequest(http.MethodPost, "/report", []byte{0x00, 0x00}).Code).To(Equal(http.StatusNoContent))
	})

	It("rejects unknown paths and methods", func() {
		Expect(sendRequest(http.MethodGet, "/nothing", nil).Code).To(Equal(http.StatusNotFound))
		Expect(sendRequest(http.MethodDelete, "/report", nil).Code).To(Equal(http.StatusMethodNotAllowed))
		Expect(sendRequest(http.MethodPost, "/info", nil).Code).To(Equal(http.StatusMethodNotAllowed))
		Expect(sendRequest(http.MethodGet, "/restart", nil).Code).To(Equal(http.StatusMethodNotAllowed))
	})

	Context("over HTTP", func() {
		It("carries an authenticated page write", func() {
			ts := httptest.NewServer(server)
			DeferCleanup(ts.Close)
			conn := inet.NewConnection(ts.URL)
			DeferCleanup(conn.Close)

			suite, err := protocol.NewSuite(protocol.DefaultKey, protocol.KeyModeSeparated)
			Expect(err).ToNot(HaveOccurred())
			page := bytes.Repeat([]byte{0x5A}, int(geometry.PageSize))
			msg, err := protocol.NewProgramPage(suite, geometry, 0x300, page)
			Expect(err).ToNot(HaveOccurred())

			ctx := context.Background()
			Expect(conn.Send(ctx, msg.Encode(geometry))).To(Succeed())
			msg.Tag[0] ^= 1
			Expect(conn.Send(ctx, msg.Encode(geometry))).To(MatchError(protocol.ErrStalled))

			set := protocol.SetAddress{Address: 0x300}
			Expect(conn.Send(ctx, set.Encode(geometry))).To(Succeed())
			reply, err := conn.Receive(ctx, geometry.PageReplySize())
			Expect(err).ToNot(HaveOccurred())
			Expect(reply[2:]).To(Equal(page))

			info, err := conn.Info(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Geometry).To(Equal(*geometry))
		})
	})
})
