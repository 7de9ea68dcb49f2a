package firmware_test

import (
	"bytes"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/secureloader/secureloader/pkg/firmware"
	"github.com/secureloader/secureloader/pkg/protocol"
)

var _ = Describe("Image", func() {
	var geometry *protocol.Geometry

	BeforeEach(func() {
		var err error
		geometry, err = protocol.LookupProfile("atmega32u4")
		Expect(err).ToNot(HaveOccurred())
	})

	It("pads pages with erased bytes", func() {
		img := firmware.New()
		img.Set(0x10, []byte{1, 2, 3})
		Expect(img.Size()).To(Equal(uint32(0x13)))
		page := img.Page(0, 32)
		Expect(page[:0x10]).To(Equal(bytes.Repeat([]byte{0xFF}, 0x10)))
		Expect(page[0x10:0x13]).To(Equal([]byte{1, 2, 3}))
		Expect(page[0x13:]).To(Equal(bytes.Repeat([]byte{0xFF}, 32-0x13)))
		Expect(img.Page(0x100, 4)).To(Equal([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	})

	It("selects pages with data plus page zero", func() {
		img := firmware.New()
		img.Set(0x200, []byte{0x00})
		img.Set(0x280, bytes.Repeat([]byte{0xFF}, 128))
		img.Set(0x37F, []byte{0x42})
		Expect(img.Pages(geometry)).To(Equal([]uint32{0, 0x200, 0x300}))
	})

	It("always writes page zero", func() {
		Expect(firmware.New().Pages(geometry)).To(Equal([]uint32{0}))
	})

	It("skips the bootloader region", func() {
		img := firmware.New()
		img.Set(geometry.BootloaderStart()-1, []byte{0, 0})
		Expect(img.Pages(geometry)).To(Equal([]uint32{0, geometry.BootloaderStart() - geometry.PageSize}))
	})

	It("loads binary files", func() {
		filename := filepath.Join(GinkgoT().TempDir(), "app.bin")
		Expect(os.WriteFile(filename, []byte{0x0C, 0x94, 0x34, 0x00}, 0644)).To(Succeed())
		img, err := firmware.LoadBinaryFile(filename, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(img.Bytes()).To(Equal([]byte{0x0C, 0x94, 0x34, 0x00}))
		Expect(img.PageHasData(0, 128)).To(BeTrue())
		Expect(img.PageHasData(128, 128)).To(BeFalse())
	})

	It("rejects oversized images", func() {
		_, err := firmware.LoadBinary(bytes.NewReader(make([]byte, 16)), firmware.MaxImageSize)
		Expect(err).To(MatchError(firmware.ErrImageTooLarge))
	})
})
