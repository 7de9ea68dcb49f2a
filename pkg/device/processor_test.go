package device_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/time/rate"

	"github.com/secureloader/secureloader/pkg/device"
	"github.com/secureloader/secureloader/pkg/protocol"
)

func randomPage(g *protocol.Geometry) []byte {
	page := make([]byte, g.PageSize)
	_, err := rand.Read(page)
	Expect(err).ToNot(HaveOccurred())
	return page
}

func newSuite(key protocol.Key) *protocol.Suite {
	suite, err := protocol.NewSuite(key, protocol.KeyModeSeparated)
	Expect(err).ToNot(HaveOccurred())
	return suite
}

var _ = Describe("Processor", func() {
	var (
		geometry *protocol.Geometry
		flash    *device.MemoryFlash
		keys     *device.FlashKeyStore
		p        *device.Processor
		suite    *protocol.Suite
	)

	readPage := func(addr uint32) []byte {
		wire, err := geometry.WireAddress(addr)
		Expect(err).ToNot(HaveOccurred())
		msg := protocol.SetAddress{Address: wire}
		Expect(p.HandleSetReport(msg.Encode(geometry))).To(Succeed())
		buf, err := p.HandleGetReport(geometry.PageReplySize())
		Expect(err).ToNot(HaveOccurred())
		reply, err := protocol.DecodePageReply(geometry, buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(reply.Address).To(Equal(wire))
		return reply.Page
	}

	programPage := func(s *protocol.Suite, addr uint32, page []byte) error {
		msg, err := protocol.NewProgramPage(s, geometry, addr, page)
		Expect(err).ToNot(HaveOccurred())
		return p.HandleSetReport(msg.Encode(geometry))
	}

	authenticate := func(s *protocol.Suite) ([]byte, error) {
		var challenge [protocol.ChallengeSize]byte
		_, err := rand.Read(challenge[:])
		Expect(err).ToNot(HaveOccurred())
		msg, err := protocol.NewAuthenticate(s, challenge)
		Expect(err).ToNot(HaveOccurred())
		if err := p.HandleSetReport(msg.Encode(geometry)); err != nil {
			return nil, err
		}
		reply, err := p.HandleGetReport(protocol.ChallengeSize)
		if err != nil {
			return nil, err
		}
		Expect(reply).To(Equal(challenge[:]))
		return msg.Encode(geometry), nil
	}

	BeforeEach(func() {
		var err error
		geometry, err = protocol.LookupProfile("atmega32u4")
		Expect(err).ToNot(HaveOccurred())
		flash = device.NewMemoryFlash(geometry)
		keys = device.NewFlashKeyStore(flash, geometry, protocol.DefaultKey)
		p, err = device.New(geometry, flash, keys)
		Expect(err).ToNot(HaveOccurred())
		suite = newSuite(protocol.DefaultKey)
	})

	Describe("ProgramPage", func() {
		It("writes an authentic page", func() {
			page := randomPage(geometry)
			Expect(programPage(suite, 0x0400, page)).To(Succeed())
			Expect(readPage(0x0400)).To(Equal(page))
		})

		It("writes the last application page", func() {
			addr := geometry.BootloaderStart() - geometry.PageSize
			page := randomPage(geometry)
			Expect(programPage(suite, addr, page)).To(Succeed())
			Expect(readPage(addr)).To(Equal(page))
		})

		It("rejects a tampered tag and leaves the page unchanged", func() {
			before := randomPage(geometry)
			Expect(programPage(suite, 0x0100, before)).To(Succeed())

			msg, err := protocol.NewProgramPage(suite, geometry, 0x0100, randomPage(geometry))
			Expect(err).ToNot(HaveOccurred())
			msg.Tag[7] ^= 0x01
			err = p.HandleSetReport(msg.Encode(geometry))
			Expect(device.IsStall(err)).To(BeTrue())
			Expect(errors.Is(err, protocol.ErrInvalidSignature)).To(BeTrue())
			Expect(readPage(0x0100)).To(Equal(before))
		})

		It("rejects every single-bit flip", func() {
			msg, err := protocol.NewProgramPage(suite, geometry, 0x0200, randomPage(geometry))
			Expect(err).ToNot(HaveOccurred())
			valid := msg.Encode(geometry)
			// Skip the address padding, which is rejected before the MAC check.
			for i := 0; i < len(valid); i++ {
				if i >= 2 && i < 16 {
					continue
				}
				for bit := 0; bit < 8; bit++ {
					buf := bytes.Clone(valid)
					buf[i] ^= 1 << bit
					Expect(p.HandleSetReport(buf)).ToNot(Succeed())
				}
			}
			Expect(flash.Snapshot()).To(Equal(device.NewMemoryFlash(geometry).Snapshot()))
		})

		It("rejects pages in the bootloader region regardless of MAC", func() {
			for _, addr := range []uint32{geometry.BootloaderStart(), geometry.KeyPageAddress(), 0x7F80 - geometry.PageSize} {
				err := programPage(suite, addr, randomPage(geometry))
				Expect(device.IsStall(err)).To(BeTrue())
				Expect(err.Error()).To(Equal("request stalled"))
			}
			key, err := keys.LoadKey()
			Expect(err).ToNot(HaveOccurred())
			Expect(key).To(Equal(protocol.DefaultKey))
		})

		It("rejects unaligned addresses regardless of MAC", func() {
			for _, addr := range []uint32{1, 64, 0x0480 + 16} {
				err := programPage(suite, addr, randomPage(geometry))
				Expect(device.IsStall(err)).To(BeTrue())
			}
			Expect(flash.Snapshot()).To(Equal(device.NewMemoryFlash(geometry).Snapshot()))
		})

		It("rejects pages authenticated with another key", func() {
			err := programPage(newSuite(protocol.Key{1}), 0, randomPage(geometry))
			Expect(device.IsStall(err)).To(BeTrue())
		})
	})

	Describe("GetReport", func() {
		It("stalls before an address is selected", func() {
			_, err := p.HandleGetReport(geometry.PageReplySize())
			Expect(device.IsStall(err)).To(BeTrue())
		})

		It("stalls for addresses in the bootloader region", func() {
			msg := protocol.SetAddress{Address: uint16(geometry.KeyPageAddress())}
			Expect(p.HandleSetReport(msg.Encode(geometry))).To(Succeed())
			_, err := p.HandleGetReport(geometry.PageReplySize())
			Expect(device.IsStall(err)).To(BeTrue())
		})

		It("stalls when the read is too short", func() {
			msg := protocol.SetAddress{Address: 0}
			Expect(p.HandleSetReport(msg.Encode(geometry))).To(Succeed())
			_, err := p.HandleGetReport(geometry.PageReplySize() - 1)
			Expect(device.IsStall(err)).To(BeTrue())
		})

		It("reads erased pages", func() {
			Expect(readPage(0x0800)).To(Equal(bytes.Repeat([]byte{0xFF}, int(geometry.PageSize))))
		})
	})

	Describe("Authenticate", func() {
		It("returns the challenge once", func() {
			_, err := authenticate(suite)
			Expect(err).ToNot(HaveOccurred())
			// The next read falls back to the page address, which is unset.
			_, err = p.HandleGetReport(protocol.ChallengeSize)
			Expect(device.IsStall(err)).To(BeTrue())
		})

		It("produces different exchanges for consecutive calls", func() {
			first, err := authenticate(suite)
			Expect(err).ToNot(HaveOccurred())
			second, err := authenticate(suite)
			Expect(err).ToNot(HaveOccurred())
			Expect(first).ToNot(Equal(second))
		})

		It("rejects a challenge under the wrong key", func() {
			_, err := authenticate(newSuite(protocol.Key{2}))
			Expect(device.IsStall(err)).To(BeTrue())
		})

		It("drops an unread reply when another command arrives", func() {
			var challenge [protocol.ChallengeSize]byte
			msg, err := protocol.NewAuthenticate(suite, challenge)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.HandleSetReport(msg.Encode(geometry))).To(Succeed())
			set := protocol.SetAddress{Address: 0}
			Expect(p.HandleSetReport(set.Encode(geometry))).To(Succeed())
			reply, err := p.HandleGetReport(geometry.PageReplySize())
			Expect(err).ToNot(HaveOccurred())
			Expect(reply).To(HaveLen(geometry.PageReplySize()))
		})
	})

	Describe("ChangeKey", func() {
		var newKey protocol.Key

		BeforeEach(func() {
			newKey = protocol.Key{0x10, 0x20, 0x30}
		})

		It("installs the new key", func() {
			msg, err := protocol.NewChangeKey(suite, newKey)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.HandleSetReport(msg.Encode(geometry))).To(Succeed())

			stored, err := keys.LoadKey()
			Expect(err).ToNot(HaveOccurred())
			Expect(stored).To(Equal(newKey))

			Expect(programPage(suite, 0, randomPage(geometry))).ToNot(Succeed())
			Expect(programPage(newSuite(newKey), 0, randomPage(geometry))).To(Succeed())
		})

		It("rejects replayed challenges after a key change", func() {
			captured, err := authenticate(suite)
			Expect(err).ToNot(HaveOccurred())

			msg, err := protocol.NewChangeKey(suite, newKey)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.HandleSetReport(msg.Encode(geometry))).To(Succeed())

			err = p.HandleSetReport(captured)
			Expect(device.IsStall(err)).To(BeTrue())
			_, err = authenticate(newSuite(newKey))
			Expect(err).ToNot(HaveOccurred())
		})

		It("keeps the old key when the MAC is wrong", func() {
			msg, err := protocol.NewChangeKey(newSuite(newKey), newKey)
			Expect(err).ToNot(HaveOccurred())
			Expect(device.IsStall(p.HandleSetReport(msg.Encode(geometry)))).To(BeTrue())
			stored, err := keys.LoadKey()
			Expect(err).ToNot(HaveOccurred())
			Expect(stored).To(Equal(protocol.DefaultKey))
		})

		It("preserves the rest of the key section", func() {
			section := bytes.Repeat([]byte{0xFF}, int(geometry.PageSize))
			section[len(section)-34] = 0x01
			Expect(flash.ProgramPage(geometry.KeyPageAddress(), section)).To(Succeed())

			msg, err := protocol.NewChangeKey(suite, newKey)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.HandleSetReport(msg.Encode(geometry))).To(Succeed())

			button, err := keys.HardwareButton()
			Expect(err).ToNot(HaveOccurred())
			Expect(button).To(Equal(byte(0x01)))
			snapshot := flash.Snapshot()
			Expect(snapshot[len(snapshot)-32:]).To(Equal(newKey[:]))
		})
	})

	Describe("SetAddress", func() {
		It("stops the bootloader on the start application sentinel", func() {
			msg := protocol.SetAddress{Address: protocol.StartApplication}
			Expect(p.HandleSetReport(msg.Encode(geometry))).To(Succeed())
			Expect(p.Running()).To(BeFalse())

			Expect(device.IsStall(programPage(suite, 0, randomPage(geometry)))).To(BeTrue())
			_, err := p.HandleGetReport(protocol.ChallengeSize)
			Expect(device.IsStall(err)).To(BeTrue())

			p.Restart()
			Expect(p.Running()).To(BeTrue())
			Expect(programPage(suite, 0, randomPage(geometry))).To(Succeed())
		})
	})

	Describe("malformed commands", func() {
		It("stalls without side effects", func() {
			for _, n := range []int{0, 1, 3, 17, 100, 1000} {
				err := p.HandleSetReport(make([]byte, n))
				Expect(device.IsStall(err)).To(BeTrue())
				Expect(errors.Is(err, protocol.ErrMalformed)).To(BeTrue())
			}
			Expect(p.Running()).To(BeTrue())
			Expect(flash.Snapshot()).To(Equal(device.NewMemoryFlash(geometry).Snapshot()))
		})
	})

	Describe("failure throttle", func() {
		BeforeEach(func() {
			var err error
			p, err = device.New(geometry, flash, keys, device.WithFailureLimit(rate.Every(time.Hour), 2))
			Expect(err).ToNot(HaveOccurred())
		})

		It("stalls authentic commands once the budget is spent", func() {
			wrong := newSuite(protocol.Key{3})
			Expect(programPage(wrong, 0, randomPage(geometry))).ToNot(Succeed())
			Expect(programPage(suite, 0, randomPage(geometry))).To(Succeed())
			Expect(programPage(wrong, 0, randomPage(geometry))).ToNot(Succeed())

			err := programPage(suite, 0, randomPage(geometry))
			Expect(device.IsStall(err)).To(BeTrue())
			Expect(errors.Is(err, protocol.ErrInvalidSignature)).To(BeFalse())
		})
	})

	Describe("legacy key mode", func() {
		It("accepts commands authenticated with the raw key", func() {
			var err error
			p, err = device.New(geometry, flash, keys, device.WithKeyMode(protocol.KeyModeShared))
			Expect(err).ToNot(HaveOccurred())
			shared, err := protocol.NewSuite(protocol.DefaultKey, protocol.KeyModeShared)
			Expect(err).ToNot(HaveOccurred())
			Expect(programPage(shared, 0, randomPage(geometry))).To(Succeed())
			Expect(programPage(suite, 0, randomPage(geometry))).ToNot(Succeed())
		})
	})

	It("refuses an invalid geometry", func() {
		bad := *geometry
		bad.PageSize = 100
		_, err := device.New(&bad, flash, keys)
		Expect(errors.Is(err, protocol.ErrInvalidGeometry)).To(BeTrue())
	})
})

var _ = Describe("Processor with address shift", func() {
	It("uses page indices on the wire", func() {
		geometry, err := protocol.LookupProfile("at90usb1287")
		Expect(err).ToNot(HaveOccurred())
		flash := device.NewMemoryFlash(geometry)
		p, err := device.New(geometry, flash, device.NewMemoryKeyStore(protocol.DefaultKey))
		Expect(err).ToNot(HaveOccurred())

		page := randomPage(geometry)
		msg, err := protocol.NewProgramPage(newSuite(protocol.DefaultKey), geometry, 0x10000, page)
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Address).To(Equal(uint16(0x100)))
		Expect(p.HandleSetReport(msg.Encode(geometry))).To(Succeed())
		Expect(flash.Snapshot()[0x10000 : 0x10000+geometry.PageSize]).To(Equal(page))
	})
})
