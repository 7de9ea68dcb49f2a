package loader_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/secureloader/secureloader/mocks"
	"github.com/secureloader/secureloader/pkg/cache"
	"github.com/secureloader/secureloader/pkg/connector/sim"
	"github.com/secureloader/secureloader/pkg/device"
	"github.com/secureloader/secureloader/pkg/firmware"
	"github.com/secureloader/secureloader/pkg/loader"
	"github.com/secureloader/secureloader/pkg/protocol"
)

func randomKey() protocol.Key {
	var key protocol.Key
	_, err := rand.Read(key[:])
	Expect(err).ToNot(HaveOccurred())
	return key
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	Expect(err).ToNot(HaveOccurred())
	return buf
}

var _ = Describe("Loader", func() {
	var (
		ctx      context.Context
		geometry *protocol.Geometry
		flash    *device.MemoryFlash
		keys     *device.FlashKeyStore
		p        *device.Processor
		l        *loader.Loader
		img      *firmware.Image
		events   []loader.Event
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		geometry, err = protocol.LookupProfile(protocol.DefaultProfile)
		Expect(err).ToNot(HaveOccurred())
		flash = device.NewMemoryFlash(geometry)
		keys = device.NewFlashKeyStore(flash, geometry, protocol.DefaultKey)
		p, err = device.New(geometry, flash, keys)
		Expect(err).ToNot(HaveOccurred())
		events = nil
		l, err = loader.New(sim.NewConnection("test", p), geometry, loader.WithProgress(func(e loader.Event) {
			events = append(events, e)
		}))
		Expect(err).ToNot(HaveOccurred())

		img = firmware.New()
		img.Set(0x10, randomBytes(100))
		img.Set(3*geometry.PageSize+7, randomBytes(int(geometry.PageSize)))
	})

	flashPage := func(addr uint32) []byte {
		page, err := flash.ReadPage(addr)
		Expect(err).ToNot(HaveOccurred())
		return page
	}

	expectImageFlashed := func() {
		for _, addr := range img.Pages(geometry) {
			Expect(flashPage(addr)).To(Equal(img.Page(addr, geometry.PageSize)))
		}
	}

	It("updates a device holding the default key", func() {
		Expect(l.Update(ctx, &loader.Plan{Key: protocol.DefaultKey, Image: img, Start: true})).To(Succeed())
		expectImageFlashed()
		Expect(p.Running()).To(BeFalse())
	})

	It("reports progress", func() {
		Expect(l.Update(ctx, &loader.Plan{Key: protocol.DefaultKey, Image: img})).To(Succeed())
		var kinds []loader.EventKind
		for _, e := range events {
			kinds = append(kinds, e.Kind)
		}
		Expect(kinds).To(Equal([]loader.EventKind{
			loader.EventAuthenticated,
			loader.EventPageWritten, loader.EventPageWritten, loader.EventPageWritten,
			loader.EventPageVerified, loader.EventPageVerified, loader.EventPageVerified,
		}))
		Expect(events[3].Address).To(Equal(4 * geometry.PageSize))
		Expect(events[3].Index).To(Equal(2))
		Expect(events[3].Total).To(Equal(3))
		Expect(p.Running()).To(BeTrue())
	})

	It("installs a new key", func() {
		newKey := randomKey()
		Expect(l.Update(ctx, &loader.Plan{Key: protocol.DefaultKey, NewKey: &newKey, Image: img})).To(Succeed())
		expectImageFlashed()
		stored, err := keys.LoadKey()
		Expect(err).ToNot(HaveOccurred())
		Expect(stored).To(Equal(newKey))
		Expect(l.Authenticate(ctx, protocol.DefaultKey)).To(MatchError(protocol.ErrStalled))
	})

	It("restores the original key", func() {
		newKey := randomKey()
		plan := &loader.Plan{Key: protocol.DefaultKey, NewKey: &newKey, RestoreKey: true, Image: img}
		Expect(l.Update(ctx, plan)).To(Succeed())
		expectImageFlashed()
		stored, err := keys.LoadKey()
		Expect(err).ToNot(HaveOccurred())
		Expect(stored).To(Equal(protocol.DefaultKey))
	})

	It("aborts before writing when the key is wrong", func() {
		before := flash.Snapshot()
		err := l.Update(ctx, &loader.Plan{Key: randomKey(), Image: img})
		Expect(err).To(MatchError(protocol.ErrStalled))
		Expect(flash.Snapshot()).To(Equal(before))
	})

	It("reads pages", func() {
		Expect(l.Update(ctx, &loader.Plan{Key: protocol.DefaultKey, Image: img})).To(Succeed())
		page, err := l.ReadPage(ctx, 3*geometry.PageSize)
		Expect(err).ToNot(HaveOccurred())
		Expect(page).To(Equal(img.Page(3*geometry.PageSize, geometry.PageSize)))
	})

	It("refuses to read the bootloader", func() {
		_, err := l.ReadPage(ctx, geometry.BootloaderStart())
		Expect(err).To(MatchError(protocol.ErrStalled))
	})

	It("uses legacy keys", func() {
		p, err := device.New(geometry, flash, keys, device.WithKeyMode(protocol.KeyModeShared))
		Expect(err).ToNot(HaveOccurred())
		legacy, err := loader.New(sim.NewConnection("legacy", p), geometry, loader.WithKeyMode(protocol.KeyModeShared))
		Expect(err).ToNot(HaveOccurred())
		Expect(legacy.Authenticate(ctx, protocol.DefaultKey)).To(Succeed())
		Expect(l.Authenticate(ctx, protocol.DefaultKey)).To(Succeed())

		mismatched, err := loader.New(sim.NewConnection("mismatched", p), geometry)
		Expect(err).ToNot(HaveOccurred())
		Expect(mismatched.Authenticate(ctx, protocol.DefaultKey)).To(MatchError(protocol.ErrStalled))
	})

	Context("with a version cache", func() {
		var versions *cache.VersionCache

		BeforeEach(func() {
			versions = cache.New(0)
			Expect(versions.Update("test", firmware.VersionFromUint64(5))).To(Succeed())
		})

		It("rejects older images", func() {
			before := flash.Snapshot()
			plan := &loader.Plan{
				Key:      protocol.DefaultKey,
				Image:    img,
				Versions: versions,
				Device:   "test",
				Version:  firmware.VersionFromUint64(4),
			}
			Expect(l.Update(ctx, plan)).To(MatchError(loader.ErrRollback))
			Expect(flash.Snapshot()).To(Equal(before))
			Expect(events).To(BeEmpty())
		})

		It("records newer images", func() {
			plan := &loader.Plan{
				Key:      protocol.DefaultKey,
				Image:    img,
				Versions: versions,
				Device:   "test",
				Version:  firmware.VersionFromUint64(6),
			}
			Expect(l.Update(ctx, plan)).To(Succeed())
			entry, ok := versions.GetEntry("test")
			Expect(ok).To(BeTrue())
			Expect(entry.Version).To(Equal(firmware.VersionFromUint64(6)))
		})
	})
})

var _ = Describe("Loader with a failing transport", func() {
	var (
		ctx      context.Context
		ctrl     *gomock.Controller
		conn     *mocks.Connector
		geometry *protocol.Geometry
		img      *firmware.Image
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		ctrl = gomock.NewController(GinkgoT())
		conn = mocks.NewConnector(ctrl)
		geometry, err = protocol.LookupProfile(protocol.DefaultProfile)
		Expect(err).ToNot(HaveOccurred())
		img = firmware.New()
		img.Set(0, randomBytes(int(geometry.PageSize)))
	})

	It("detects a device that returns the wrong challenge", func() {
		challenge := randomBytes(protocol.ChallengeSize)
		l, err := loader.New(conn, geometry, loader.WithRand(bytes.NewReader(challenge)))
		Expect(err).ToNot(HaveOccurred())

		conn.EXPECT().Send(gomock.Any(), gomock.Len(protocol.AuthenticateSize)).Return(nil)
		wrong := append([]byte(nil), challenge...)
		wrong[0] ^= 1
		conn.EXPECT().Receive(gomock.Any(), protocol.ChallengeSize).Return(wrong, nil)
		Expect(l.Authenticate(ctx, protocol.DefaultKey)).To(MatchError(loader.ErrAuthenticationMismatch))
	})

	It("detects pages that were not written", func() {
		l, err := loader.New(conn, geometry)
		Expect(err).ToNot(HaveOccurred())

		conn.EXPECT().Send(gomock.Any(), []byte{0, 0}).Return(nil)
		reply := protocol.PageReply{Address: 0, Page: bytes.Repeat([]byte{0xff}, int(geometry.PageSize))}
		conn.EXPECT().Receive(gomock.Any(), geometry.PageReplySize()).Return(reply.Encode(), nil)
		Expect(l.VerifyAllPages(ctx, img, []uint32{0})).To(MatchError(loader.ErrVerifyMismatch))
	})

	It("rejects replies for a different page", func() {
		l, err := loader.New(conn, geometry)
		Expect(err).ToNot(HaveOccurred())

		conn.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)
		reply := protocol.PageReply{Address: 1, Page: img.Page(0, geometry.PageSize)}
		conn.EXPECT().Receive(gomock.Any(), gomock.Any()).Return(reply.Encode(), nil)
		_, err = l.ReadPage(ctx, 0)
		Expect(err).To(MatchError(protocol.ErrBadResponse))
	})

	It("stops writing after a failed page", func() {
		img.Set(geometry.PageSize, randomBytes(10))
		l, err := loader.New(conn, geometry)
		Expect(err).ToNot(HaveOccurred())

		conn.EXPECT().Send(gomock.Any(), gomock.Len(geometry.ProgramPageSize())).Return(protocol.ErrTimeout)
		_, err = l.WriteAllPages(ctx, protocol.DefaultKey, img)
		Expect(err).To(MatchError(protocol.ErrTimeout))
		Expect(protocol.MayHaveSucceeded(err)).To(BeTrue())
	})

	It("does not retry by default", func() {
		l, err := loader.New(conn, geometry)
		Expect(err).ToNot(HaveOccurred())

		conn.EXPECT().Send(gomock.Any(), gomock.Any()).Return(protocol.ErrBusy)
		Expect(l.StartApplication(ctx)).To(MatchError(protocol.ErrBusy))
	})

	It("retries commands refused by a busy device", func() {
		var events []loader.Event
		l, err := loader.New(conn, geometry,
			loader.WithRetryInterval(time.Millisecond),
			loader.WithProgress(func(e loader.Event) { events = append(events, e) }))
		Expect(err).ToNot(HaveOccurred())

		sentinel := []byte{0xff, 0xff}
		gomock.InOrder(
			conn.EXPECT().Send(gomock.Any(), sentinel).Return(protocol.ErrBusy),
			conn.EXPECT().Send(gomock.Any(), sentinel).Return(protocol.ErrNotConnected),
			conn.EXPECT().Send(gomock.Any(), sentinel).Return(nil),
		)
		Expect(l.StartApplication(ctx)).To(Succeed())
		Expect(events).To(Equal([]loader.Event{{Kind: loader.EventBooting}}))
	})

	It("never retries commands that may have executed", func() {
		l, err := loader.New(conn, geometry, loader.WithRetryInterval(time.Millisecond))
		Expect(err).ToNot(HaveOccurred())

		conn.EXPECT().Send(gomock.Any(), gomock.Len(protocol.ChangeKeySize)).Return(protocol.ErrTimeout)
		Expect(l.ChangeKey(ctx, protocol.DefaultKey, randomKey())).To(MatchError(protocol.ErrTimeout))
	})

	It("gives up retrying when the context expires", func() {
		l, err := loader.New(conn, geometry, loader.WithRetryInterval(time.Hour))
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithCancel(ctx)
		conn.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, []byte) error {
			cancel()
			return protocol.ErrBusy
		})
		Expect(l.StartApplication(ctx)).To(MatchError(context.Canceled))
	})

	It("rejects invalid geometry", func() {
		g := *geometry
		g.PageSize = 100
		_, err := loader.New(conn, &g)
		Expect(err).To(MatchError(protocol.ErrInvalidGeometry))
	})
})
