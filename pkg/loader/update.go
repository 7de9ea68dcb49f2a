package loader

import (
	"context"
	"fmt"

	"github.com/secureloader/secureloader/internal/log"
	"github.com/secureloader/secureloader/pkg/cache"
	"github.com/secureloader/secureloader/pkg/firmware"
	"github.com/secureloader/secureloader/pkg/protocol"
)

// ErrRollback indicates the image is older than the one previously installed on the device.
var ErrRollback = cache.ErrRollback

// Plan describes one update.
type Plan struct {
	// Key is the key the device currently holds.
	Key protocol.Key
	// NewKey, when set, is installed before the image is written and used to program it.
	NewKey *protocol.Key
	// RestoreKey reinstalls Key once the image is verified.
	RestoreKey bool
	Image      *firmware.Image
	// Start asks the bootloader to start the application after a successful update.
	Start bool

	// Versions, when set, rejects images older than the one last installed on Device and
	// records Version after the image is verified.
	Versions *cache.VersionCache
	Device   string
	Version  firmware.Version
}

// Update runs the whole update sequence. Any failed step aborts it.
func (l *Loader) Update(ctx context.Context, plan *Plan) error {
	if plan.Image == nil {
		return fmt.Errorf("no image to write")
	}
	if plan.Versions != nil {
		if err := plan.Versions.Check(plan.Device, plan.Version); err != nil {
			return err
		}
	}

	if err := l.Authenticate(ctx, plan.Key); err != nil {
		return err
	}
	key := plan.Key
	if plan.NewKey != nil {
		if err := l.ChangeKey(ctx, plan.Key, *plan.NewKey); err != nil {
			return err
		}
		key = *plan.NewKey
		if err := l.Authenticate(ctx, key); err != nil {
			return fmt.Errorf("new key not accepted: %w", err)
		}
	}

	pages, err := l.WriteAllPages(ctx, key, plan.Image)
	if err != nil {
		return err
	}
	if err := l.VerifyAllPages(ctx, plan.Image, pages); err != nil {
		return err
	}
	if plan.Versions != nil {
		if err := plan.Versions.Update(plan.Device, plan.Version); err != nil {
			return err
		}
	}

	if plan.NewKey != nil && plan.RestoreKey {
		if err := l.ChangeKey(ctx, key, plan.Key); err != nil {
			return err
		}
		if err := l.Authenticate(ctx, plan.Key); err != nil {
			return fmt.Errorf("original key not restored: %w", err)
		}
	}

	if plan.Start {
		log.Info("Starting application")
		return l.StartApplication(ctx)
	}
	return nil
}
