package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/secureloader/secureloader/pkg/firmware"
)

// ErrRollback indicates an attempt to install a firmware version older than one already
// installed on the same device.
var ErrRollback = errors.New("firmware version is older than the installed version")

// Entry records the last sealed image flashed onto a device.
type Entry struct {
	Version   firmware.Version `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type VersionCache struct {
	MaxEntries int              `json:"max_entries"`
	Devices    map[string]Entry `json:"devices"`
	lock       sync.Mutex
	now        func() time.Time
}

// New returns a VersionCache that holds versions for up to maxEntries devices. When the cache is
// full, the device updated least recently is evicted.
//
// Set maxEntries to zero for an unbounded cache.
func New(maxEntries int) *VersionCache {
	return &VersionCache{
		MaxEntries: maxEntries,
		Devices:    make(map[string]Entry),
	}
}

// Import a VersionCache using data in r.
// The data should previously have been generated using [VersionCache.Export].
func Import(r io.Reader) (*VersionCache, error) {
	var cache VersionCache
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&cache); err != nil {
		return nil, err
	}
	if cache.Devices == nil {
		cache.Devices = make(map[string]Entry)
	}
	return &cache, nil
}

// ImportFromFile reads a VersionCache from disk.
func ImportFromFile(filename string) (*VersionCache, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Import(file)
}

// Export writes a serialized VersionCache to w.
func (c *VersionCache) Export(w io.Writer) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return json.NewEncoder(w).Encode(c)
}

// ExportToFile writes a VersionCache to disk.
func (c *VersionCache) ExportToFile(filename string) error {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	return c.Export(file)
}

func (c *VersionCache) timestamp() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Check returns ErrRollback if version is lower than the version recorded for device.
// Reinstalling the recorded version is allowed.
func (c *VersionCache) Check(device string, version firmware.Version) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.Devices[device]
	if ok && version.Compare(entry.Version) < 0 {
		return fmt.Errorf("%w: %s has %s, image is %s", ErrRollback, device, entry.Version, version)
	}
	return nil
}

// Update records that device now runs version.
func (c *VersionCache) Update(device string, version firmware.Version) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.Devices[device] = Entry{Version: version, UpdatedAt: c.timestamp()}
	if c.MaxEntries > 0 && len(c.Devices) > c.MaxEntries {
		oldest := device
		oldestUpdate := c.Devices[device].UpdatedAt
		for name, entry := range c.Devices {
			if entry.UpdatedAt.Before(oldestUpdate) {
				oldest = name
				oldestUpdate = entry.UpdatedAt
			}
		}
		delete(c.Devices, oldest)
	}
	return nil
}

// GetEntry returns the version recorded for device.
func (c *VersionCache) GetEntry(device string) (Entry, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.Devices[device]
	return entry, ok
}
