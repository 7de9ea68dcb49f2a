/*
Package cli facilitates building command-line applications that update bootloaders. It defines a
[Config] type that can be used to register common command-line flags (using the Golang flag
package) and environment variable equivalents.

The package uses [keyring]'s platform-agnostic interface for storing bootloader keys in an
OS-dependent credential store.

# Examples

	import flag

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for keys, device profiles, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	config.LoadCredentials()          // Prompt for Keyring password if needed

	// The connection might reach an emulator over HTTP or a simulated device in this process.
	l, err := config.Connect(ctx)
	if err != nil {
		panic(err)
	}
	defer l.Close()

Alternatively, you can use a [Flag] mask to control what [Config] fields are populated. Note that in
the examples below, config.Flags must be set before calling [flag.Parse] or
[Config.ReadFromEnvironment]:

	config, err = NewConfig(FlagKey)                // Key management only, no device options.
	config, err = NewConfig(FlagDevice | FlagKey)   // Update devices without an anti-rollback cache.
*/
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/secureloader/secureloader/internal/log"
	"github.com/secureloader/secureloader/pkg/cache"
	"github.com/secureloader/secureloader/pkg/connector"
	"github.com/secureloader/secureloader/pkg/connector/inet"
	"github.com/secureloader/secureloader/pkg/connector/sim"
	"github.com/secureloader/secureloader/pkg/device"
	"github.com/secureloader/secureloader/pkg/loader"
	"github.com/secureloader/secureloader/pkg/protocol"

	"github.com/99designs/keyring"
)

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvKeyName      = "SECURELOADER_KEY_NAME"
	EnvKeyFile      = "SECURELOADER_KEY_FILE"
	EnvProfile      = "SECURELOADER_PROFILE"
	EnvEndpoint     = "SECURELOADER_ENDPOINT"
	EnvCacheFile    = "SECURELOADER_CACHE_FILE"
	EnvKeyringType  = "SECURELOADER_KEYRING_TYPE"
	EnvKeyringPass  = "SECURELOADER_KEYRING_PASSWORD"
	EnvKeyringPath  = "SECURELOADER_KEYRING_PATH"
	EnvKeyringDebug = "SECURELOADER_KEYRING_DEBUG"
	EnvVerbose      = "SECURELOADER_VERBOSE"
)

// SimulatorName is the device name reported by connections to the in-process simulator.
const SimulatorName = "simulator"

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagKey    Flag = 1 // Enable key options.
	FlagDevice Flag = 2 // Enable device profile and transport options.
	FlagCache  Flag = 4 // Enable the anti-rollback cache. Requires FlagDevice.
	FlagAll    Flag = FlagKey | FlagDevice | FlagCache
)

var (
	ErrNoKeySpecified    = errors.New("key location not provided")
	ErrNoDeviceSpecified = errors.New("no device specified (provide an endpoint or use the simulator)")
	ErrKeyNotFound       = keyring.ErrKeyNotFound
)

// Config fields determine how a client reaches and authenticates to a bootloader.
type Config struct {
	Flags          Flag   // Controls which set of environment variables/CLI flags to use.
	KeyringKeyName string // Username for the bootloader key in system keyring
	KeyFilename    string
	CacheFilename  string
	// Profile is either the name of a built-in profile or a YAML profile file.
	Profile     string
	Endpoint    string // Emulator URL
	Simulate    bool   // Use a simulated device holding the default key
	LegacyKeys  bool   // Use the same key for encryption and authentication
	Verbose     bool
	Backend     keyring.Config
	BackendType backendType
	Debug       bool // Enable keyring debug messages

	password *string
	key      *protocol.Key
	versions *cache.VersionCache
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

// RegisterCommandLineFlags adds the options enabled by c.Flags to the default flag set.
func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags adds the options enabled by c.Flags to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	if c.Flags.isSet(FlagKey) {
		fs.StringVar(&c.KeyringKeyName, "key-name", "", "System keyring `name` for bootloader key. Defaults to $SECURELOADER_KEY_NAME.")
		fs.StringVar(&c.KeyFilename, "key-file", "", "A `file` containing the bootloader key. Defaults to $SECURELOADER_KEY_FILE.")

		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $SECURELOADER_KEYRING_TYPE.")
		fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
	if c.Flags.isSet(FlagDevice) {
		fs.StringVar(&c.Profile, "profile", "", "Device profile `name` ("+strings.Join(protocol.ProfileNames(), "|")+") or YAML profile file. Defaults to $SECURELOADER_PROFILE.")
		fs.StringVar(&c.Endpoint, "endpoint", "", "Emulator `URL`. Defaults to $SECURELOADER_ENDPOINT.")
		fs.BoolVar(&c.Simulate, "simulate", false, "Talk to a simulated device in this process")
		fs.BoolVar(&c.LegacyKeys, "legacy-keys", false, "Use the bootloader key for both encryption and authentication")
	}
	if c.Flags.isSet(FlagCache) {
		fs.StringVar(&c.CacheFilename, "version-cache", "", "Load anti-rollback cache from `file`. Defaults to $SECURELOADER_CACHE_FILE.")
	}
}

// LoadCredentials attempts to open a keyring, prompting for a password if not needed. Call this
// method before [Config.Connect] to prevent interactive prompts from counting against timeouts.
func (c *Config) LoadCredentials() error {
	if c.Flags.isSet(FlagKey) {
		if _, err := c.Key(); err != nil {
			return err
		}
	}
	return nil
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	if !c.Verbose {
		_, c.Verbose = os.LookupEnv(EnvVerbose)
	}
	if c.Flags.isSet(FlagDevice) {
		if c.Profile == "" {
			c.Profile = os.Getenv(EnvProfile)
			log.Debug("Set profile to '%s'", c.Profile)
		}
		if c.Endpoint == "" && !c.Simulate {
			c.Endpoint = os.Getenv(EnvEndpoint)
			log.Debug("Set endpoint to '%s'", c.Endpoint)
		}
	}
	if c.Flags.isSet(FlagCache) {
		if c.CacheFilename == "" {
			c.CacheFilename = os.Getenv(EnvCacheFile)
			log.Debug("Set version cache file to '%s'", c.CacheFilename)
		}
	}
	if c.Flags.isSet(FlagKey) {
		if c.KeyringKeyName == "" && c.KeyFilename == "" {
			c.KeyringKeyName = os.Getenv(EnvKeyName)
			log.Debug("Set key name to '%s'", c.KeyringKeyName)

			c.KeyFilename = os.Getenv(EnvKeyFile)
			log.Debug("Set key file to '%s'", c.KeyFilename)
		}
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
}

// KeyMode returns the key derivation selected by c.
func (c *Config) KeyMode() protocol.KeyMode {
	if c.LegacyKeys {
		return protocol.KeyModeShared
	}
	return protocol.KeyModeSeparated
}

// Geometry returns the device geometry selected by c.Profile. Values ending in .yaml or .yml, or
// containing a path separator, are read as profile files.
func (c *Config) Geometry() (*protocol.Geometry, error) {
	profile := c.Profile
	if profile == "" {
		profile = protocol.DefaultProfile
	}
	ext := strings.ToLower(filepath.Ext(profile))
	if ext == ".yaml" || ext == ".yml" || strings.ContainsRune(profile, filepath.Separator) {
		log.Debug("Loading device profile from %s", profile)
		return protocol.LoadGeometry(profile)
	}
	return protocol.LookupProfile(profile)
}

// Key loads the bootloader key from the location specified in c.
//
// The key is cached after it is first loaded, and subsequent calls will always return the same
// key. If c does not specify a key location, ErrNoKeySpecified is returned.
func (c *Config) Key() (key protocol.Key, err error) {
	if c.key != nil {
		return *c.key, nil
	}
	if !c.Flags.isSet(FlagKey) {
		log.Debug("Skipping key loading because FlagKey is not set")
		return key, ErrNoKeySpecified
	}
	if c.KeyFilename == "" && c.KeyringKeyName == "" {
		return key, ErrNoKeySpecified
	}
	loaded := false
	if c.KeyFilename != "" {
		key, err = protocol.LoadKey(c.KeyFilename)
		loaded = err == nil
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return key, err
		}
	}
	if !loaded && c.KeyringKeyName != "" {
		key, err = c.LoadKeyFromKeyring()
		loaded = err == nil
	}
	if !loaded {
		return key, err
	}
	c.key = &key
	return key, nil
}

// SaveKey writes key to the system keyring or file, depending on what options are configured. The
// method prefers the keyring if both options are available.
func (c *Config) SaveKey(key protocol.Key) error {
	if c.KeyringKeyName != "" {
		return c.saveKeyToKeyring(key)
	}
	if c.KeyFilename != "" {
		return protocol.SaveKey(key, c.KeyFilename)
	}
	return ErrNoKeySpecified
}

// VersionCache returns the anti-rollback cache named by c.CacheFilename, or nil if none is
// configured. A missing file yields an empty cache.
func (c *Config) VersionCache() (*cache.VersionCache, error) {
	if c.versions != nil || c.CacheFilename == "" || !c.Flags.isSet(FlagCache) {
		return c.versions, nil
	}
	log.Debug("Loading version cache from %s...", c.CacheFilename)
	versions, err := cache.ImportFromFile(c.CacheFilename)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load version cache: %s", err)
		}
		// Create a new cache if one couldn't be loaded from the file
		versions = cache.New(0)
	}
	c.versions = versions
	return versions, nil
}

// UpdateVersionCache writes the anti-rollback cache back to c.CacheFilename.
//
// If c.CacheFilename is not set or the cache was never loaded, then this method does nothing.
func (c *Config) UpdateVersionCache() {
	if c.CacheFilename != "" && c.versions != nil {
		if err := c.versions.ExportToFile(c.CacheFilename); err != nil {
			log.Error("Error updating cache: %s", err)
		}
	}
}

// Connect returns a Loader for the configured device.
//
// If c.Endpoint is set, the device is reached through an emulator over HTTP; otherwise c.Simulate
// must be set and the device is simulated in this process. The connection is checked against the
// selected profile when the device can describe itself.
func (c *Config) Connect(ctx context.Context, options ...loader.Option) (*loader.Loader, error) {
	geometry, err := c.Geometry()
	if err != nil {
		return nil, err
	}

	var conn connector.Connector
	switch {
	case c.Endpoint != "":
		log.Debug("Connecting to emulator at %s...", c.Endpoint)
		conn = inet.NewConnection(c.Endpoint)
	case c.Simulate:
		log.Debug("Starting simulated %s", geometry)
		conn, err = c.simulator(geometry)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoDeviceSpecified
	}

	if provider, ok := conn.(connector.InfoProvider); ok {
		info, err := provider.Info(ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to query device: %w", err)
		}
		reported := info.Geometry
		reported.Name = geometry.Name
		if reported != *geometry {
			conn.Close()
			return nil, fmt.Errorf("%w: device is %s, profile is %s", protocol.ErrInvalidGeometry, &info.Geometry, geometry)
		}
		if !info.Running {
			log.Warning("Device %s has left bootloader mode", conn.Name())
		}
	}

	options = append([]loader.Option{loader.WithKeyMode(c.KeyMode())}, options...)
	l, err := loader.New(conn, geometry, options...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

func (c *Config) simulator(geometry *protocol.Geometry) (connector.Connector, error) {
	flash := device.NewMemoryFlash(geometry)
	keys := device.NewFlashKeyStore(flash, geometry, protocol.DefaultKey)
	p, err := device.New(geometry, flash, keys, device.WithKeyMode(c.KeyMode()))
	if err != nil {
		return nil, err
	}
	return sim.NewConnection(SimulatorName, p), nil
}
