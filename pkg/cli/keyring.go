package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/secureloader/secureloader/pkg/protocol"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName = "org.secureloader"
	keyringKeyService  = "bootloaderKey"
	keyringDirectory   = "~/.secureloader_keys"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

func (c *Config) getPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}

	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("no terminal output available for password prompt")
		} else {
			w = os.Stderr
		}
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	password := string(b)
	c.password = &password
	return password, nil
}

// SetPassword sets the password used to unlock file-backed keyrings.
func (c *Config) SetPassword(password string) {
	c.password = &password
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	if c.Debug {
		keyring.Debug = true
	}
	return keyring.Open(c.Backend)
}

func (c *Config) fullKeyName() string {
	return keyringKeyService + "." + c.KeyringKeyName
}

// LoadKeyFromKeyring reads a bootloader key from the system keyring.
//
// The name in c.KeyringKeyName is an arbitrary string that identifies the key.
func (c *Config) LoadKeyFromKeyring() (protocol.Key, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return protocol.Key{}, err
	}
	item, err := kr.Get(c.fullKeyName())
	if err != nil {
		return protocol.Key{}, fmt.Errorf("could not load key: %w", err)
	}
	if len(item.Data) != len(protocol.Key{}) {
		return protocol.Key{}, fmt.Errorf("%w: keyring entry holds %d bytes", protocol.ErrInvalidKey, len(item.Data))
	}
	return protocol.Key(item.Data), nil
}

func (c *Config) saveKeyToKeyring(key protocol.Key) error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	if err := kr.Set(keyring.Item{
		Key:         c.fullKeyName(),
		Data:        key[:],
		Label:       "SecureLoader bootloader key " + c.KeyringKeyName,
		Description: "bootloader key",
	}); err != nil {
		return fmt.Errorf("failed to enroll key in keyring: %s", err)
	}
	return nil
}

// DeleteKey removes the bootloader key from the system keyring.
func (c *Config) DeleteKey() error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(c.fullKeyName())
}
