package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/secureloader/secureloader/internal/log"
	"github.com/secureloader/secureloader/pkg/cli"
	"github.com/secureloader/secureloader/pkg/firmware"
	"github.com/secureloader/secureloader/pkg/loader"
	"github.com/secureloader/secureloader/pkg/protocol"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrRequiresDevice  = errors.New("command requires a device (use -endpoint or -simulate)")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrInvalidAddress  = errors.New("invalid address")
)

type Argument struct {
	name string
	help string
}

// session carries state shared by the commands of one invocation or interactive shell.
type session struct {
	config   *cli.Config
	loader   *loader.Loader
	key      protocol.Key
	keepKey  bool
	noReboot bool
	base     uint32
	out      io.Writer
}

type Handler func(ctx context.Context, s *session, args map[string]string) error

type Command struct {
	help           string
	requiresDevice bool
	args           []Argument
	optional       []Argument
	handler        Handler
}

// ParseAddress parses a flash byte address in decimal, or in hex with a 0x prefix.
func ParseAddress(s string) (uint32, error) {
	addr, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAddress, s)
	}
	return uint32(addr), nil
}

// configureFlags verifies that c contains all the information required to execute a command.
func configureFlags(c *cli.Config, commandName string) error {
	info, ok := commands[commandName]
	if !ok {
		return ErrUnknownCommand
	}
	c.Flags = cli.FlagKey
	if info.requiresDevice {
		c.Flags |= cli.FlagDevice | cli.FlagCache
		if c.Endpoint == "" && !c.Simulate {
			return ErrRequiresDevice
		}
	}
	return nil
}

func execute(ctx context.Context, s *session, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}
	if info.requiresDevice && s.loader == nil {
		return ErrRequiresDevice
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, s, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func commandNames() []string {
	var names []string
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// loadImage reads a binary or sealed image. The version is nil for binary images.
func (s *session) loadImage(filename string) (*firmware.Image, *firmware.Version, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, err
	}
	if !firmware.IsSealed(data) {
		img, err := firmware.LoadBinary(bytes.NewReader(data), s.base)
		return img, nil, err
	}
	suite, err := protocol.NewSuite(s.key, s.config.KeyMode())
	if err != nil {
		return nil, nil, err
	}
	defer suite.Wipe()
	img, version, err := firmware.Open(suite, data)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Opened sealed image version %s", version)
	return img, &version, nil
}

var commands = map[string]*Command{
	"flash": &Command{
		help:           "Write IMAGE to the device, verify it and start it",
		requiresDevice: true,
		args: []Argument{
			Argument{name: "IMAGE", help: "binary or sealed firmware image"},
		},
		optional: []Argument{
			Argument{name: "NEW_KEY_FILE", help: "key installed for the update (restored afterwards unless -keep-key is set)"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			img, version, err := s.loadImage(args["IMAGE"])
			if err != nil {
				return fmt.Errorf("failed to load image: %w", err)
			}
			plan := &loader.Plan{Key: s.key, Image: img, Start: !s.noReboot}
			if filename, ok := args["NEW_KEY_FILE"]; ok {
				newKey, err := protocol.LoadKey(filename)
				if err != nil {
					return err
				}
				plan.NewKey = &newKey
				plan.RestoreKey = !s.keepKey
			}
			if version != nil {
				versions, err := s.config.VersionCache()
				if err != nil {
					return err
				}
				if versions != nil {
					plan.Versions = versions
					plan.Device = s.loader.Name()
					plan.Version = *version
				}
			}
			if err := s.loader.Update(ctx, plan); err != nil {
				return err
			}
			if plan.Versions != nil {
				s.config.UpdateVersionCache()
			}
			if plan.NewKey != nil && !plan.RestoreKey {
				s.key = *plan.NewKey
			}
			fmt.Fprintf(s.out, "Flashed %d bytes (%.1f%% of application flash)\n", img.Size(), 100*img.Usage(s.loader.Geometry()))
			return nil
		},
	},
	"verify": &Command{
		help:           "Compare the device's flash with IMAGE",
		requiresDevice: true,
		args: []Argument{
			Argument{name: "IMAGE", help: "binary or sealed firmware image"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			img, _, err := s.loadImage(args["IMAGE"])
			if err != nil {
				return fmt.Errorf("failed to load image: %w", err)
			}
			pages := img.Pages(s.loader.Geometry())
			if err := s.loader.VerifyAllPages(ctx, img, pages); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Verified %d pages\n", len(pages))
			return nil
		},
	},
	"authenticate": &Command{
		help:           "Check that the device holds the configured key",
		requiresDevice: true,
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			if err := s.loader.Authenticate(ctx, s.key); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Device authenticated")
			return nil
		},
	},
	"change-key": &Command{
		help:           "Replace the device key with the key in NEW_KEY_FILE",
		requiresDevice: true,
		args: []Argument{
			Argument{name: "NEW_KEY_FILE", help: "file containing the new key"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			newKey, err := protocol.LoadKey(args["NEW_KEY_FILE"])
			if err != nil {
				return err
			}
			if err := s.loader.Authenticate(ctx, s.key); err != nil {
				return err
			}
			if err := s.loader.ChangeKey(ctx, s.key, newKey); err != nil {
				return err
			}
			if err := s.loader.Authenticate(ctx, newKey); err != nil {
				return fmt.Errorf("new key not accepted: %w", err)
			}
			s.key = newKey
			fmt.Fprintf(s.out, "Device key replaced; later commands in this session use %s\n", args["NEW_KEY_FILE"])
			return nil
		},
	},
	"boot": &Command{
		help:           "Leave the bootloader and start the application",
		requiresDevice: true,
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			return s.loader.StartApplication(ctx)
		},
	},
	"read-page": &Command{
		help:           "Print the flash page at ADDRESS",
		requiresDevice: true,
		args: []Argument{
			Argument{name: "ADDRESS", help: "byte address of the page (e.g., 0x1f80)"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			addr, err := ParseAddress(args["ADDRESS"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			page, err := s.loader.ReadPage(ctx, addr)
			if err != nil {
				return err
			}
			dumper := hex.Dumper(s.out)
			defer dumper.Close()
			_, err = dumper.Write(page)
			return err
		},
	},
	"seal": &Command{
		help:           "Encrypt and authenticate binary IMAGE as sealed image OUT with VERSION",
		requiresDevice: false,
		args: []Argument{
			Argument{name: "IMAGE", help: "binary firmware image"},
			Argument{name: "OUT", help: "output file"},
			Argument{name: "VERSION", help: "decimal version number or 32 hex digits"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			version, err := firmware.ParseVersion(args["VERSION"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			img, sealedVersion, err := s.loadImage(args["IMAGE"])
			if err != nil {
				return fmt.Errorf("failed to load image: %w", err)
			}
			if sealedVersion != nil {
				return fmt.Errorf("%s is already sealed", args["IMAGE"])
			}
			suite, err := protocol.NewSuite(s.key, s.config.KeyMode())
			if err != nil {
				return err
			}
			defer suite.Wipe()
			sealed, err := firmware.Seal(suite, img, version, rand.Reader)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args["OUT"], sealed, 0644); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Sealed %s as version %s\n", img, version)
			return nil
		},
	},
}
