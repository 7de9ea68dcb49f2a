package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/secureloader/secureloader/internal/log"
	"github.com/secureloader/secureloader/pkg/cli"
	"github.com/secureloader/secureloader/pkg/device"
	"github.com/secureloader/secureloader/pkg/emulator"
	"github.com/secureloader/secureloader/pkg/protocol"
)

const defaultPort = 8080

const (
	EnvHost      = "SECURELOADER_EMULATOR_HOST"
	EnvPort      = "SECURELOADER_EMULATOR_PORT"
	EnvFlashFile = "SECURELOADER_EMULATOR_FLASH_FILE"
	EnvVerbose   = "SECURELOADER_VERBOSE"
)

const nonLocalhostWarning = `
Do not listen on a network interface other than localhost. The emulator serves flash contents to
anyone who can reach it and accepts commands signed with its key.`

type EmulatorConfig struct {
	name          string
	flashFilename string
	verbose       bool
	host          string
	port          int
	failureRate   float64
	failureBurst  int
}

var (
	emulatorConfig = &EmulatorConfig{}
)

func init() {
	flag.StringVar(&emulatorConfig.name, "name", "emulator", "Device `name` reported to clients")
	flag.StringVar(&emulatorConfig.flashFilename, "flash-file", "", "Load flash contents from and save them to `file`")
	flag.BoolVar(&emulatorConfig.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&emulatorConfig.host, "host", "localhost", "Emulator server `hostname`")
	flag.IntVar(&emulatorConfig.port, "port", defaultPort, "`Port` to listen on")
	flag.Float64Var(&emulatorConfig.failureRate, "failure-rate", 0, "Authentication failures tolerated per second (0 disables throttling)")
	flag.IntVar(&emulatorConfig.failureBurst, "failure-burst", 5, "Authentication failures tolerated in a burst when throttling")
}

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintf(out, "\nA server that emulates a bootloader for testing firmware updates")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, nonLocalhostWarning)
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}

// readFromEnvironment applies configuration from environment variables.
// Values are not overwritten.
func readFromEnvironment() error {
	if emulatorConfig.flashFilename == "" {
		emulatorConfig.flashFilename = os.Getenv(EnvFlashFile)
	}

	if emulatorConfig.host == "localhost" {
		host, ok := os.LookupEnv(EnvHost)
		if ok {
			emulatorConfig.host = host
		}
	}

	if !emulatorConfig.verbose {
		if verbose, ok := os.LookupEnv(EnvVerbose); ok {
			emulatorConfig.verbose = verbose != "false" && verbose != "0"
		}
	}

	var err error
	if emulatorConfig.port == defaultPort {
		if port, ok := os.LookupEnv(EnvPort); ok {
			emulatorConfig.port, err = strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("invalid port: %s", port)
			}
		}
	}
	return nil
}

// saveFlash writes the flash contents to filename, replacing it atomically.
func saveFlash(flash *device.MemoryFlash, filename string) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(flash.Snapshot()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

// newServer builds the emulated device. A key from config is installed only when no flash file
// exists yet; otherwise the device keeps the key stored in its flash.
func newServer(config *cli.Config, ec *EmulatorConfig) (*emulator.Server, error) {
	geometry, err := config.Geometry()
	if err != nil {
		return nil, err
	}
	flash := device.NewMemoryFlash(geometry)
	keys := device.NewFlashKeyStore(flash, geometry, protocol.DefaultKey)

	restored := false
	if ec.flashFilename != "" {
		data, err := os.ReadFile(ec.flashFilename)
		if err == nil {
			if err := flash.Restore(data); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", ec.flashFilename, err)
			}
			restored = true
			log.Info("Loaded flash contents from %s", ec.flashFilename)
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if !restored {
		key, err := config.Key()
		if err == nil {
			if err := keys.StoreKey(key); err != nil {
				return nil, err
			}
			log.Info("Installed configured key")
		} else if !errors.Is(err, cli.ErrNoKeySpecified) {
			return nil, err
		}
	}

	options := []device.Option{device.WithKeyMode(config.KeyMode())}
	if ec.failureRate > 0 {
		options = append(options, device.WithFailureLimit(rate.Limit(ec.failureRate), ec.failureBurst))
	}
	p, err := device.New(geometry, flash, keys, options...)
	if err != nil {
		return nil, err
	}

	server := emulator.New(ec.name, p)
	if ec.flashFilename != "" {
		filename := ec.flashFilename
		server.OnChange = func() {
			if err := saveFlash(flash, filename); err != nil {
				log.Error("Failed to save flash contents: %s", err)
			}
		}
		if !restored {
			server.OnChange()
		}
	}
	log.Info("Emulating %s", geometry)
	return server, nil
}

func main() {
	config, err := cli.NewConfig(cli.FlagKey | cli.FlagDevice)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}

	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}()

	flag.Usage = Usage
	config.RegisterCommandLineFlags()
	flag.Parse()
	if err = readFromEnvironment(); err != nil {
		return
	}
	config.ReadFromEnvironment()

	if emulatorConfig.verbose {
		log.SetLevel(log.LevelDebug)
	} else {
		log.SetLevel(log.LevelInfo)
	}

	if emulatorConfig.host != "localhost" {
		fmt.Fprintln(os.Stderr, nonLocalhostWarning)
	}

	server, err := newServer(config, emulatorConfig)
	if err != nil {
		return
	}
	addr := fmt.Sprintf("%s:%d", emulatorConfig.host, emulatorConfig.port)
	log.Info("Listening on %s", addr)
	err = http.ListenAndServe(addr, server)
	log.Error("Server stopped: %s", err)
}
