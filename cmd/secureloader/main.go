package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/secureloader/secureloader/internal/log"
	"github.com/secureloader/secureloader/pkg/cli"
	"github.com/secureloader/secureloader/pkg/loader"
	"github.com/secureloader/secureloader/pkg/protocol"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * Commands sent to a device require -endpoint (emulator URL) or -simulate.
 * Without -key-file or -key-name, the default bootloader key is used.
 * Without COMMAND, commands are read from stdin.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	labels := commandNames()
	for _, command := range labels {
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

// progressPrinter reports page progress on a single terminal line.
func progressPrinter(w io.Writer) func(loader.Event) {
	return func(e loader.Event) {
		switch e.Kind {
		case loader.EventPageWritten, loader.EventPageVerified:
			fmt.Fprintf(w, "\r%s %d/%d", e.Kind, e.Index+1, e.Total)
			if e.Index+1 == e.Total {
				fmt.Fprintln(w)
			}
		default:
			fmt.Fprintln(w, e.Kind)
		}
	}
}

func runCommand(s *session, args []string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, s, args); err != nil {
		if protocol.MayHaveSucceeded(err) {
			writeErr("Couldn't verify success: %s", err)
		} else if errors.Is(err, protocol.ErrStalled) {
			writeErr("Device rejected the command (wrong key, profile or address?): %s", err)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(s *session, timeout time.Duration) int {
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Printf("> "); scanner.Scan(); fmt.Printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if args[0] == "help" {
			if len(args) > 1 {
				if info, ok := commands[args[1]]; ok {
					info.Usage(args[1])
					continue
				}
			}
			fmt.Printf("Commands: %s, exit\n", strings.Join(commandNames(), ", "))
			continue
		}
		runCommand(s, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		keepKey        bool
		noReboot       bool
		base           string
		commandTimeout time.Duration
		connTimeout    time.Duration
		retryInterval  time.Duration
	)
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.BoolVar(&keepKey, "keep-key", false, "Leave the key installed by flash NEW_KEY_FILE on the device")
	flag.BoolVar(&noReboot, "no-reboot", false, "Stay in the bootloader after flashing")
	flag.StringVar(&base, "base", "0", "Flash `address` of the first byte of binary images")
	flag.DurationVar(&commandTimeout, "command-timeout", time.Minute, "Set timeout for commands sent to the device.")
	flag.DurationVar(&connTimeout, "connect-timeout", 10*time.Second, "Set timeout for establishing initial connection.")
	flag.DurationVar(&retryInterval, "retry-interval", 0, "Resend commands refused by a busy device after `interval` (0 disables)")

	config.RegisterCommandLineFlags()
	flag.Parse()
	config.ReadFromEnvironment()
	if debug || config.Verbose {
		log.SetLevel(log.LevelDebug)
	} else {
		log.SetLevel(log.LevelWarning)
	}

	baseAddress, err := ParseAddress(base)
	if err != nil {
		writeErr("Invalid -base: %s", err)
		return
	}

	args := flag.Args()
	if len(args) > 0 {
		if args[0] == "help" {
			if len(args) == 1 {
				Usage()
				status = 0
				return
			}
			info, ok := commands[args[1]]
			if !ok {
				writeErr("Unrecognized command: %s", args[1])
				return
			}
			info.Usage(args[1])
			status = 0
			return
		}
		if err := configureFlags(config, args[0]); err != nil {
			writeErr("Missing required flag: %s", err)
			return
		}
	}

	if err := config.LoadCredentials(); err != nil && !errors.Is(err, cli.ErrNoKeySpecified) {
		writeErr("Error loading credentials: %s", err)
		return
	}
	key, err := config.Key()
	if errors.Is(err, cli.ErrNoKeySpecified) {
		log.Warning("No key specified, using the default bootloader key")
		key = protocol.DefaultKey
	} else if err != nil {
		writeErr("Error loading key: %s", err)
		return
	}

	s := &session{
		config:   config,
		key:      key,
		keepKey:  keepKey,
		noReboot: noReboot,
		base:     baseAddress,
		out:      os.Stdout,
	}

	if config.Endpoint != "" || config.Simulate {
		ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
		defer cancel()

		s.loader, err = config.Connect(ctx,
			loader.WithProgress(progressPrinter(os.Stderr)),
			loader.WithRetryInterval(retryInterval))
		if err != nil {
			writeErr("Error: %s", err)
			return
		}
		defer s.loader.Close()
	}

	if flag.NArg() > 0 {
		status = runCommand(s, flag.Args(), commandTimeout)
	} else {
		status = runInteractiveShell(s, commandTimeout)
	}
}
