// Utility for generating, saving, and migrating bootloader keys

package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/secureloader/secureloader/internal/log"
	"github.com/secureloader/secureloader/pkg/cli"
	"github.com/secureloader/secureloader/pkg/protocol"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usageText = `
Creates or deletes a bootloader key and saves it in the system keyring, or migrates a key from a
plaintext file into the system keyring.

The program writes the key fingerprint to stdout when creating or migrating a key, and the key
itself (hex encoded) when exporting. When using the create option, the program will not overwrite
an existing key unless invoked with -f.

The type of keyring and name of the key inside that keyring are controlled by the command-line
options below, or through the corresponding environment variables. Without -key-name, create
writes the key to -key-file instead.`

func cliUsage() {
	usage(flag.CommandLine.Output())
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [OPTION...] create|delete|export|migrate\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, usageText)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPTIONS:")
	flag.PrintDefaults()
}

// Fingerprint identifies a key without revealing it.
func Fingerprint(key protocol.Key) string {
	digest := sha256.Sum256(key[:])
	return hex.EncodeToString(digest[:8])
}

func printFingerprint(w io.Writer, key protocol.Key) {
	fmt.Fprintf(w, "key fingerprint: %s\n", Fingerprint(key))
}

func main() {
	// Command-line variables
	var (
		overwrite bool
		key       protocol.Key
		err       error
	)
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config, err := cli.NewConfig(cli.FlagKey)
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	config.RegisterCommandLineFlags()
	flag.Usage = cliUsage
	flag.BoolVar(&overwrite, "f", false, "Overwrite existing key if it exists")
	flag.Parse()
	config.ReadFromEnvironment()
	if config.Debug {
		log.SetLevel(log.LevelDebug)
	}

	if flag.NArg() != 1 {
		usage(os.Stderr)
		return
	}

	switch flag.Arg(0) {
	case "migrate":
		if config.KeyFilename == "" || config.KeyringKeyName == "" {
			writeErr("Must provide path of existing key (-key-file) and name of new key (-key-name)")
			return
		}

		key, err = protocol.LoadKey(config.KeyFilename)
		if err != nil {
			writeErr("Unable to read key: %s", err)
			return
		}
		config.KeyFilename = "" // Prevent key from being re-written to a file
	case "delete":
		if err := config.DeleteKey(); err != nil {
			writeErr("Failed to delete key: %s", err)
		} else {
			status = 0
		}
		return
	case "create":
		if !overwrite {
			// Print fingerprint and exit if the key already exists
			key, err = config.Key()
			if err == nil {
				printFingerprint(os.Stdout, key)
				status = 0
				return
			}
		}
		key, err = protocol.NewRandomKey(rand.Reader)
		if err != nil {
			writeErr("Failed to generate key: %s", err)
			return
		}
	case "export":
		key, err = config.Key()
		if err != nil {
			writeErr("Failed to export key: %s", err)
			return
		}
		fmt.Println(key)
		status = 0
		return
	default:
		writeErr("Unrecognized command-line argument.")
		writeErr("")
		usage(os.Stderr)
		return
	}

	if err = config.SaveKey(key); err != nil {
		writeErr("Failed to save key: %s", err)
		return
	}

	printFingerprint(os.Stdout, key)
	status = 0
}
