// Package cli implements the zimsync command-line interface.
package cli

import (
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// Root defines global CLI flags shared by every command.
type Root struct {
	Verbose bool `short:"v" long:"verbose" description:"Enable debug logging"`
}

var root Root

// Run parses arguments and executes the selected command.
func Run(args []string) error {
	parser := flags.NewParser(&root, flags.Default)
	parser.Name = filepath.Base(os.Args[0])

	if _, err := parser.AddCommand(
		"discover",
		"Browse for ZimSync peers on the local network",
		"Browse mDNS for the ZimSync service for a bounded time and print each discovered endpoint and device name.",
		&CmdDiscover{},
	); err != nil {
		return err
	}

	if _, err := parser.AddCommand(
		"serve",
		"Share a directory with peers",
		"Advertise this device, listen for peers, and serve files from the shared directory until interrupted.",
		&CmdServe{},
	); err != nil {
		return err
	}

	if _, err := parser.AddCommand(
		"test",
		"Send a diagnostic probe to a peer",
		"Open a connection, send a plain-text probe, and print the echo response.",
		&CmdTest{},
	); err != nil {
		return err
	}

	if _, err := parser.AddCommand(
		"send",
		"Hash a file and query a peer",
		"Hash a local file and print its summary, send Discover, and print the peer's responses. The file is not transmitted.",
		&CmdSend{},
	); err != nil {
		return err
	}

	if _, err := parser.AddCommand(
		"fetch",
		"Pull a shared file from a peer",
		"Discover a peer's catalog, request the named file chunk by chunk, and verify it on completion.",
		&CmdFetch{},
	); err != nil {
		return err
	}

	_, err := parser.ParseArgs(args)
	return err
}
