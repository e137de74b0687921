package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/navicore/zimsync/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			// go-flags already printed usage/help.
			if flagsErr.Type == flags.ErrHelp {
				return
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "zimsync: %v\n", err)
		os.Exit(1)
	}
}
