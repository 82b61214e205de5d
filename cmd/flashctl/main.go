// Command flashctl inspects and modifies flash image files the way the on-target allocators would
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "board",
		Required: true,
		Usage: "board profile, either a yaml file or a builtin name " +
			"(stm32f303re, stm32l476rg)",
	},
	&cli.StringFlag{
		Name:     "image",
		Required: true,
		Usage:    "flash image file covering the managed region of the board",
	},
	&cli.BoolFlag{
		Name:  "verbose",
		Usage: "log allocator decisions to stderr",
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "flashctl",
		Usage: "manage component blocks in flash images",
		Flags: globalFlags,
		Commands: []*cli.Command{
			formatCommand,
			dumpCommand,
			statsCommand,
			allocCommand,
			finalizeCommand,
			eraseCommand,
			ramAllocCommand,
			ramDumpCommand,
		},
	}
}

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
