// Command bootsim runs the stage2 pipeline against a disk image on an
// emulated ATA disk and physical memory window.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "bootsim",
		Usage: "boot, inspect and build stage2 disk images",
		Commands: []*cli.Command{
			bootCommand(),
			inspectCommand(),
			mkimageCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
