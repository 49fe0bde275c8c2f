package main

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gosimple/slug"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/weberc2/mono/stage2/pkg/boot"
	"github.com/weberc2/mono/stage2/pkg/config"
	"github.com/weberc2/mono/stage2/pkg/diskimage"
	"github.com/weberc2/mono/stage2/pkg/hw"
	"github.com/weberc2/mono/stage2/pkg/hw/ataemu"
	"github.com/weberc2/mono/stage2/pkg/vga"
)

// hostCPU ends the simulated boot at the hand-off or at the first halt.
type hostCPU struct {
	jumped   bool
	halted   bool
	entry    uint64
	bootInfo uint64
}

func (c *hostCPU) DisableInterrupts() {}

func (c *hostCPU) Jump(entry, bootInfo uint64) {
	c.jumped = true
	c.entry = entry
	c.bootInfo = bootInfo
	runtime.Goexit()
}

func (c *hostCPU) Halt() {
	c.halted = true
	runtime.Goexit()
}

type simulation struct {
	machine *boot.Machine
	cpu     *hostCPU
}

// simulate boots `img` in a window of `memSize` bytes of physical memory
// starting at address zero.
func simulate(cfg config.Config, img *diskimage.Image, memSize uint64) *simulation {
	s := simulation{cpu: &hostCPU{}}
	s.machine = &boot.Machine{
		Ports:  ataemu.New(img, img.Sectors()),
		Window: hw.NewWindow(0, make([]byte, memSize)),
		CPU:    s.cpu,
		Config: cfg,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.machine.Run()
	}()
	<-done
	return &s
}

// screenshotPath names the screenshot after the image when `target` is a
// directory.
func screenshotPath(target, imageURI string) string {
	if strings.HasSuffix(target, string(filepath.Separator)) {
		return filepath.Join(target, slug.Make(imageURI)+".png")
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return filepath.Join(target, slug.Make(imageURI)+".png")
	}
	return target
}

func writeScreenshot(path string, console *vga.Console) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating screenshot")
	}
	defer f.Close()
	if err := png.Encode(f, vga.Render(console.Cells())); err != nil {
		return errors.Wrap(err, "encoding screenshot")
	}
	return f.Close()
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if c.Bool("verbose") {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

var commonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "image",
		Aliases:  []string{"i"},
		Usage:    "disk image: a path, a .gz path or s3://bucket/key",
		Required: true,
	},
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML configuration file",
		EnvVars: []string{"STAGE2_CONFIG_FILE"},
	},
	&cli.BoolFlag{
		Name:  "verbose",
		Usage: "log at debug level",
	},
}

func bootCommand() *cli.Command {
	return &cli.Command{
		Name:  "boot",
		Usage: "run the boot pipeline and report where it ended",
		Flags: append(
			[]cli.Flag{
				&cli.StringFlag{
					Name:  "memory",
					Usage: "size of emulated physical memory",
					Value: "16MiB",
				},
				&cli.StringFlag{
					Name:  "screenshot",
					Usage: "write the final screen as PNG to this file or directory",
				},
			},
			commonFlags...,
		),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			memSize, err := humanize.ParseBytes(c.String("memory"))
			if err != nil {
				return errors.Wrap(err, "parsing --memory")
			}

			img, err := diskimage.Open(context.Background(), c.String("image"))
			if err != nil {
				return err
			}
			defer img.Close()

			s := simulate(cfg, img, memSize)
			console := s.machine.Console()
			if console != nil {
				for _, line := range console.Lines() {
					if line != "" {
						fmt.Fprintln(c.App.Writer, line)
					}
				}
				if target := c.String("screenshot"); target != "" {
					if err := writeScreenshot(
						screenshotPath(target, c.String("image")),
						console,
					); err != nil {
						return err
					}
				}
			}

			if !s.cpu.jumped {
				return cli.Exit("boot halted", 1)
			}
			fmt.Fprintf(
				c.App.Writer,
				"kernel entry %#x, boot info %#x\n",
				s.cpu.entry,
				s.cpu.bootInfo,
			)
			return nil
		},
	}
}
