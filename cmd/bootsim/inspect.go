package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/weberc2/mono/stage2/pkg/boot"
	"github.com/weberc2/mono/stage2/pkg/config"
	"github.com/weberc2/mono/stage2/pkg/diskimage"
	"github.com/weberc2/mono/stage2/pkg/hw"
	"github.com/weberc2/mono/stage2/pkg/hw/ataemu"
)

// inspect mounts `img` the way the loader would and describes what it
// finds.
func inspect(w io.Writer, cfg config.Config, img *diskimage.Image) error {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := boot.Machine{
		Ports:  ataemu.New(img, img.Sectors()),
		Window: hw.NewWindow(0, nil),
		Config: cfg,
		Logger: logger,
	}
	if err := m.Mount(); err != nil {
		return err
	}

	id := m.Disk().Identity()
	fmt.Fprintf(
		w,
		"disk: %s (%s), %s\n",
		id.Model,
		id.Serial,
		humanize.IBytes(uint64(id.Sectors)*512),
	)
	fmt.Fprintln(w, "partitions:")
	if err := m.Partitions().Describe(w); err != nil {
		return err
	}

	info := m.FileSystem().Info()
	fmt.Fprintf(w, "filesystem: ext2 rev %d, uuid %s", info.Revision, info.UUID)
	if info.VolumeName != "" {
		fmt.Fprintf(w, ", label %q", info.VolumeName)
	}
	fmt.Fprintf(
		w,
		"\n  blocks: %d x %s, inodes: %d x %d bytes, groups: %d\n",
		info.BlocksCount,
		humanize.IBytes(uint64(info.BlockSize)),
		info.InodesCount,
		info.InodeSize,
		info.Groups,
	)

	fmt.Fprintln(w, "kernel candidates:")
	for _, path := range cfg.KernelPaths {
		fb, err := m.FileSystem().ReadFile(path)
		if err != nil {
			fmt.Fprintf(w, "  %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(w, "  %s: %s\n", path, humanize.IBytes(uint64(fb.Len())))
	}
	return nil
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "describe the disk, partition table and boot filesystem",
		Flags: commonFlags,
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			img, err := diskimage.Open(context.Background(), c.String("image"))
			if err != nil {
				return err
			}
			defer img.Close()
			return inspect(c.App.Writer, cfg, img)
		},
	}
}
