package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/weberc2/mono/stage2/pkg/diskbuilder"
	"github.com/weberc2/mono/stage2/pkg/diskimage"
)

// demoKernel is a one-segment kernel that spins at its entry point.
func demoKernel() []byte {
	spin := []byte{0xeb, 0xfe} // jmp .
	return diskbuilder.ELF64(0x200000, diskbuilder.Load(0x200000, spin, 0x1000))
}

type imageParams struct {
	kernelPath string
	blockSize  uint32
	label      string
	startLBA   uint32
}

// buildImage returns a disk with one bootable Linux partition holding
// `kernel` at `params.kernelPath`.
func buildImage(kernel []byte, params imageParams) ([]byte, error) {
	fs := diskbuilder.NewExt2(diskbuilder.Params{
		BlockSize:  params.blockSize,
		UUID:       uuid.New(),
		VolumeName: params.label,
	})
	if _, err := fs.AddFile(params.kernelPath, kernel); err != nil {
		return nil, errors.Wrapf(err, "adding kernel at `%s`", params.kernelPath)
	}

	var disk diskbuilder.Disk
	disk.Slots[0] = diskbuilder.Slot{
		Bootable: true,
		Type:     0x83,
		StartLBA: params.startLBA,
		Image:    fs.Bytes(),
	}
	return disk.Bytes(), nil
}

func mkimageCommand() *cli.Command {
	return &cli.Command{
		Name:  "mkimage",
		Usage: "build a bootable disk image around a kernel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "out",
				Aliases:  []string{"o"},
				Usage:    "output: a path, a .gz path or s3://bucket/key",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "kernel",
				Usage: "kernel ELF file (default: a built-in demo kernel)",
			},
			&cli.StringFlag{
				Name:  "kernel-path",
				Usage: "where the kernel goes on the filesystem",
				Value: "/boot/kernel.elf",
			},
			&cli.UintFlag{
				Name:  "block-size",
				Usage: "filesystem block size: 1024, 2048 or 4096",
				Value: 1024,
			},
			&cli.StringFlag{
				Name:  "label",
				Usage: "filesystem volume label",
				Value: "stage2",
			},
		},
		Action: func(c *cli.Context) error {
			kernel := demoKernel()
			if p := c.String("kernel"); p != "" {
				data, err := os.ReadFile(p)
				if err != nil {
					return errors.Wrap(err, "reading kernel")
				}
				kernel = data
			}

			switch c.Uint("block-size") {
			case 1024, 2048, 4096:
			default:
				return errors.Errorf("invalid --block-size `%d`", c.Uint("block-size"))
			}

			data, err := buildImage(kernel, imageParams{
				kernelPath: c.String("kernel-path"),
				blockSize:  uint32(c.Uint("block-size")),
				label:      c.String("label"),
				startLBA:   2048,
			})
			if err != nil {
				return err
			}

			var o diskimage.Opener
			return o.Write(context.Background(), c.String("out"), data)
		},
	}
}
