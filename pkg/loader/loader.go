// Package loader places a kernel executable's loadable segments into
// physical memory.
package loader

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weberc2/mono/stage2/pkg/hw"
)

// Reserver claims physical memory for a kernel. `*memory.Manager`
// satisfies it.
type Reserver interface {
	ReserveForKernel(start, size uint64) error
}

type Loader struct {
	Memory Reserver
	Window *hw.Window
	Logger logrus.FieldLogger
}

func (l *Loader) logger() logrus.FieldLogger {
	if l.Logger == nil {
		l.Logger = logrus.WithField("component", "loader")
	}
	return l.Logger
}

// Load parses `image`, reserves the range its segments occupy and only then
// copies each segment's file bytes and zero-fills the remainder of its
// memory size. It returns the entry address. A failed load leaves both
// memory and the reservation catalogue unchanged.
func (l *Loader) Load(image []byte) (uint64, error) {
	img, err := Parse(image)
	if err != nil {
		return 0, errors.Wrap(err, "parsing kernel image")
	}

	for i, s := range img.Segments {
		if !l.Window.Contains(s.VAddr, s.MemSize) {
			return 0, errors.Wrapf(
				&hw.ErrOutOfWindow{
					Addr: s.VAddr,
					Size: s.MemSize,
					Base: l.Window.Base(),
					End:  l.Window.End(),
				},
				"placing segment %d",
				i,
			)
		}
	}

	start, size := img.Span()
	if size > 0 {
		if err := l.Memory.ReserveForKernel(start, size); err != nil {
			return 0, errors.Wrapf(
				err,
				"reserving kernel span [%#x, %#x)",
				start,
				start+size,
			)
		}
	} else {
		l.logger().Warnf("kernel image has no loadable segments")
	}

	for i, s := range img.Segments {
		if err := l.Window.Write(
			s.VAddr,
			image[s.Offset:s.Offset+s.FileSize],
		); err != nil {
			return 0, errors.Wrapf(err, "copying segment %d", i)
		}
		if s.MemSize > s.FileSize {
			if err := l.Window.Zero(
				s.VAddr+s.FileSize,
				s.MemSize-s.FileSize,
			); err != nil {
				return 0, errors.Wrapf(err, "zeroing segment %d", i)
			}
		}
		l.logger().WithField("vaddr", fmt.Sprintf("%#x", s.VAddr)).
			WithField("file", humanize.IBytes(s.FileSize)).
			WithField("mem", humanize.IBytes(s.MemSize)).
			Debugf("loaded segment %d", i)
	}

	l.logger().WithField("entry", fmt.Sprintf("%#x", img.Entry)).
		WithField("segments", len(img.Segments)).
		Infof("loaded kernel")
	return img.Entry, nil
}
