package loader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/weberc2/mono/stage2/pkg/types"
)

// ErrBadMagic is returned for images that do not start with "\x7fELF".
type ErrBadMagic struct {
	Found [4]byte
}

func (err ErrBadMagic) Error() string {
	return fmt.Sprintf("bad executable magic: wanted `% x`; found `% x`", elf.ELFMAG, err.Found)
}

func (err ErrBadMagic) Is(target error) bool { return target == types.FormatInvalidErr }

// ErrClass is returned when the class byte is neither 32- nor 64-bit.
type ErrClass struct {
	Found elf.Class
}

func (err ErrClass) Error() string {
	return fmt.Sprintf("unknown executable class `%d`", uint8(err.Found))
}

func (err ErrClass) Is(target error) bool { return target == types.FormatInvalidErr }

// ErrByteOrder is returned for big-endian images.
type ErrByteOrder struct {
	Found elf.Data
}

func (err ErrByteOrder) Error() string {
	return fmt.Sprintf("executable byte order: wanted `%s`; found `%s`", elf.ELFDATA2LSB, err.Found)
}

func (err ErrByteOrder) Is(target error) bool { return target == types.FormatInvalidErr }

// ErrTruncated is returned when a header or segment points past the end of
// the image.
type ErrTruncated struct {
	What   string
	Offset uint64
	Size   uint64
	Len    int
}

func (err ErrTruncated) Error() string {
	return fmt.Sprintf(
		"%s at `%#x`+`%#x` runs past end of %d-byte image",
		err.What,
		err.Offset,
		err.Size,
		err.Len,
	)
}

func (err ErrTruncated) Is(target error) bool { return target == types.FormatInvalidErr }

// ErrSegmentSize is returned for a loadable segment whose file size exceeds
// its memory size.
type ErrSegmentSize struct {
	Index    int
	FileSize uint64
	MemSize  uint64
}

func (err ErrSegmentSize) Error() string {
	return fmt.Sprintf(
		"segment %d: file size `%d` exceeds memory size `%d`",
		err.Index,
		err.FileSize,
		err.MemSize,
	)
}

func (err ErrSegmentSize) Is(target error) bool { return target == types.FormatInvalidErr }

// Segment is a loadable program header.
type Segment struct {
	Offset   uint64
	VAddr    uint64
	FileSize uint64
	MemSize  uint64
}

func (s Segment) End() uint64 { return s.VAddr + s.MemSize }

// Image is a parsed executable. Only PT_LOAD headers are kept.
type Image struct {
	Class    elf.Class
	Entry    uint64
	Segments []Segment
}

// Span returns the smallest range covering every segment's memory image.
// An image with no loadable segments has an empty span.
func (img *Image) Span() (start, size uint64) {
	if len(img.Segments) < 1 {
		return 0, 0
	}
	start, end := img.Segments[0].VAddr, img.Segments[0].End()
	for _, s := range img.Segments[1:] {
		if s.VAddr < start {
			start = s.VAddr
		}
		if s.End() > end {
			end = s.End()
		}
	}
	return start, end - start
}

type layout struct {
	headerSize  int
	phoff       int
	phentsize   int
	phnum       int
	phdrSize    uint64
	word        func([]byte) uint64
	phdrDecoder func([]byte) (elf.ProgType, Segment)
}

var le = binary.LittleEndian

func u32(b []byte) uint64 { return uint64(le.Uint32(b)) }

var layouts = map[elf.Class]layout{
	elf.ELFCLASS32: {
		headerSize: 52,
		phoff:      28,
		phentsize:  42,
		phnum:      44,
		phdrSize:   32,
		word:       u32,
		phdrDecoder: func(b []byte) (elf.ProgType, Segment) {
			return elf.ProgType(le.Uint32(b[0:])), Segment{
				Offset:   u32(b[4:]),
				VAddr:    u32(b[8:]),
				FileSize: u32(b[16:]),
				MemSize:  u32(b[20:]),
			}
		},
	},
	elf.ELFCLASS64: {
		headerSize: 64,
		phoff:      32,
		phentsize:  54,
		phnum:      56,
		phdrSize:   56,
		word:       le.Uint64,
		phdrDecoder: func(b []byte) (elf.ProgType, Segment) {
			return elf.ProgType(le.Uint32(b[0:])), Segment{
				Offset:   le.Uint64(b[8:]),
				VAddr:    le.Uint64(b[16:]),
				FileSize: le.Uint64(b[32:]),
				MemSize:  le.Uint64(b[40:]),
			}
		},
	},
}

// Parse validates the identification bytes and decodes the entry point and
// loadable segments of a 32- or 64-bit little-endian executable. Every
// offset and size is checked against the image since it comes from disk.
func Parse(image []byte) (Image, error) {
	if len(image) < elf.EI_NIDENT {
		return Image{}, ErrTruncated{
			What: "identification",
			Size: elf.EI_NIDENT,
			Len:  len(image),
		}
	}

	var magic [4]byte
	copy(magic[:], image)
	if string(magic[:]) != elf.ELFMAG {
		return Image{}, ErrBadMagic{Found: magic}
	}

	class := elf.Class(image[elf.EI_CLASS])
	l, ok := layouts[class]
	if !ok {
		return Image{}, ErrClass{Found: class}
	}
	if data := elf.Data(image[elf.EI_DATA]); data != elf.ELFDATA2LSB {
		return Image{}, ErrByteOrder{Found: data}
	}
	if len(image) < l.headerSize {
		return Image{}, ErrTruncated{
			What: "header",
			Size: uint64(l.headerSize),
			Len:  len(image),
		}
	}

	img := Image{Class: class, Entry: l.word(image[24:])}
	phoff := l.word(image[l.phoff:])
	phentsize := uint64(le.Uint16(image[l.phentsize:]))
	phnum := int(le.Uint16(image[l.phnum:]))
	if phnum > 0 && phentsize < l.phdrSize {
		return Image{}, types.NewError(
			types.FormatInvalidErr,
			fmt.Sprintf(
				"program header entry size `%d` smaller than `%d`",
				phentsize,
				l.phdrSize,
			),
		)
	}

	for i := 0; i < phnum; i++ {
		off := phoff + uint64(i)*phentsize
		if off < phoff || off+l.phdrSize > uint64(len(image)) {
			return Image{}, ErrTruncated{
				What:   fmt.Sprintf("program header %d", i),
				Offset: off,
				Size:   l.phdrSize,
				Len:    len(image),
			}
		}

		typ, seg := l.phdrDecoder(image[off : off+l.phdrSize])
		if typ != elf.PT_LOAD {
			continue
		}
		if seg.FileSize > seg.MemSize {
			return Image{}, ErrSegmentSize{
				Index:    i,
				FileSize: seg.FileSize,
				MemSize:  seg.MemSize,
			}
		}
		if end := seg.Offset + seg.FileSize; end < seg.Offset || end > uint64(len(image)) {
			return Image{}, ErrTruncated{
				What:   fmt.Sprintf("segment %d", i),
				Offset: seg.Offset,
				Size:   seg.FileSize,
				Len:    len(image),
			}
		}
		if seg.End() < seg.VAddr {
			return Image{}, types.NewError(
				types.FormatInvalidErr,
				fmt.Sprintf("segment %d wraps the address space", i),
			)
		}
		img.Segments = append(img.Segments, seg)
	}
	return img, nil
}
