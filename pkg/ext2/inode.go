package ext2

import (
	"fmt"

	"github.com/weberc2/mono/stage2/pkg/types"
)

const (
	RootIno Ino = 2

	// InodeBufferSize is the part of an inode record this package decodes.
	InodeBufferSize = 128

	NumDirectBlocks = 12
	IndirectBlock   = 12
	DoubleBlock     = 13
	TripleBlock     = 14

	// InodeFlagExtents marks an inode whose block array holds an extent
	// tree rather than block pointers.
	InodeFlagExtents uint32 = 0x00080000
)

type Ino uint32

type FileType uint16

const (
	FileTypeRegular FileType = iota
	FileTypeDir
	FileTypeCharDev
	FileTypeBlockDev
	FileTypeFifo
	FileTypeSocket
	FileTypeSymlink
)

func (fileType FileType) String() string {
	switch fileType {
	case FileTypeRegular:
		return "Regular"
	case FileTypeDir:
		return "Dir"
	case FileTypeCharDev:
		return "CharDev"
	case FileTypeBlockDev:
		return "BlockDev"
	case FileTypeFifo:
		return "Fifo"
	case FileTypeSocket:
		return "Socket"
	case FileTypeSymlink:
		return "Symlink"
	default:
		return fmt.Sprintf("FileType(%d)", uint16(fileType))
	}
}

func (fileType FileType) Encode() uint16 {
	var tmp uint16
	switch fileType {
	case FileTypeFifo:
		tmp = 1
	case FileTypeCharDev:
		tmp = 2
	case FileTypeDir:
		tmp = 4
	case FileTypeBlockDev:
		tmp = 6
	case FileTypeRegular:
		tmp = 8
	case FileTypeSymlink:
		tmp = 10
	case FileTypeSocket:
		tmp = 12
	}
	return tmp << 12
}

type Mode struct {
	FileType     FileType
	SUID         bool
	SGID         bool
	Sticky       bool
	AccessRights uint16
}

type ErrUnknownFileType struct {
	FoundNibble uint16
}

func (err ErrUnknownFileType) Error() string {
	return fmt.Sprintf("unknown file type nibble: %d", err.FoundNibble)
}

func (err ErrUnknownFileType) Is(target error) bool { return target == types.FormatInvalidErr }

func DecodeInodeMode(mode uint16) (Mode, error) {
	typeNibble := (mode & 0xf000) >> 12
	var fileType FileType
	switch typeNibble {
	case 1:
		fileType = FileTypeFifo
	case 2:
		fileType = FileTypeCharDev
	case 4:
		fileType = FileTypeDir
	case 6:
		fileType = FileTypeBlockDev
	case 8:
		fileType = FileTypeRegular
	case 10:
		fileType = FileTypeSymlink
	case 12:
		fileType = FileTypeSocket
	default:
		return Mode{}, fmt.Errorf(
			"decoding inode mode `%#x`: %w",
			mode,
			ErrUnknownFileType{typeNibble},
		)
	}

	return Mode{
		FileType:     fileType,
		SUID:         (mode & 0x0800) != 0,
		SGID:         (mode & 0x0400) != 0,
		Sticky:       (mode & 0x0200) != 0,
		AccessRights: mode & 0x01ff,
	}, nil
}

func (mode *Mode) Encode() uint16 {
	var suid, sgid, sticky uint16
	if mode.SUID {
		suid = 0x0800
	}
	if mode.SGID {
		sgid = 0x0400
	}
	if mode.Sticky {
		sticky = 0x0200
	}
	return mode.FileType.Encode() + suid + sgid + sticky + mode.AccessRights
}

type Inode struct {
	Ino        Ino
	Mode       Mode
	Size       uint64
	Size512    uint32
	LinksCount uint16
	Flags      uint32
	Block      [15]uint32
}

func (inode *Inode) IsDir() bool { return inode.Mode.FileType == FileTypeDir }

func (inode *Inode) IsRegular() bool { return inode.Mode.FileType == FileTypeRegular }

func DecodeInode(ino Ino, revLevel RevLevel, b *[InodeBufferSize]byte) (Inode, error) {
	mode, err := DecodeInodeMode(getU16(b[:], 0))
	if err != nil {
		return Inode{}, fmt.Errorf("decoding inode `%d`: %w", ino, err)
	}

	sizeLow := uint64(getU32(b[:], 4))
	sizeHigh := uint64(0)
	if revLevel > RevLevelStatic && mode.FileType == FileTypeRegular {
		sizeHigh = uint64(getU32(b[:], 108))
	}

	var block [15]uint32
	for i := range block {
		block[i] = getU32(b[:], 40+4*i)
	}

	return Inode{
		Ino:        ino,
		Mode:       mode,
		Size:       sizeLow + (sizeHigh << 32),
		Size512:    getU32(b[:], 28),
		LinksCount: getU16(b[:], 26),
		Flags:      getU32(b[:], 32),
		Block:      block,
	}, nil
}

func (inode *Inode) Encode(revLevel RevLevel, b *[InodeBufferSize]byte) {
	EncodeUint16(inode.Mode.Encode(), b[0:])
	EncodeUint32(uint32(inode.Size&0xffffffff), b[4:])
	if revLevel > RevLevelStatic && inode.IsRegular() {
		EncodeUint32(uint32(inode.Size>>32), b[108:])
	}
	EncodeUint16(inode.LinksCount, b[26:])
	EncodeUint32(inode.Size512, b[28:])
	EncodeUint32(inode.Flags, b[32:])
	for i := range inode.Block {
		EncodeUint32(inode.Block[i], b[40+4*i:])
	}
}
