package ext2

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/weberc2/mono/stage2/pkg/types"
)

type SuperblockState uint16

type RevLevel uint32

const (
	SuperblockMagic uint16 = 0xef53

	// SuperblockSize is the size reserved for the superblock on disk.
	SuperblockSize   = 1024
	SuperblockOffset = 1024

	StateClean SuperblockState = 1
	StateDirty SuperblockState = 2

	RevLevelStatic  RevLevel = 0
	RevLevelDynamic RevLevel = 1

	DefaultFirstIno  uint32 = 11
	DefaultInodeSize uint16 = 128

	// MaxLogBlockSize caps blocks at 4 KiB, one scratch page.
	MaxLogBlockSize uint32 = 2

	IncompatFiletype uint32 = 0x0002
	IncompatExtents  uint32 = 0x0040
	Incompat64Bit    uint32 = 0x0080

	// UnsupportedIncompatFeatures are rejected outright; everything else
	// only matters to writers.
	UnsupportedIncompatFeatures = IncompatExtents | Incompat64Bit
)

type Superblock struct {
	InodesCount     uint32
	BlocksCount     uint32
	FreeBlocksCount uint32
	FreeInodesCount uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	State           SuperblockState
	RevLevel        RevLevel
	FirstIno        uint32
	InodeSize       uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	UUID            uuid.UUID
	VolumeName      string
}

type ErrBadMagic struct {
	Found uint16
}

func (err ErrBadMagic) Error() string {
	return fmt.Sprintf(
		"bad magic: wanted `%#04x`; found `%#04x`",
		SuperblockMagic,
		err.Found,
	)
}

func (err ErrBadMagic) Is(target error) bool { return target == types.FormatInvalidErr }

type ErrIncompatibleFeatures struct {
	Found uint32
}

func (err ErrIncompatibleFeatures) Error() string {
	return fmt.Sprintf(
		"volume uses unsupported incompatible features: `%#04x`",
		err.Found,
	)
}

func (err ErrIncompatibleFeatures) Is(target error) bool {
	return target == types.UnsupportedErr
}

type ErrBlockSize struct {
	LogBlockSize uint32
}

func (err ErrBlockSize) Error() string {
	return fmt.Sprintf(
		"block size exponent `%d` exceeds maximum `%d`",
		err.LogBlockSize,
		MaxLogBlockSize,
	)
}

func (err ErrBlockSize) Is(target error) bool { return target == types.UnsupportedErr }

func DecodeSuperblock(b *[SuperblockSize]byte) (Superblock, error) {
	var sb Superblock
	err := sb.Decode(b)
	return sb, err
}

func (sb *Superblock) Decode(b *[SuperblockSize]byte) error {
	magic := getU16(b[:], 56)
	if magic != SuperblockMagic {
		return fmt.Errorf("decoding superblock: %w", ErrBadMagic{magic})
	}

	rev := RevLevel(getU32(b[:], 76))

	var featureCompat, featureIncompat, featureROCompat uint32
	if rev >= RevLevelDynamic {
		featureCompat = getU32(b[:], 92)
		featureIncompat = getU32(b[:], 96)
		featureROCompat = getU32(b[:], 100)
	}

	if featureIncompat&UnsupportedIncompatFeatures != 0 {
		return fmt.Errorf(
			"decoding superblock: %w",
			ErrIncompatibleFeatures{featureIncompat & UnsupportedIncompatFeatures},
		)
	}

	logBlockSize := getU32(b[:], 24)
	if logBlockSize > MaxLogBlockSize {
		return fmt.Errorf("decoding superblock: %w", ErrBlockSize{logBlockSize})
	}

	inodesPerGroup := getU32(b[:], 40)
	if inodesPerGroup == 0 {
		return fmt.Errorf(
			"decoding superblock: %w",
			types.NewError(types.FormatInvalidErr, "zero inodes per group"),
		)
	}

	sb.InodesCount = getU32(b[:], 0)
	sb.BlocksCount = getU32(b[:], 4)
	sb.FreeBlocksCount = getU32(b[:], 12)
	sb.FreeInodesCount = getU32(b[:], 16)
	sb.FirstDataBlock = getU32(b[:], 20)
	sb.LogBlockSize = logBlockSize
	sb.BlocksPerGroup = getU32(b[:], 32)
	sb.InodesPerGroup = inodesPerGroup
	sb.State = SuperblockState(getU16(b[:], 58))
	sb.RevLevel = rev
	if rev != RevLevelStatic {
		sb.FirstIno = getU32(b[:], 84)
		sb.InodeSize = getU16(b[:], 88)
		copy(sb.UUID[:], b[104:120])
		sb.VolumeName = string(bytes.TrimRight(b[120:136], "\x00"))
	} else {
		sb.FirstIno = DefaultFirstIno
		sb.InodeSize = DefaultInodeSize
	}
	sb.FeatureCompat = featureCompat
	sb.FeatureIncompat = featureIncompat
	sb.FeatureROCompat = featureROCompat

	return nil
}

func (sb *Superblock) BlockSize() uint32 { return 1024 << sb.LogBlockSize }

// InodeRecordSize is the stride of the inode table. A declared size is only
// honored when it is at least 128 bytes, fits in a block and is 4-byte
// aligned.
func (sb *Superblock) InodeRecordSize() uint32 {
	size := uint32(sb.InodeSize)
	if sb.RevLevel >= RevLevelDynamic &&
		size >= uint32(DefaultInodeSize) &&
		size <= sb.BlockSize() &&
		size%4 == 0 {
		return size
	}
	return uint32(DefaultInodeSize)
}

func (sb *Superblock) GroupCount() uint32 {
	return uint32(divRoundUp(uint64(sb.InodesCount), uint64(sb.InodesPerGroup)))
}

func (sb *Superblock) Encode(b *[SuperblockSize]byte) {
	EncodeUint32(sb.InodesCount, b[0:])
	EncodeUint32(sb.BlocksCount, b[4:])
	EncodeUint32(sb.FreeBlocksCount, b[12:])
	EncodeUint32(sb.FreeInodesCount, b[16:])
	EncodeUint32(sb.FirstDataBlock, b[20:])
	EncodeUint32(sb.LogBlockSize, b[24:])
	EncodeUint32(sb.LogBlockSize, b[28:])
	EncodeUint32(sb.BlocksPerGroup, b[32:])
	EncodeUint32(sb.BlocksPerGroup, b[36:])
	EncodeUint32(sb.InodesPerGroup, b[40:])
	EncodeUint16(SuperblockMagic, b[56:])
	EncodeUint16(uint16(sb.State), b[58:])
	EncodeUint32(uint32(sb.RevLevel), b[76:])

	if sb.RevLevel != RevLevelStatic {
		EncodeUint32(sb.FirstIno, b[84:])
		EncodeUint16(sb.InodeSize, b[88:])
		EncodeUint32(sb.FeatureCompat, b[92:])
		EncodeUint32(sb.FeatureIncompat, b[96:])
		EncodeUint32(sb.FeatureROCompat, b[100:])
		copy(b[104:120], sb.UUID[:])
		copy(b[120:136], sb.VolumeName)
	}
}
