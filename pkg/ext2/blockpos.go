package ext2

type BlockPosLevel uint8

const (
	PosLevel0     BlockPosLevel = 0
	PosLevel1     BlockPosLevel = 1
	PosLevel2     BlockPosLevel = 2
	PosLevel3     BlockPosLevel = 3
	PosOutOfRange BlockPosLevel = 4
)

// BlockPos locates the nth data block of an inode in its pointer tree.
// Data holds the index at each level, outermost first.
type BlockPos struct {
	Level BlockPosLevel
	Data  [3]uint64
}

// InodeBlockToPos maps a logical block index to its pointer-tree position
// for a filesystem with `blockSize`-byte blocks.
func InodeBlockToPos(blockSize uint64, inodeBlock uint64) BlockPos {
	if inodeBlock < NumDirectBlocks {
		return BlockPos{Level: PosLevel0, Data: [3]uint64{inodeBlock}}
	}

	indirect1Size := blockSize / 4
	if inodeBlock < NumDirectBlocks+indirect1Size {
		return BlockPos{
			Level: PosLevel1,
			Data:  [3]uint64{inodeBlock - NumDirectBlocks},
		}
	}

	indirect2Size := indirect1Size * indirect1Size
	if inodeBlock < NumDirectBlocks+indirect1Size+indirect2Size {
		base := inodeBlock - NumDirectBlocks - indirect1Size
		return BlockPos{
			Level: PosLevel2,
			Data:  [3]uint64{base / indirect1Size, base % indirect1Size},
		}
	}

	indirect3Size := indirect1Size * indirect2Size
	if inodeBlock < NumDirectBlocks+indirect1Size+indirect2Size+indirect3Size {
		base := inodeBlock - NumDirectBlocks - indirect1Size - indirect2Size
		return BlockPos{
			Level: PosLevel3,
			Data: [3]uint64{
				base / indirect2Size,
				(base % indirect2Size) / indirect1Size,
				(base % indirect2Size) % indirect1Size,
			},
		}
	}

	return BlockPos{Level: PosOutOfRange}
}

// MaxDoubleIndirectBlocks is the number of data blocks addressable without
// the triple-indirect pointer.
func MaxDoubleIndirectBlocks(blockSize uint64) uint64 {
	p := blockSize / 4
	return NumDirectBlocks + p + p*p
}
