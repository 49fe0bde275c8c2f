package ext2

const GroupDescSize = 32

type GroupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
}

func DecodeGroupDesc(b *[GroupDescSize]byte) GroupDesc {
	return GroupDesc{
		BlockBitmap:     getU32(b[:], 0),
		InodeBitmap:     getU32(b[:], 4),
		InodeTable:      getU32(b[:], 8),
		FreeBlocksCount: getU16(b[:], 12),
		FreeInodesCount: getU16(b[:], 14),
		UsedDirsCount:   getU16(b[:], 16),
	}
}

func (desc *GroupDesc) Encode(b *[GroupDescSize]byte) {
	EncodeUint32(desc.BlockBitmap, b[0:])
	EncodeUint32(desc.InodeBitmap, b[4:])
	EncodeUint32(desc.InodeTable, b[8:])
	EncodeUint16(desc.FreeBlocksCount, b[12:])
	EncodeUint16(desc.FreeInodesCount, b[14:])
	EncodeUint16(desc.UsedDirsCount, b[16:])
}
