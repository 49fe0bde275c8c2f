package types

// LBA is a linear sector index on a block device.
type LBA uint32

// Byte is a byte count or byte offset.
type Byte int64

const (
	SectorSize Byte = 512

	// MaxLBA28 is the first sector that 28-bit LBA commands cannot address.
	MaxLBA28 LBA = 1 << 28
)

// BlockDevice reads whole 512-byte sectors.
type BlockDevice interface {
	ReadSectors(lba LBA, count uint32, buf []byte) error
}
