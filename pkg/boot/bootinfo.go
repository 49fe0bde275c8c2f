package boot

import (
	"encoding/binary"
	"fmt"

	"github.com/weberc2/mono/stage2/pkg/memory"
	"github.com/weberc2/mono/stage2/pkg/types"
)

const (
	// BootInfoMagic is "STG2".
	BootInfoMagic uint32 = 0x53544732

	bootInfoHeaderSize = 8
	bootInfoRecordSize = 32
)

// EncodeBootInfo lays out the hand-off record: magic, region count and one
// 32-byte record per region.
func EncodeBootInfo(regions []memory.Region) []byte {
	b := make([]byte, bootInfoHeaderSize+bootInfoRecordSize*len(regions))
	binary.LittleEndian.PutUint32(b[0:], BootInfoMagic)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(regions)))
	for i, r := range regions {
		rec := b[bootInfoHeaderSize+i*bootInfoRecordSize:]
		binary.LittleEndian.PutUint64(rec[0:], r.Start)
		binary.LittleEndian.PutUint64(rec[8:], r.Size)
		binary.LittleEndian.PutUint32(rec[16:], uint32(r.Kind))
	}
	return b
}

// DecodeBootInfo is the kernel-side reader for EncodeBootInfo.
func DecodeBootInfo(b []byte) ([]memory.Region, error) {
	if len(b) < bootInfoHeaderSize {
		return nil, types.NewError(types.FormatInvalidErr, "boot info truncated")
	}
	if magic := binary.LittleEndian.Uint32(b); magic != BootInfoMagic {
		return nil, types.NewError(
			types.FormatInvalidErr,
			fmt.Sprintf("boot info magic: wanted `%#x`; found `%#x`", BootInfoMagic, magic),
		)
	}
	count := int(binary.LittleEndian.Uint32(b[4:]))
	if count > memory.MaxRegions || len(b) < bootInfoHeaderSize+count*bootInfoRecordSize {
		return nil, types.NewError(
			types.FormatInvalidErr,
			fmt.Sprintf("boot info region count `%d` out of range", count),
		)
	}

	regions := make([]memory.Region, count)
	for i := range regions {
		rec := b[bootInfoHeaderSize+i*bootInfoRecordSize:]
		regions[i] = memory.Region{
			Start: binary.LittleEndian.Uint64(rec[0:]),
			Size:  binary.LittleEndian.Uint64(rec[8:]),
			Kind:  memory.RegionKind(binary.LittleEndian.Uint32(rec[16:])),
		}
	}
	return regions, nil
}
