package diskbuilder

import (
	"fmt"

	"github.com/weberc2/mono/stage2/pkg/types"
)

// MemDevice serves sectors from an in-memory image.
type MemDevice struct {
	Image []byte

	// Reads counts ReadSectors calls.
	Reads int
}

var _ types.BlockDevice = (*MemDevice)(nil)

func (d *MemDevice) ReadSectors(lba types.LBA, count uint32, buf []byte) error {
	d.Reads++
	start := uint64(lba) * SectorSize
	end := start + uint64(count)*SectorSize
	if end > uint64(len(d.Image)) {
		return types.NewError(
			types.HardwareFaultErr,
			fmt.Sprintf("sectors `%d+%d` beyond end of image", lba, count),
		)
	}
	if uint64(len(buf)) < end-start {
		return types.NewError(types.ResourceExhaustedErr, "buffer too small")
	}
	copy(buf, d.Image[start:end])
	return nil
}
