// Package diskbuilder assembles synthetic disk images in memory: partition
// tables, ext2 volumes and ELF executables. Tests and `bootsim mkimage` use
// it to produce the inputs the loader consumes.
package diskbuilder

import (
	"encoding/binary"

	"github.com/weberc2/mono/stage2/pkg/mbr"
)

const SectorSize = 512

// Partition is one partition table record. The zero value is an empty slot.
type Partition struct {
	Bootable bool
	Type     uint8
	StartLBA uint32
	Sectors  uint32
}

// MBR returns a partition table sector with `slots[i]` in slot i.
func MBR(slots ...Partition) []byte {
	sector := make([]byte, SectorSize)
	for i, p := range slots {
		if i >= mbr.NumEntries {
			break
		}
		b := sector[mbr.TableOffset+i*mbr.EntrySize:]
		if p.Bootable {
			b[0] = mbr.FlagBootable
		}
		b[4] = p.Type
		binary.LittleEndian.PutUint32(b[8:], p.StartLBA)
		binary.LittleEndian.PutUint32(b[12:], p.Sectors)
	}
	binary.LittleEndian.PutUint16(sector[mbr.SignatureOffset:], mbr.Signature)
	return sector
}

// Slot places a volume image on a Disk.
type Slot struct {
	Bootable bool
	Type     uint8
	StartLBA uint32
	Image    []byte
}

// Disk is a partitioned disk. Empty slots have a nil Image.
type Disk struct {
	Slots [mbr.NumEntries]Slot
}

// Bytes lays out the partition table followed by every slot's image at its
// start sector.
func (d *Disk) Bytes() []byte {
	var partitions [mbr.NumEntries]Partition
	size := uint64(SectorSize)
	for i, s := range d.Slots {
		if s.Image == nil {
			continue
		}
		sectors := (uint64(len(s.Image)) + SectorSize - 1) / SectorSize
		partitions[i] = Partition{
			Bootable: s.Bootable,
			Type:     s.Type,
			StartLBA: s.StartLBA,
			Sectors:  uint32(sectors),
		}
		if end := (uint64(s.StartLBA) + sectors) * SectorSize; end > size {
			size = end
		}
	}

	image := make([]byte, size)
	copy(image, MBR(partitions[:]...))
	for _, s := range d.Slots {
		if s.Image != nil {
			copy(image[uint64(s.StartLBA)*SectorSize:], s.Image)
		}
	}
	return image
}
