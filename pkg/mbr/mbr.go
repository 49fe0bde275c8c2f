// Package mbr reads the classic four-entry partition table from sector 0.
package mbr

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weberc2/mono/stage2/pkg/types"
)

const (
	TableOffset = 446
	EntrySize   = 16
	NumEntries  = 4

	SignatureOffset        = 510
	Signature       uint16 = 0xAA55

	FlagBootable uint8 = 0x80
)

// Entry is one partition record. The zero value is an empty slot.
type Entry struct {
	Bootable bool
	Type     uint8
	StartLBA types.LBA
	Sectors  uint32
}

// Empty reports whether the slot holds no partition.
func (e Entry) Empty() bool { return e.Type == 0 || e.Sectors == 0 }

// Table is a parsed partition table. Empty slots hold the zero Entry.
type Table struct {
	SignatureValid bool
	Signature      uint16
	Entries        [NumEntries]Entry
	Count          int
}

// DecodeEntry decodes a 16-byte partition record.
func DecodeEntry(b []byte) Entry {
	return Entry{
		Bootable: b[0] == FlagBootable,
		Type:     b[4],
		StartLBA: types.LBA(binary.LittleEndian.Uint32(b[8:])),
		Sectors:  binary.LittleEndian.Uint32(b[12:]),
	}
}

// Parse decodes a 512-byte partition table sector. Empty records are
// skipped; the signature is recorded but never enforced.
func Parse(sector []byte) Table {
	var t Table
	t.Signature = binary.LittleEndian.Uint16(sector[SignatureOffset:])
	t.SignatureValid = t.Signature == Signature
	for i := 0; i < NumEntries; i++ {
		off := TableOffset + i*EntrySize
		entry := DecodeEntry(sector[off : off+EntrySize])
		if entry.Empty() {
			continue
		}
		t.Entries[i] = entry
		t.Count++
	}
	return t
}

// Probe reads and parses sector 0 of `dev`. A missing signature is logged
// and parsing proceeds on the raw bytes.
func Probe(dev types.BlockDevice, log logrus.FieldLogger) (Table, error) {
	if log == nil {
		log = logrus.WithField("component", "mbr")
	}

	var sector [types.SectorSize]byte
	if err := dev.ReadSectors(0, 1, sector[:]); err != nil {
		return Table{}, errors.Wrap(err, "reading partition table")
	}

	t := Parse(sector[:])
	if !t.SignatureValid {
		log.WithField("signature", fmt.Sprintf("%#04x", t.Signature)).
			Warnf("partition table signature mismatch")
	}
	log.WithField("partitions", t.Count).Infof("probed partition table")
	return t, nil
}

// FindActivePartition returns the lowest-indexed bootable entry.
func (t *Table) FindActivePartition() (int, Entry, bool) {
	for i, e := range t.Entries {
		if !e.Empty() && e.Bootable {
			return i, e, true
		}
	}
	return -1, Entry{}, false
}

// FirstPresentPartition returns the lowest-indexed non-empty entry.
func (t *Table) FirstPresentPartition() (int, Entry, bool) {
	for i, e := range t.Entries {
		if !e.Empty() {
			return i, e, true
		}
	}
	return -1, Entry{}, false
}

// Boot selects the partition to boot from: the active partition, else the
// first present one.
func (t *Table) Boot() (int, Entry, bool) {
	if i, e, ok := t.FindActivePartition(); ok {
		return i, e, true
	}
	return t.FirstPresentPartition()
}

// Describe writes one line per slot.
func (t *Table) Describe(w io.Writer) error {
	for i, e := range t.Entries {
		var err error
		if e.Empty() {
			_, err = fmt.Fprintf(w, "%d: empty\n", i)
		} else {
			flag := ' '
			if e.Bootable {
				flag = '*'
			}
			_, err = fmt.Fprintf(
				w,
				"%d:%c %#02x %-12s start=%d sectors=%d (%s)\n",
				i,
				flag,
				e.Type,
				TypeName(e.Type),
				e.StartLBA,
				e.Sectors,
				humanize.IBytes(uint64(e.Sectors)*uint64(types.SectorSize)),
			)
		}
		if err != nil {
			return errors.Wrapf(err, "describing partition %d", i)
		}
	}
	return nil
}

var typeNames = map[uint8]string{
	0x01: "FAT12",
	0x04: "FAT16",
	0x05: "Extended",
	0x06: "FAT16B",
	0x07: "NTFS/exFAT",
	0x0B: "FAT32",
	0x0C: "FAT32 LBA",
	0x0E: "FAT16 LBA",
	0x0F: "Extended LBA",
	0x82: "Linux swap",
	0x83: "Linux",
	0x8E: "Linux LVM",
	0xA5: "FreeBSD",
	0xEE: "GPT",
	0xEF: "EFI System",
}

// TypeName names a partition type code.
func TypeName(code uint8) string {
	if name, ok := typeNames[code]; ok {
		return name
	}
	return "unknown"
}
