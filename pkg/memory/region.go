package memory

import "fmt"

type RegionKind uint32

// Region kinds. The first five share their values with the firmware (E820)
// memory map types.
const (
	Available RegionKind = iota + 1
	Reserved
	AcpiReclaim
	AcpiNvs
	BadMemory
	Bootloader
	Kernel
)

func (kind RegionKind) String() string {
	switch kind {
	case Available:
		return "available"
	case Reserved:
		return "reserved"
	case AcpiReclaim:
		return "acpi-reclaim"
	case AcpiNvs:
		return "acpi-nvs"
	case BadMemory:
		return "bad"
	case Bootloader:
		return "bootloader"
	case Kernel:
		return "kernel"
	default:
		return fmt.Sprintf("RegionKind(%d)", uint32(kind))
	}
}

func (kind RegionKind) valid() bool { return kind >= Available && kind <= Kernel }

type Region struct {
	Start uint64
	Size  uint64
	Kind  RegionKind
}

func (r Region) End() uint64 { return r.Start + r.Size }

func (r Region) Overlaps(start, size uint64) bool {
	return start < r.End() && r.Start < start+size
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %s", r.Start, r.End(), r.Kind)
}
