// Package hw holds the two hardware capabilities the loader is written
// against: x86 port I/O and a bounds-checked window onto physical memory.
package hw

// PortIO is x86 `in`/`out` access to the I/O port space.
type PortIO interface {
	Inb(port uint16) uint8
	Inw(port uint16) uint16
	Outb(port uint16, value uint8)
}

// DelayPort is the POST diagnostic port. Writes to it take roughly one
// microsecond on ISA-compatible buses and have no other effect.
const DelayPort uint16 = 0x80

// IODelay performs the dummy I/O access that must follow register writes.
func IODelay(p PortIO) {
	p.Outb(DelayPort, 0)
}
