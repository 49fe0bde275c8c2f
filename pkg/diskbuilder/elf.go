package diskbuilder

import (
	"debug/elf"
	"encoding/binary"
)

// Segment is one program header plus its file contents.
type Segment struct {
	Type    elf.ProgType
	VAddr   uint64
	Data    []byte
	MemSize uint64
}

// Load is a PT_LOAD segment of `memSize` bytes whose first len(data) bytes
// come from the file.
func Load(vaddr uint64, data []byte, memSize uint64) Segment {
	if memSize < uint64(len(data)) {
		memSize = uint64(len(data))
	}
	return Segment{Type: elf.PT_LOAD, VAddr: vaddr, Data: data, MemSize: memSize}
}

const (
	elf64HeaderSize = 64
	elf64PhdrSize   = 56
	elf32HeaderSize = 52
	elf32PhdrSize   = 32
)

func ident(class elf.Class) []byte {
	return []byte{
		0x7f, 'E', 'L', 'F',
		byte(class),
		byte(elf.ELFDATA2LSB),
		byte(elf.EV_CURRENT),
	}
}

// ELF64 builds a little-endian 64-bit executable.
func ELF64(entry uint64, segments ...Segment) []byte {
	le := binary.LittleEndian
	offset := uint64(elf64HeaderSize + elf64PhdrSize*len(segments))
	size := offset
	for _, s := range segments {
		size += uint64(len(s.Data))
	}

	b := make([]byte, size)
	copy(b, ident(elf.ELFCLASS64))
	le.PutUint16(b[16:], uint16(elf.ET_EXEC))
	le.PutUint16(b[18:], uint16(elf.EM_X86_64))
	le.PutUint32(b[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(b[24:], entry)
	le.PutUint64(b[32:], elf64HeaderSize)
	le.PutUint16(b[52:], elf64HeaderSize)
	le.PutUint16(b[54:], elf64PhdrSize)
	le.PutUint16(b[56:], uint16(len(segments)))

	for i, s := range segments {
		ph := b[elf64HeaderSize+i*elf64PhdrSize:]
		le.PutUint32(ph[0:], uint32(s.Type))
		le.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_X))
		le.PutUint64(ph[8:], offset)
		le.PutUint64(ph[16:], s.VAddr)
		le.PutUint64(ph[24:], s.VAddr)
		le.PutUint64(ph[32:], uint64(len(s.Data)))
		le.PutUint64(ph[40:], s.MemSize)
		le.PutUint64(ph[48:], 0x1000)
		copy(b[offset:], s.Data)
		offset += uint64(len(s.Data))
	}
	return b
}

// ELF32 builds a little-endian 32-bit executable.
func ELF32(entry uint32, segments ...Segment) []byte {
	le := binary.LittleEndian
	offset := uint32(elf32HeaderSize + elf32PhdrSize*len(segments))
	size := offset
	for _, s := range segments {
		size += uint32(len(s.Data))
	}

	b := make([]byte, size)
	copy(b, ident(elf.ELFCLASS32))
	le.PutUint16(b[16:], uint16(elf.ET_EXEC))
	le.PutUint16(b[18:], uint16(elf.EM_386))
	le.PutUint32(b[20:], uint32(elf.EV_CURRENT))
	le.PutUint32(b[24:], entry)
	le.PutUint32(b[28:], elf32HeaderSize)
	le.PutUint16(b[40:], elf32HeaderSize)
	le.PutUint16(b[42:], elf32PhdrSize)
	le.PutUint16(b[44:], uint16(len(segments)))

	for i, s := range segments {
		ph := b[elf32HeaderSize+i*elf32PhdrSize:]
		le.PutUint32(ph[0:], uint32(s.Type))
		le.PutUint32(ph[4:], offset)
		le.PutUint32(ph[8:], uint32(s.VAddr))
		le.PutUint32(ph[12:], uint32(s.VAddr))
		le.PutUint32(ph[16:], uint32(len(s.Data)))
		le.PutUint32(ph[20:], uint32(s.MemSize))
		le.PutUint32(ph[24:], uint32(elf.PF_R|elf.PF_X))
		le.PutUint32(ph[28:], 0x1000)
		copy(b[offset:], s.Data)
		offset += uint32(len(s.Data))
	}
	return b
}
