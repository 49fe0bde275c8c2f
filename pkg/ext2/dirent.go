package ext2

const DirEntryHeaderSize = 8

// Directory entry file type tags.
const (
	DirTypeUnknown uint8 = 0
	DirTypeRegular uint8 = 1
	DirTypeDir     uint8 = 2
)

type DirEntryHeader struct {
	Ino      Ino
	RecLen   uint16
	NameLen  uint8
	FileType uint8
}

func DecodeDirEntryHeader(b []byte) DirEntryHeader {
	return DirEntryHeader{
		Ino:      Ino(getU32(b, 0)),
		RecLen:   getU16(b, 4),
		NameLen:  b[6],
		FileType: b[7],
	}
}

func (h *DirEntryHeader) Encode(b []byte) {
	EncodeUint32(uint32(h.Ino), b[0:])
	EncodeUint16(h.RecLen, b[4:])
	b[6] = h.NameLen
	b[7] = h.FileType
}

// DirEntryRecLen is the minimal 4-byte aligned record length for a name.
func DirEntryRecLen(nameLen int) uint16 {
	return uint16((DirEntryHeaderSize + nameLen + 3) &^ 3)
}
