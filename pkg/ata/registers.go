package ata

import "github.com/weberc2/mono/stage2/pkg/bitfield"

// Primary channel registers.
const (
	PortData     uint16 = 0x1F0
	PortError    uint16 = 0x1F1
	PortSecCount uint16 = 0x1F2
	PortLBA0     uint16 = 0x1F3
	PortLBA1     uint16 = 0x1F4
	PortLBA2     uint16 = 0x1F5
	PortDrive    uint16 = 0x1F6
	PortCommand  uint16 = 0x1F7
	PortStatus   uint16 = 0x1F7
	PortControl  uint16 = 0x3F6 // device control on write, alternate status on read
)

const (
	CmdReadSectors uint8 = 0x20
	CmdIdentify    uint8 = 0xEC

	// controlNIEN masks the device interrupt.
	controlNIEN uint8 = 0x02

	// MaxSectorsPerCommand is the largest count a single READ SECTORS
	// command is issued with. The register is eight bits and zero means 256,
	// so 255 is used to keep zero meaning "nothing".
	MaxSectorsPerCommand = 255

	wordsPerSector = 256
)

// Status is the decoded status register.
type Status struct {
	Err          bool `bitfield:",1"`
	Index        bool `bitfield:",1"`
	Corrected    bool `bitfield:",1"`
	DataRequest  bool `bitfield:",1"`
	SeekComplete bool `bitfield:",1"`
	DeviceFault  bool `bitfield:",1"`
	Ready        bool `bitfield:",1"`
	Busy         bool `bitfield:",1"`
}

// DecodeStatus decodes a raw status byte.
func DecodeStatus(raw uint8) Status {
	var s Status
	if err := bitfield.Unpack(uint64(raw), &s); err != nil {
		panic(err)
	}
	return s
}

// driveSelect is the drive/head register. Bits 5 and 7 are obsolete and
// must be written as one.
type driveSelect struct {
	LBAHigh   uint32 `bitfield:",4"`
	Slave     bool   `bitfield:",1"`
	Obsolete  bool   `bitfield:",1"`
	LBA       bool   `bitfield:",1"`
	Obsolete2 bool   `bitfield:",1"`
}

func encodeDriveSelect(lba uint32) uint8 {
	packed, err := bitfield.Pack(
		&driveSelect{
			LBAHigh:   (lba >> 24) & 0x0F,
			Obsolete:  true,
			LBA:       true,
			Obsolete2: true,
		},
		&bitfield.Config{NumBits: 8},
	)
	if err != nil {
		panic(err)
	}
	return uint8(packed)
}
