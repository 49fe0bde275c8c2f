// Package ataemu emulates the primary channel of a legacy ATA controller
// with a single master disk, backed by an io.ReaderAt. It implements
// hw.PortIO so the real driver can run against disk images.
package ataemu

import (
	"encoding/binary"
	"io"

	"github.com/weberc2/mono/stage2/pkg/hw"
)

// Primary channel port layout.
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
	PortControl  uint16 = 0x3F6
)

const (
	statusERR  uint8 = 0x01
	statusDRQ  uint8 = 0x08
	statusDF   uint8 = 0x20
	statusDRDY uint8 = 0x40
	statusBSY  uint8 = 0x80

	errorABRT uint8 = 0x04
	errorUNC  uint8 = 0x40

	cmdIdentify    uint8 = 0xEC
	cmdReadSectors uint8 = 0x20

	sectorSize = 512
)

type Op uint8

const (
	OpInb Op = iota
	OpInw
	OpOutb
)

func (op Op) String() string {
	switch op {
	case OpInb:
		return "inb"
	case OpInw:
		return "inw"
	case OpOutb:
		return "outb"
	default:
		return "invalid"
	}
}

// Access is one recorded port access.
type Access struct {
	Op    Op
	Port  uint16
	Value uint16
}

// Command is one command accepted by the device.
type Command struct {
	Code  uint8
	LBA   uint32
	Count uint32
}

type Option func(*Device)

// WithAbsent makes every status read return `status` (0x00 or the floating
// bus value 0xFF), as if nothing were attached to the channel.
func WithAbsent(status uint8) Option {
	return func(d *Device) {
		d.absent = true
		d.absentStatus = status
	}
}

// WithATAPI answers IDENTIFY with the packet-device signature.
func WithATAPI() Option { return func(d *Device) { d.atapi = true } }

// WithFaultOnIdentify raises the device fault bit in response to IDENTIFY.
func WithFaultOnIdentify() Option { return func(d *Device) { d.faultIdentify = true } }

// WithErrorOn fails any read that covers `lba` with an uncorrectable-data
// error.
func WithErrorOn(lba uint32) Option {
	return func(d *Device) { d.badSectors[lba] = struct{}{} }
}

// WithBusyPolls keeps BSY set for `n` status reads before each sector
// becomes ready.
func WithBusyPolls(n int) Option { return func(d *Device) { d.busyPolls = n } }

// WithWedged keeps BSY set forever once a command is issued.
func WithWedged() Option { return func(d *Device) { d.wedged = true } }

// WithModel sets the model string reported by IDENTIFY.
func WithModel(model string) Option { return func(d *Device) { d.model = model } }

// WithRecording records every port access; see Log.
func WithRecording() Option { return func(d *Device) { d.recording = true } }

// Device is the emulated controller plus disk.
type Device struct {
	disk    io.ReaderAt
	sectors uint32

	absent        bool
	absentStatus  uint8
	atapi         bool
	faultIdentify bool
	wedged        bool
	busyPolls     int
	badSectors    map[uint32]struct{}
	model         string
	recording     bool

	seccount, lba0, lba1, lba2, drive uint8
	status, errReg, control           uint8

	busy      int
	buf       [sectorSize]byte
	pos       int
	next      uint32
	remaining uint32

	log      []Access
	commands []Command
}

var _ hw.PortIO = (*Device)(nil)

// New attaches `disk`, which holds `sectors` 512-byte sectors.
func New(disk io.ReaderAt, sectors uint32, opts ...Option) *Device {
	d := &Device{
		disk:       disk,
		sectors:    sectors,
		badSectors: map[uint32]struct{}{},
		model:      "STAGE2 EMULATED DISK",
		status:     statusDRDY,
		pos:        sectorSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Log returns the recorded port accesses (WithRecording only).
func (d *Device) Log() []Access { return d.log }

// Commands returns every command the device accepted.
func (d *Device) Commands() []Command { return d.commands }

func (d *Device) record(op Op, port uint16, value uint16) {
	if d.recording {
		d.log = append(d.log, Access{Op: op, Port: port, Value: value})
	}
}

func (d *Device) currentStatus(poll bool) uint8 {
	if d.absent {
		return d.absentStatus
	}
	if d.busy > 0 {
		if poll {
			d.busy--
		}
		return statusBSY
	}
	return d.status
}

func (d *Device) Inb(port uint16) uint8 {
	var v uint8
	switch port {
	case PortStatus:
		v = d.currentStatus(true)
	case PortControl:
		v = d.currentStatus(false)
	case PortError:
		v = d.errReg
	case PortSecCount:
		v = d.seccount
	case PortLBA0:
		v = d.lba0
	case PortLBA1:
		v = d.lba1
	case PortLBA2:
		v = d.lba2
	case PortDrive:
		v = d.drive
	default:
		v = 0xFF
	}
	d.record(OpInb, port, uint16(v))
	return v
}

func (d *Device) Inw(port uint16) uint16 {
	var v uint16
	if port == PortData && !d.absent && d.busy == 0 && d.status&statusDRQ != 0 {
		v = binary.LittleEndian.Uint16(d.buf[d.pos:])
		d.pos += 2
		if d.pos >= sectorSize {
			d.sectorDone()
		}
	} else {
		v = 0xFFFF
	}
	d.record(OpInw, port, v)
	return v
}

func (d *Device) Outb(port uint16, value uint8) {
	d.record(OpOutb, port, uint16(value))
	if d.absent {
		return
	}
	switch port {
	case PortSecCount:
		d.seccount = value
	case PortLBA0:
		d.lba0 = value
	case PortLBA1:
		d.lba1 = value
	case PortLBA2:
		d.lba2 = value
	case PortDrive:
		d.drive = value
	case PortControl:
		d.control = value
	case PortCommand:
		d.command(value)
	}
}

func (d *Device) command(code uint8) {
	d.errReg = 0
	d.pos = sectorSize
	d.remaining = 0
	if d.wedged {
		d.busy = int(^uint(0) >> 1)
		return
	}

	switch code {
	case cmdIdentify:
		d.commands = append(d.commands, Command{Code: code})
		d.identify()
	case cmdReadSectors:
		count := uint32(d.seccount)
		if count == 0 {
			count = 256
		}
		lba := uint32(d.lba0) |
			uint32(d.lba1)<<8 |
			uint32(d.lba2)<<16 |
			uint32(d.drive&0x0F)<<24
		d.commands = append(d.commands, Command{Code: code, LBA: lba, Count: count})
		d.next = lba
		d.remaining = count
		d.loadSector()
	default:
		d.errReg = errorABRT
		d.status = statusDRDY | statusERR
	}
}

func (d *Device) identify() {
	switch {
	case d.faultIdentify:
		d.status = statusDRDY | statusDF
		return
	case d.atapi:
		d.lba1, d.lba2 = 0x14, 0xEB
		d.status = statusDRDY
		return
	}

	d.lba1, d.lba2 = 0, 0
	d.buf = [sectorSize]byte{}
	putString(d.buf[20:40], "STAGE2EMU0001")
	putString(d.buf[54:94], d.model)
	binary.LittleEndian.PutUint16(d.buf[98:], 1<<9) // LBA supported
	lba28 := d.sectors
	if lba28 >= 1<<28 {
		lba28 = 1<<28 - 1
	}
	binary.LittleEndian.PutUint32(d.buf[120:], lba28)
	d.pos = 0
	d.busy = d.busyPolls
	d.status = statusDRDY | statusDRQ
}

// putString stores an ATA string: space padded, two characters per word,
// first character in the high byte.
func putString(b []byte, s string) {
	for i := range b {
		b[i] = ' '
	}
	for i := 0; i < len(s) && i < len(b); i++ {
		b[i^1] = s[i]
	}
}

func (d *Device) loadSector() {
	if _, bad := d.badSectors[d.next]; bad || d.next >= d.sectors {
		d.errReg = errorUNC
		d.status = statusDRDY | statusERR
		d.remaining = 0
		return
	}

	d.buf = [sectorSize]byte{}
	n, err := d.disk.ReadAt(d.buf[:], int64(d.next)*sectorSize)
	if err != nil && !(err == io.EOF && n > 0) {
		d.errReg = errorUNC
		d.status = statusDRDY | statusERR
		d.remaining = 0
		return
	}
	d.next++
	d.remaining--
	d.pos = 0
	d.busy = d.busyPolls
	d.status = statusDRDY | statusDRQ
}

func (d *Device) sectorDone() {
	if d.remaining > 0 {
		d.loadSector()
		return
	}
	d.status = statusDRDY
}
