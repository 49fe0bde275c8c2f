// Package ata drives the master disk on the primary ATA channel with
// polled, 28-bit LBA PIO transfers.
package ata

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weberc2/mono/stage2/pkg/hw"
	"github.com/weberc2/mono/stage2/pkg/types"
)

// DefaultPollLimit bounds each busy or data-ready wait.
const DefaultPollLimit = 1000000

type ErrNoDevice struct {
	Status uint8
}

func (err *ErrNoDevice) Error() string {
	return fmt.Sprintf("no device on primary channel: status `%#02x`", err.Status)
}

func (err *ErrNoDevice) Is(target error) bool { return target == types.HardwareFaultErr }

type ErrNotATA struct {
	LBA1 uint8
	LBA2 uint8
}

func (err *ErrNotATA) Error() string {
	return fmt.Sprintf(
		"device is not an ATA disk: signature `%#02x:%#02x`",
		err.LBA1,
		err.LBA2,
	)
}

func (err *ErrNotATA) Is(target error) bool { return target == types.HardwareFaultErr }

type ErrDeviceStatus struct {
	Status   uint8
	ErrorReg uint8
}

func (err *ErrDeviceStatus) Error() string {
	return fmt.Sprintf(
		"device reported failure: status `%#02x`, error `%#02x`",
		err.Status,
		err.ErrorReg,
	)
}

func (err *ErrDeviceStatus) Is(target error) bool { return target == types.HardwareFaultErr }

type ErrTimeout struct {
	Waiting string
	Polls   int
}

func (err *ErrTimeout) Error() string {
	return fmt.Sprintf("timed out waiting for %s after %d polls", err.Waiting, err.Polls)
}

func (err *ErrTimeout) Is(target error) bool { return target == types.HardwareFaultErr }

type ErrBufferTooSmall struct {
	Wanted int
	Found  int
}

func (err *ErrBufferTooSmall) Error() string {
	return fmt.Sprintf(
		"buffer too small: wanted `%d` bytes; found `%d`",
		err.Wanted,
		err.Found,
	)
}

func (err *ErrBufferTooSmall) Is(target error) bool {
	return target == types.ResourceExhaustedErr
}

// Identity is the subset of the IDENTIFY DEVICE block the loader uses.
type Identity struct {
	Model   string
	Serial  string
	Sectors uint32
}

// Driver is the block device driver. Init must succeed before
// ReadSectors is called.
type Driver struct {
	Ports hw.PortIO

	// PollLimit bounds every status wait. Zero polls forever.
	PollLimit int

	Logger logrus.FieldLogger

	identity    Identity
	initialized bool
}

var _ types.BlockDevice = (*Driver)(nil)

func New(ports hw.PortIO) *Driver {
	return &Driver{Ports: ports, PollLimit: DefaultPollLimit}
}

func (d *Driver) logger() logrus.FieldLogger {
	if d.Logger == nil {
		d.Logger = logrus.WithField("component", "ata")
	}
	return d.Logger
}

func (d *Driver) Identity() Identity { return d.identity }

// write programs a register and performs the inter-command delay.
func (d *Driver) write(port uint16, value uint8) {
	d.Ports.Outb(port, value)
	hw.IODelay(d.Ports)
}

// settle reads the alternate status register four times, giving the device
// the 400ns it needs to assert BSY after a command.
func (d *Driver) settle() {
	for i := 0; i < 4; i++ {
		d.Ports.Inb(PortControl)
	}
}

func (d *Driver) poll(waiting string, done func(Status) bool) error {
	for i := 0; d.PollLimit <= 0 || i < d.PollLimit; i++ {
		raw := d.Ports.Inb(PortStatus)
		status := DecodeStatus(raw)
		if status.Err || status.DeviceFault {
			return &ErrDeviceStatus{Status: raw, ErrorReg: d.Ports.Inb(PortError)}
		}
		if done(status) {
			return nil
		}
	}
	return &ErrTimeout{Waiting: waiting, Polls: d.PollLimit}
}

func (d *Driver) waitNotBusy() error {
	return d.poll("BSY to clear", func(s Status) bool { return !s.Busy })
}

func (d *Driver) waitDataRequest() error {
	return d.poll("DRQ", func(s Status) bool { return !s.Busy && s.DataRequest })
}

func (d *Driver) readWords(dst []byte) {
	for i := 0; i < wordsPerSector; i++ {
		w := d.Ports.Inw(PortData)
		dst[2*i] = byte(w)
		dst[2*i+1] = byte(w >> 8)
	}
}

// Init probes the master device with IDENTIFY DEVICE. Until it succeeds
// the driver refuses to read, even if an earlier Init succeeded.
func (d *Driver) Init() error {
	log := d.logger()
	d.initialized = false
	d.identity = Identity{}

	d.write(PortControl, controlNIEN)
	d.write(PortDrive, encodeDriveSelect(0))
	d.write(PortSecCount, 0)
	d.write(PortLBA0, 0)
	d.write(PortLBA1, 0)
	d.write(PortLBA2, 0)
	d.write(PortCommand, CmdIdentify)

	if status := d.Ports.Inb(PortStatus); status == 0x00 || status == 0xFF {
		return &ErrNoDevice{Status: status}
	}
	d.settle()

	if err := d.waitNotBusy(); err != nil {
		return errors.Wrap(err, "identifying device")
	}

	// Packet and SATA devices leave their signature in the LBA registers.
	if lba1, lba2 := d.Ports.Inb(PortLBA1), d.Ports.Inb(PortLBA2); lba1 != 0 || lba2 != 0 {
		return &ErrNotATA{LBA1: lba1, LBA2: lba2}
	}

	if err := d.waitDataRequest(); err != nil {
		return errors.Wrap(err, "identifying device")
	}

	var block [wordsPerSector * 2]byte
	d.readWords(block[:])
	d.identity = DecodeIdentity(block[:])
	d.initialized = true

	log.WithField("model", d.identity.Model).
		WithField("serial", d.identity.Serial).
		WithField("size", humanize.IBytes(uint64(d.identity.Sectors)*uint64(types.SectorSize))).
		Infof("found disk")
	return nil
}

// DecodeIdentity decodes the 512-byte IDENTIFY DEVICE block.
func DecodeIdentity(block []byte) Identity {
	word := func(i int) uint16 {
		return uint16(block[2*i]) | uint16(block[2*i+1])<<8
	}
	str := func(first, last int) string {
		var sb strings.Builder
		for i := first; i <= last; i++ {
			w := word(i)
			sb.WriteByte(byte(w >> 8))
			sb.WriteByte(byte(w))
		}
		return strings.TrimSpace(sb.String())
	}
	return Identity{
		Serial:  str(10, 19),
		Model:   str(27, 46),
		Sectors: uint32(word(60)) | uint32(word(61))<<16,
	}
}

// ReadSectors reads `count` sectors starting at `lba` into `buf`. Counts
// larger than MaxSectorsPerCommand are split across commands.
func (d *Driver) ReadSectors(lba types.LBA, count uint32, buf []byte) error {
	if !d.initialized {
		return errors.Wrap(types.UninitializedErr, "reading sectors: ata driver")
	}
	if wanted := int(count) * int(types.SectorSize); len(buf) < wanted {
		return &ErrBufferTooSmall{Wanted: wanted, Found: len(buf)}
	}
	if uint64(lba)+uint64(count) > uint64(types.MaxLBA28) {
		return types.NewError(
			types.UnsupportedErr,
			fmt.Sprintf("sectors `%d+%d` beyond 28-bit addressing", lba, count),
		)
	}

	for count > 0 {
		chunk := count
		if chunk > MaxSectorsPerCommand {
			chunk = MaxSectorsPerCommand
		}

		if err := d.readChunk(uint32(lba), chunk, buf); err != nil {
			return errors.Wrapf(err, "reading sectors `%d+%d`", lba, chunk)
		}

		lba += types.LBA(chunk)
		count -= chunk
		buf = buf[int(chunk)*int(types.SectorSize):]
	}
	return nil
}

func (d *Driver) readChunk(lba uint32, count uint32, buf []byte) error {
	d.write(PortDrive, encodeDriveSelect(lba))
	d.write(PortSecCount, uint8(count))
	d.write(PortLBA0, uint8(lba))
	d.write(PortLBA1, uint8(lba>>8))
	d.write(PortLBA2, uint8(lba>>16))
	d.write(PortCommand, CmdReadSectors)
	d.settle()

	for i := 0; i < int(count); i++ {
		if err := d.waitNotBusy(); err != nil {
			return err
		}
		if err := d.waitDataRequest(); err != nil {
			return err
		}
		d.readWords(buf[i*int(types.SectorSize):])
	}
	return nil
}
