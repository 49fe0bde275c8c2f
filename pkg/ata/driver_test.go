package ata

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/weberc2/mono/stage2/pkg/hw"
	"github.com/weberc2/mono/stage2/pkg/hw/ataemu"
	"github.com/weberc2/mono/stage2/pkg/types"
)

// patternDisk fills every sector with the low byte of its LBA.
type patternDisk struct{}

func (patternDisk) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = byte((off + int64(i)) / 512)
	}
	return len(p), nil
}

func newDisk(sectors int) []byte {
	disk := make([]byte, sectors*512)
	for i := range disk {
		disk[i] = byte(i/512) ^ byte(i)
	}
	return disk
}

func initDriver(t *testing.T, dev *ataemu.Device) *Driver {
	t.Helper()
	d := New(dev)
	require.NoError(t, d.Init())
	return d
}

func TestInitIdentity(t *testing.T) {
	disk := newDisk(64)
	d := initDriver(t, ataemu.New(bytes.NewReader(disk), 64, ataemu.WithModel("QEMU HARDDISK")))

	id := d.Identity()
	if id.Model != "QEMU HARDDISK" {
		t.Fatalf("Identity.Model: wanted `QEMU HARDDISK`; found `%s`", id.Model)
	}
	if id.Serial != "STAGE2EMU0001" {
		t.Fatalf("Identity.Serial: wanted `STAGE2EMU0001`; found `%s`", id.Serial)
	}
	if id.Sectors != 64 {
		t.Fatalf("Identity.Sectors: wanted `64`; found `%d`", id.Sectors)
	}
}

func TestInitFailures(t *testing.T) {
	for _, tc := range []struct {
		name   string
		opts   []ataemu.Option
		target interface{}
	}{
		{"no device", []ataemu.Option{ataemu.WithAbsent(0x00)}, new(*ErrNoDevice)},
		{"floating bus", []ataemu.Option{ataemu.WithAbsent(0xFF)}, new(*ErrNoDevice)},
		{"atapi", []ataemu.Option{ataemu.WithATAPI()}, new(*ErrNotATA)},
		{"device fault", []ataemu.Option{ataemu.WithFaultOnIdentify()}, new(*ErrDeviceStatus)},
		{"wedged", []ataemu.Option{ataemu.WithWedged()}, new(*ErrTimeout)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := ataemu.New(bytes.NewReader(newDisk(8)), 8, tc.opts...)
			d := New(dev)
			d.PollLimit = 100

			err := d.Init()
			require.Error(t, err)
			require.True(t, errors.Is(err, types.HardwareFaultErr), "kind: %v", err)
			require.True(t, errors.As(err, tc.target), "type: %T", err)

			err = d.ReadSectors(0, 1, make([]byte, 512))
			require.True(t, errors.Is(err, types.UninitializedErr), "%v", err)
		})
	}
}

func TestFailedReinitDisablesReads(t *testing.T) {
	d := initDriver(t, ataemu.New(bytes.NewReader(newDisk(8)), 8))
	require.NoError(t, d.ReadSectors(0, 1, make([]byte, 512)))

	d.Ports = ataemu.New(bytes.NewReader(newDisk(8)), 8, ataemu.WithFaultOnIdentify())
	d.PollLimit = 100
	require.Error(t, d.Init())

	err := d.ReadSectors(0, 1, make([]byte, 512))
	require.True(t, errors.Is(err, types.UninitializedErr), "%v", err)
	if id := d.Identity(); id.Sectors != 0 {
		t.Fatalf("Identity.Sectors: wanted `0`; found `%d`", id.Sectors)
	}
}

func TestReadSectors(t *testing.T) {
	disk := newDisk(16)
	d := initDriver(t, ataemu.New(bytes.NewReader(disk), 16, ataemu.WithBusyPolls(3)))

	buf := make([]byte, 4*512)
	require.NoError(t, d.ReadSectors(5, 4, buf))
	require.Equal(t, disk[5*512:9*512], buf)
}

func TestReadSectorsChunked(t *testing.T) {
	const sectors = 600
	disk := newDisk(sectors)
	dev := ataemu.New(bytes.NewReader(disk), sectors)
	d := initDriver(t, dev)

	buf := make([]byte, sectors*512)
	require.NoError(t, d.ReadSectors(0, sectors, buf))
	require.Equal(t, disk, buf)

	require.Equal(
		t,
		[]ataemu.Command{
			{Code: CmdIdentify},
			{Code: CmdReadSectors, LBA: 0, Count: 255},
			{Code: CmdReadSectors, LBA: 255, Count: 255},
			{Code: CmdReadSectors, LBA: 510, Count: 90},
		},
		dev.Commands(),
	)
}

func TestReadSectorsErrors(t *testing.T) {
	dev := ataemu.New(bytes.NewReader(newDisk(16)), 16, ataemu.WithErrorOn(3))
	d := initDriver(t, dev)

	err := d.ReadSectors(0, 2, make([]byte, 512))
	require.True(t, errors.Is(err, types.ResourceExhaustedErr), "%v", err)

	err = d.ReadSectors(2, 2, make([]byte, 1024))
	require.True(t, errors.Is(err, types.HardwareFaultErr), "%v", err)
	var statusErr *ErrDeviceStatus
	require.True(t, errors.As(err, &statusErr))
	if statusErr.ErrorReg != 0x40 {
		t.Fatalf("ErrDeviceStatus.ErrorReg: wanted `0x40`; found `%#x`", statusErr.ErrorReg)
	}

	err = d.ReadSectors(types.MaxLBA28-1, 2, make([]byte, 1024))
	require.True(t, errors.Is(err, types.UnsupportedErr), "%v", err)

	require.NoError(t, d.ReadSectors(0, 0, nil))
}

func TestRegisterWritesFollowedByDelay(t *testing.T) {
	dev := ataemu.New(patternDisk{}, 1<<27, ataemu.WithRecording())
	d := initDriver(t, dev)

	const lba = 0x1234567
	buf := make([]byte, 2*512)
	require.NoError(t, d.ReadSectors(lba, 2, buf))
	require.Equal(t, byte(lba&0xFF), buf[0])
	require.Equal(t, byte((lba+1)&0xFF), buf[512])

	log := dev.Log()
	writes := 0
	for i, access := range log {
		if access.Op != ataemu.OpOutb || access.Port == hw.DelayPort {
			continue
		}
		writes++
		if i+1 >= len(log) {
			t.Fatalf("write to `%#x` is the last access", access.Port)
		}
		next := log[i+1]
		if next.Op != ataemu.OpOutb || next.Port != hw.DelayPort {
			t.Fatalf(
				"access %d: wanted delay after write to `%#x`; found %s `%#x`",
				i,
				access.Port,
				next.Op,
				next.Port,
			)
		}
	}
	require.Equal(t, 13, writes)

	require.Contains(t, log, ataemu.Access{Op: ataemu.OpOutb, Port: PortDrive, Value: 0xE1})
	require.Contains(t, log, ataemu.Access{Op: ataemu.OpOutb, Port: PortLBA2, Value: 0x23})
}

func TestDecodeStatus(t *testing.T) {
	for _, tc := range []struct {
		raw    uint8
		wanted Status
	}{
		{0x00, Status{}},
		{0x58, Status{Ready: true, SeekComplete: true, DataRequest: true}},
		{0x80, Status{Busy: true}},
		{0x21, Status{Err: true, DeviceFault: true}},
	} {
		if found := DecodeStatus(tc.raw); found != tc.wanted {
			t.Fatalf("DecodeStatus(%#x): wanted `%+v`; found `%+v`", tc.raw, tc.wanted, found)
		}
	}
}

func TestEncodeDriveSelect(t *testing.T) {
	for _, tc := range []struct {
		lba    uint32
		wanted uint8
	}{
		{0, 0xE0},
		{0x0FFFFFFF, 0xEF},
		{0x01000000, 0xE1},
	} {
		if found := encodeDriveSelect(tc.lba); found != tc.wanted {
			t.Fatalf("encodeDriveSelect(%#x): wanted `%#x`; found `%#x`", tc.lba, tc.wanted, found)
		}
	}
}
