package boot

import (
	"bytes"
	"runtime"
	"strings"
	"testing"

	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/weberc2/mono/stage2/pkg/config"
	"github.com/weberc2/mono/stage2/pkg/diskbuilder"
	"github.com/weberc2/mono/stage2/pkg/hw"
	"github.com/weberc2/mono/stage2/pkg/hw/ataemu"
	"github.com/weberc2/mono/stage2/pkg/memory"
	"github.com/weberc2/mono/stage2/pkg/types"
)

type jump struct {
	entry, bootInfo    uint64
	interruptsDisabled bool
}

type fakeCPU struct {
	interruptsDisabled bool
	jumps              []jump
	halts              int
}

func (c *fakeCPU) DisableInterrupts() { c.interruptsDisabled = true }

func (c *fakeCPU) Jump(entry, bootInfo uint64) {
	c.jumps = append(c.jumps, jump{entry, bootInfo, c.interruptsDisabled})
}

// Halt ends the calling goroutine, standing in for a CPU that never wakes.
func (c *fakeCPU) Halt() {
	c.halts++
	runtime.Goexit()
}

func run(m *Machine) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run()
	}()
	<-done
}

func kernelImage(entry uint64) ([]byte, []byte) {
	text := bytes.Repeat([]byte{0x90}, 300)
	return diskbuilder.ELF64(entry, diskbuilder.Load(entry, text, 0x2000)), text
}

func partitionedDisk(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	fs := diskbuilder.NewExt2(diskbuilder.Params{VolumeName: "boot"})
	for path, data := range files {
		_, err := fs.AddFile(path, data)
		require.NoError(t, err)
	}
	var disk diskbuilder.Disk
	disk.Slots[0] = diskbuilder.Slot{Type: 0x0C, StartLBA: 63, Image: make([]byte, 4096)}
	disk.Slots[2] = diskbuilder.Slot{Bootable: true, Type: 0x83, StartLBA: 2048, Image: fs.Bytes()}
	return disk.Bytes()
}

func newMachine(disk []byte, opts ...ataemu.Option) (*Machine, *fakeCPU) {
	cpu := &fakeCPU{}
	return &Machine{
		Ports:  ataemu.New(bytes.NewReader(disk), uint32(len(disk)/diskbuilder.SectorSize), opts...),
		Window: hw.NewWindow(0, make([]byte, 0x800000)),
		CPU:    cpu,
		Config: config.Default(),
	}, cpu
}

func TestFindAndLoadKernel(t *testing.T) {
	image, text := kernelImage(0x200000)
	m, _ := newMachine(partitionedDisk(t, map[string][]byte{"/boot/kernel.elf": image}))

	k, err := m.FindAndLoadKernel()
	require.NoError(t, err)
	require.Equal(t, "/boot/kernel.elf", k.Path)
	require.Equal(t, 2, k.Partition)
	require.Equal(t, len(image), k.Size)
	require.Equal(t, blake2b.Sum256(image), k.Digest)
	if k.Entry != 0x200000 {
		t.Fatalf("Entry: wanted `0x200000`; found `%#x`", k.Entry)
	}

	loaded := make([]byte, len(text))
	require.NoError(t, m.Window.Read(0x200000, loaded))
	require.Equal(t, text, loaded)

	// The boot info page sits below the kernel.
	require.Equal(t, uint64(0x100000), k.BootInfo)
	page, err := m.Window.Slice(k.BootInfo, memory.PageSize)
	require.NoError(t, err)
	regions, err := DecodeBootInfo(page)
	require.NoError(t, err)
	require.Equal(t, m.Memory().Regions(), regions)
	require.Equal(t, memory.Region{Start: 0x200000, Size: 0x2000, Kind: memory.Kernel}, regions[len(regions)-1])

	require.Equal(t, "boot", m.FileSystem().Info().VolumeName)
	lines := strings.Join(m.Console().Lines(), "\n")
	require.Contains(t, lines, "[boot] found kernel")
	require.Contains(t, lines, "[mbr] selected boot partition")
}

func TestFindAndLoadKernelFallsBackToLaterPaths(t *testing.T) {
	image, _ := kernelImage(0x300000)
	m, _ := newMachine(partitionedDisk(t, map[string][]byte{
		"/kernel.elf": image,
		"/boot/notes": []byte("not here"),
	}))

	k, err := m.FindAndLoadKernel()
	require.NoError(t, err)
	require.Equal(t, "/kernel.elf", k.Path)
	require.Equal(t, uint64(0x300000), k.Entry)
}

func TestFindAndLoadKernelSkipsUnusableCandidates(t *testing.T) {
	image, text := kernelImage(0x200000)
	outside := diskbuilder.ELF64(0x900000, diskbuilder.Load(0x900000, []byte{1, 2, 3, 4}, 16))

	for _, bad := range []struct {
		name  string
		image []byte
	}{
		{"not-an-executable", []byte("this is not an executable image at all")},
		{"outside-memory", outside},
	} {
		t.Run(bad.name, func(t *testing.T) {
			m, _ := newMachine(partitionedDisk(t, map[string][]byte{
				"/boot/kernel.elf": bad.image,
				"/kernel.elf":      image,
			}))
			logger, hook := logtest.NewNullLogger()
			m.Logger = logger

			k, err := m.FindAndLoadKernel()
			require.NoError(t, err)
			require.Equal(t, "/kernel.elf", k.Path)
			if k.Entry != 0x200000 {
				t.Fatalf("Entry: wanted `0x200000`; found `%#x`", k.Entry)
			}
			require.Equal(t, blake2b.Sum256(image), k.Digest)

			loaded := make([]byte, len(text))
			require.NoError(t, m.Window.Read(0x200000, loaded))
			require.Equal(t, text, loaded)

			// Exactly one kernel region: the rejected candidate left none.
			var kernels []memory.Region
			for _, r := range m.Memory().Regions() {
				if r.Kind == memory.Kernel {
					kernels = append(kernels, r)
				}
			}
			require.Equal(t, []memory.Region{{Start: 0x200000, Size: 0x2000, Kind: memory.Kernel}}, kernels)

			var skipped []string
			for _, e := range hook.AllEntries() {
				if e.Message == "unusable kernel" {
					skipped = append(skipped, e.Data["path"].(string))
				}
			}
			require.Equal(t, []string{"/boot/kernel.elf"}, skipped)
		})
	}
}

func TestKernelFillingHeapGetsNoBootInfo(t *testing.T) {
	image, _ := kernelImage(0x100000)
	m, _ := newMachine(partitionedDisk(t, map[string][]byte{"/boot/kernel.elf": image}))

	k, err := m.FindAndLoadKernel()
	require.NoError(t, err)
	require.Zero(t, k.BootInfo)
	require.Equal(t, uint64(0x100000), k.Entry)
}

func TestWholeDiskFilesystem(t *testing.T) {
	image, _ := kernelImage(0x200000)
	fs := diskbuilder.NewExt2(diskbuilder.Params{BlockSize: 2048})
	_, err := fs.AddFile("/EFI/BOOT/KERNEL.EFI", image)
	require.NoError(t, err)

	m, _ := newMachine(fs.Bytes())
	k, err := m.FindAndLoadKernel()
	require.NoError(t, err)
	require.Equal(t, "/EFI/BOOT/KERNEL.EFI", k.Path)
	require.Equal(t, -1, k.Partition)
}

func TestFirmwareMap(t *testing.T) {
	image, _ := kernelImage(0x200000)
	m, _ := newMachine(partitionedDisk(t, map[string][]byte{"/boot/kernel.elf": image}))
	acpi := memory.Region{Start: 0x7fe0000, Size: 0x20000, Kind: memory.AcpiReclaim}
	m.FirmwareMap = []memory.Region{acpi}

	_, err := m.FindAndLoadKernel()
	require.NoError(t, err)
	require.Contains(t, m.Memory().Regions(), acpi)

	bad, _ := newMachine(nil)
	bad.FirmwareMap = []memory.Region{{Start: 0, Size: 0, Kind: memory.Reserved}}
	_, err = bad.FindAndLoadKernel()
	require.Equal(t, types.InvalidArgumentErr, types.Kind(err))
}

func TestFindAndLoadKernelFailures(t *testing.T) {
	t.Run("no-kernel", func(t *testing.T) {
		m, _ := newMachine(partitionedDisk(t, map[string][]byte{"/vmlinuz": []byte("x")}))
		_, err := m.FindAndLoadKernel()
		var noKernel *ErrNoKernel
		require.True(t, errors.As(err, &noKernel), "%v", err)
		require.Equal(t, config.Default().KernelPaths, noKernel.Paths)
		require.Equal(t, types.NotFoundErr, types.Kind(err))
	})

	t.Run("no-filesystem", func(t *testing.T) {
		var disk diskbuilder.Disk
		disk.Slots[0] = diskbuilder.Slot{Bootable: true, Type: 0x83, StartLBA: 8, Image: make([]byte, 4096)}
		m, _ := newMachine(disk.Bytes())
		_, err := m.FindAndLoadKernel()
		var noFS *ErrNoFilesystem
		require.True(t, errors.As(err, &noFS), "%v", err)
		require.Equal(t, types.LBA(8), noFS.Base)
		require.Equal(t, types.FormatInvalidErr, types.Kind(err))
	})

	t.Run("no-disk", func(t *testing.T) {
		m, _ := newMachine(nil, ataemu.WithAbsent(0x00))
		_, err := m.FindAndLoadKernel()
		require.Equal(t, types.HardwareFaultErr, types.Kind(err))
	})

	t.Run("bad-kernel", func(t *testing.T) {
		m, _ := newMachine(partitionedDisk(t, map[string][]byte{"/boot/kernel.elf": []byte("MZ not an elf")}))
		_, err := m.FindAndLoadKernel()
		var noKernel *ErrNoKernel
		require.True(t, errors.As(err, &noKernel), "%v", err)
		require.Contains(t, strings.Join(m.Console().Lines(), "\n"), "[boot] unusable kernel")
	})
}

func TestRunJumpsToKernel(t *testing.T) {
	image, _ := kernelImage(0x200000)
	m, cpu := newMachine(partitionedDisk(t, map[string][]byte{"/boot/kernel.elf": image}))

	run(m)
	require.Equal(t, []jump{{entry: 0x200000, bootInfo: 0x100000, interruptsDisabled: true}}, cpu.jumps)

	// The fake kernel returned, so the loader halted.
	require.Equal(t, 1, cpu.halts)
	require.Contains(t, strings.Join(m.Console().Lines(), "\n"), "[boot] kernel returned")
}

func TestRunHaltsOnTerminalFailure(t *testing.T) {
	m, cpu := newMachine(partitionedDisk(t, nil))

	run(m)
	require.Empty(t, cpu.jumps)
	require.Equal(t, 1, cpu.halts)
	require.True(t, cpu.interruptsDisabled)

	lines := strings.Join(m.Console().Lines(), "\n")
	require.Contains(t, lines, "[boot] boot failed")
	require.Contains(t, lines, "[boot] halted")
}

func TestBootInfoRejects(t *testing.T) {
	_, err := DecodeBootInfo([]byte{1, 2})
	require.Equal(t, types.FormatInvalidErr, types.Kind(err))

	b := EncodeBootInfo([]memory.Region{{Start: 1, Size: 2, Kind: memory.Reserved}})
	_, err = DecodeBootInfo(b[:len(b)-1])
	require.Equal(t, types.FormatInvalidErr, types.Kind(err))

	b[0] ^= 0xff
	_, err = DecodeBootInfo(b)
	require.Equal(t, types.FormatInvalidErr, types.Kind(err))
}
