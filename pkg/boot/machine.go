// Package boot sequences the pipeline: disk, partition table, filesystem,
// kernel image, memory placement and the hand-off to the kernel.
package boot

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/weberc2/mono/stage2/pkg/ata"
	"github.com/weberc2/mono/stage2/pkg/config"
	"github.com/weberc2/mono/stage2/pkg/ext2"
	"github.com/weberc2/mono/stage2/pkg/hw"
	"github.com/weberc2/mono/stage2/pkg/loader"
	"github.com/weberc2/mono/stage2/pkg/mbr"
	"github.com/weberc2/mono/stage2/pkg/memory"
	"github.com/weberc2/mono/stage2/pkg/types"
	"github.com/weberc2/mono/stage2/pkg/vga"
)

// CPU is the processor control the sequencer needs.
type CPU interface {
	DisableInterrupts()

	// Jump transfers control to `entry` with the boot info address as its
	// argument. On hardware it does not return.
	Jump(entry, bootInfo uint64)

	// Halt waits for the next interrupt. With interrupts disabled it never
	// wakes.
	Halt()
}

// ErrNoFilesystem is terminal: the boot partition holds nothing mountable.
type ErrNoFilesystem struct {
	Base types.LBA
	Err  error
}

func (err *ErrNoFilesystem) Error() string {
	return fmt.Sprintf("no supported filesystem at sector `%d`: %v", err.Base, err.Err)
}

func (err *ErrNoFilesystem) Unwrap() error { return err.Err }

// ErrNoKernel is terminal: none of the candidate paths held a kernel.
type ErrNoKernel struct {
	Paths []string
}

func (err *ErrNoKernel) Error() string {
	return fmt.Sprintf("no kernel found at any of `%s`", strings.Join(err.Paths, "`, `"))
}

func (err *ErrNoKernel) Is(target error) bool { return target == types.NotFoundErr }

// Kernel describes a loaded kernel ready for the hand-off.
type Kernel struct {
	Path      string
	Entry     uint64
	Size      int
	Digest    [blake2b.Size256]byte
	BootInfo  uint64
	Partition int
}

// Machine is one boot of one computer. The zero value is not usable;
// Ports, Window, CPU and Config must be set.
type Machine struct {
	Ports  hw.PortIO
	Window *hw.Window
	CPU    CPU
	Config config.Config

	// Logger defaults to the text console at Config.VGABuffer.
	Logger logrus.FieldLogger

	// FirmwareMap is added to the region catalogue before loading.
	FirmwareMap []memory.Region

	console   *vga.Console
	disk      *ata.Driver
	table     mbr.Table
	partition int
	fs        ext2.FileSystem
	memory    memory.Manager
}

func (m *Machine) logger() logrus.FieldLogger {
	if m.Logger == nil {
		console, err := vga.NewConsole(m.Window, uint64(m.Config.VGABuffer))
		if err != nil {
			m.Logger = logrus.StandardLogger()
			m.Logger.WithError(err).Warnf("no text console; logging to stderr")
		} else {
			m.console = console
			m.Logger = vga.NewLogger(console, m.Config.Level())
		}
	}
	return m.Logger
}

func (m *Machine) component(name string) logrus.FieldLogger {
	return m.logger().WithField("component", name)
}

// Console returns the text console, if the machine logs to one.
func (m *Machine) Console() *vga.Console {
	m.logger()
	return m.console
}

func (m *Machine) Memory() *memory.Manager { return &m.memory }

func (m *Machine) Disk() *ata.Driver { return m.disk }

func (m *Machine) Partitions() *mbr.Table { return &m.table }

func (m *Machine) FileSystem() *ext2.FileSystem { return &m.fs }

// Mount initializes the disk, probes the partition table and mounts the
// boot partition: the active entry, else the first present one, else the
// whole disk.
func (m *Machine) Mount() error {
	m.disk = ata.New(m.Ports)
	m.disk.PollLimit = m.Config.PollLimit
	m.disk.Logger = m.component("ata")
	if err := m.disk.Init(); err != nil {
		return errors.Wrap(err, "initializing disk")
	}

	log := m.component("mbr")
	table, err := mbr.Probe(m.disk, log)
	if err != nil {
		return err
	}
	m.table = table

	var listing strings.Builder
	if err := table.Describe(&listing); err == nil {
		scanner := bufio.NewScanner(strings.NewReader(listing.String()))
		for scanner.Scan() {
			log.Debugf("%s", scanner.Text())
		}
	}

	var base types.LBA
	i, entry, ok := table.Boot()
	m.partition = i
	if ok {
		base = entry.StartLBA
		log.WithField("partition", i).
			WithField("start", base).
			WithField("type", mbr.TypeName(entry.Type)).
			Infof("selected boot partition")
	} else {
		log.Warnf("no partitions; trying the whole disk")
	}

	m.fs.Logger = m.component("ext2")
	if err := m.fs.Init(m.disk, base); err != nil {
		return &ErrNoFilesystem{Base: base, Err: err}
	}
	return nil
}

func (m *Machine) initMemory() error {
	if m.memory.Initialized() {
		return nil
	}
	m.memory.Logger = m.component("memory")
	if err := m.memory.Init(m.Config.Layout(), m.Window); err != nil {
		return errors.Wrap(err, "initializing memory")
	}
	for _, r := range m.FirmwareMap {
		if err := m.memory.AddRegion(r); err != nil {
			return errors.Wrapf(err, "adding firmware region %s", r)
		}
	}
	return nil
}

// FindAndLoadKernel runs the pipeline up to the hand-off. It tries each
// configured path in order and returns the first kernel that loads. A
// candidate that is missing or fails to load is logged and skipped.
func (m *Machine) FindAndLoadKernel() (Kernel, error) {
	if err := m.initMemory(); err != nil {
		return Kernel{}, err
	}
	if !m.fs.Initialized() {
		if err := m.Mount(); err != nil {
			return Kernel{}, err
		}
	}

	log := m.component("boot")
	for _, path := range m.Config.KernelPaths {
		fb, err := m.fs.ReadFile(path)
		if err != nil {
			log.WithField("path", path).WithError(err).Infof("no kernel")
			continue
		}
		k, err := m.load(path, fb.Bytes())
		if err != nil {
			log.WithField("path", path).WithError(err).Warnf("unusable kernel")
			continue
		}
		if err := m.attachBootInfo(&k); err != nil {
			return Kernel{}, err
		}
		return k, nil
	}
	return Kernel{}, &ErrNoKernel{Paths: m.Config.KernelPaths}
}

func (m *Machine) load(path string, image []byte) (Kernel, error) {
	log := m.component("boot")
	k := Kernel{
		Path:      path,
		Size:      len(image),
		Digest:    blake2b.Sum256(image),
		Partition: m.partition,
	}
	log.WithField("path", path).
		WithField("size", humanize.IBytes(uint64(k.Size))).
		WithField("blake2b", hex.EncodeToString(k.Digest[:8])).
		Infof("found kernel")

	img, err := loader.Parse(image)
	if err != nil {
		return Kernel{}, errors.Wrapf(err, "parsing kernel `%s`", path)
	}
	if start, size := img.Span(); size > 0 {
		if hint, err := m.memory.FindKernelLocation(size); err != nil {
			log.WithError(err).Warnf("no free memory for kernel span")
		} else if hint != start {
			log.WithField("links_at", fmt.Sprintf("%#x", start)).
				WithField("free_at", fmt.Sprintf("%#x", hint)).
				Warnf("kernel is not linked at a free address")
		}
	}

	l := loader.Loader{
		Memory: &m.memory,
		Window: m.Window,
		Logger: m.component("loader"),
	}
	entry, err := l.Load(image)
	if err != nil {
		return Kernel{}, errors.Wrapf(err, "loading kernel `%s`", path)
	}
	k.Entry = entry
	return k, nil
}

// attachBootInfo writes the memory map to a fresh page for the kernel. With
// no page to spare the kernel gets none.
func (m *Machine) attachBootInfo(k *Kernel) error {
	page, err := m.memory.AllocatePages(1)
	if err != nil {
		m.component("boot").WithError(err).
			Warnf("no memory for boot info; passing none")
		return nil
	}
	if err := m.Window.Write(page, EncodeBootInfo(m.memory.Regions())); err != nil {
		return errors.Wrap(err, "writing boot info")
	}
	k.BootInfo = page
	return nil
}

// JumpToKernel hands control to the kernel. It never returns.
func (m *Machine) JumpToKernel(k Kernel) {
	m.CPU.DisableInterrupts()
	m.component("boot").WithField("entry", fmt.Sprintf("%#x", k.Entry)).
		WithField("boot_info", fmt.Sprintf("%#x", k.BootInfo)).
		Infof("jumping to kernel")
	m.CPU.Jump(k.Entry, k.BootInfo)
	m.component("boot").Errorf("kernel returned")
	m.halt()
}

func (m *Machine) halt() {
	m.component("boot").Errorf("halted")
	for {
		m.CPU.Halt()
	}
}

// Run boots the machine. It never returns: it either jumps to the kernel
// or halts with a diagnostic on the console.
func (m *Machine) Run() {
	m.CPU.DisableInterrupts()
	m.component("boot").Infof("starting")

	k, err := m.FindAndLoadKernel()
	if err != nil {
		m.component("boot").WithError(err).Errorf("boot failed")
		m.halt()
	}
	m.JumpToKernel(k)
}
