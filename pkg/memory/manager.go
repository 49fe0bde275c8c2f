// Package memory tracks physical memory while the loader runs: a bump
// allocator over a fixed heap window plus a small catalogue of named
// regions handed to the kernel.
package memory

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weberc2/mono/stage2/pkg/hw"
	"github.com/weberc2/mono/stage2/pkg/types"
)

const (
	PageSize   = 4096
	MaxRegions = 32

	allocAlign = 8
)

// Layout fixes the physical addresses the manager works with.
type Layout struct {
	HeapStart       uint64
	HeapEnd         uint64
	KernelAddr      uint64
	BootloaderStart uint64
	BootloaderSize  uint64
}

func DefaultLayout() Layout {
	return Layout{
		HeapStart:       0x100000,
		HeapEnd:         0x800000,
		KernelAddr:      0x200000,
		BootloaderStart: 0x7c00,
		BootloaderSize:  0x98400,
	}
}

type ErrOutOfMemory struct {
	Requested uint64
	Available uint64
}

func (err *ErrOutOfMemory) Error() string {
	return fmt.Sprintf(
		"out of memory: requested `%d` bytes; `%d` available",
		err.Requested,
		err.Available,
	)
}

func (err *ErrOutOfMemory) Is(target error) bool { return target == types.ResourceExhaustedErr }

type ErrOverlap struct {
	Start       uint64
	Size        uint64
	HeapStart   uint64
	HeapCurrent uint64
}

func (err *ErrOverlap) Error() string {
	return fmt.Sprintf(
		"region [%#x, %#x) overlaps allocated memory [%#x, %#x)",
		err.Start,
		err.Start+err.Size,
		err.HeapStart,
		err.HeapCurrent,
	)
}

func (err *ErrOverlap) Is(target error) bool { return target == types.ResourceExhaustedErr }

// Stats is a snapshot of heap usage.
type Stats struct {
	Total       uint64
	Used        uint64
	Free        uint64
	HeapStart   uint64
	HeapCurrent uint64
	HeapEnd     uint64
	Regions     int
}

// Manager is the physical memory manager. The zero value is uninitialized
// and every method fails with types.UninitializedErr until Init succeeds.
type Manager struct {
	Logger logrus.FieldLogger

	window      *hw.Window
	layout      Layout
	heapStart   uint64
	heapCurrent uint64
	heapEnd     uint64
	allocated   uint64
	regions     [MaxRegions]Region
	count       int
	initialized bool
}

func (m *Manager) logger() logrus.FieldLogger {
	if m.Logger == nil {
		m.Logger = logrus.WithField("component", "memory")
	}
	return m.Logger
}

func (m *Manager) check(op string) error {
	if !m.initialized {
		return errors.Wrapf(types.UninitializedErr, "%s: memory manager", op)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return types.NewError(types.InvalidArgumentErr, fmt.Sprintf(format, args...))
}

func alignUp(x, align uint64) uint64 { return (x + align - 1) &^ (align - 1) }

// Init sets up the heap over `layout` within `window`. It may only be
// called once.
func (m *Manager) Init(layout Layout, window *hw.Window) error {
	if m.initialized {
		return invalid("memory manager already initialized")
	}
	if window == nil {
		return invalid("memory manager needs a memory window")
	}
	if layout.HeapStart >= layout.HeapEnd {
		return invalid("empty heap [%#x, %#x)", layout.HeapStart, layout.HeapEnd)
	}
	if !window.Contains(layout.HeapStart, layout.HeapEnd-layout.HeapStart) {
		return errors.Wrapf(
			&hw.ErrOutOfWindow{
				Addr: layout.HeapStart,
				Size: layout.HeapEnd - layout.HeapStart,
				Base: window.Base(),
				End:  window.End(),
			},
			"initializing memory manager",
		)
	}

	*m = Manager{
		Logger:      m.Logger,
		window:      window,
		layout:      layout,
		heapStart:   layout.HeapStart,
		heapCurrent: layout.HeapStart,
		heapEnd:     layout.HeapEnd,
	}
	m.add(Region{
		Start: layout.HeapStart,
		Size:  layout.HeapEnd - layout.HeapStart,
		Kind:  Available,
	})
	if layout.BootloaderSize > 0 {
		m.add(Region{
			Start: layout.BootloaderStart,
			Size:  layout.BootloaderSize,
			Kind:  Bootloader,
		})
	}
	m.initialized = true

	m.logger().WithField("heap_start", fmt.Sprintf("%#x", m.heapStart)).
		WithField("heap_end", fmt.Sprintf("%#x", m.heapEnd)).
		WithField("size", humanize.IBytes(m.heapEnd-m.heapStart)).
		Infof("initialized memory manager")
	return nil
}

func (m *Manager) Initialized() bool { return m.initialized }

func (m *Manager) add(r Region) {
	m.regions[m.count] = r
	m.count++
}

func (m *Manager) reserveSlots(n int) error {
	if m.count+n > MaxRegions {
		return types.NewError(
			types.ResourceExhaustedErr,
			fmt.Sprintf("region catalogue full (%d slots)", MaxRegions),
		)
	}
	return nil
}

// Allocate bumps the heap by `size` rounded up to 8 bytes and zeroes the
// returned memory.
func (m *Manager) Allocate(size uint64) (uint64, error) {
	return m.AllocateAligned(size, allocAlign)
}

// AllocateAligned is Allocate with the start address rounded up to
// `alignment`, which must be a power of two.
func (m *Manager) AllocateAligned(size, alignment uint64) (uint64, error) {
	if err := m.check("allocating"); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, invalid("zero-sized allocation")
	}
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, invalid("alignment `%d` is not a power of two", alignment)
	}

	start := alignUp(m.heapCurrent, alignment)
	aligned := alignUp(size, allocAlign)
	if start < m.heapCurrent || aligned < size ||
		start > m.heapEnd || aligned > m.heapEnd-start {
		return 0, &ErrOutOfMemory{Requested: size, Available: m.AvailableBytes()}
	}

	if err := m.window.Zero(start, aligned); err != nil {
		return 0, errors.Wrap(err, "zeroing allocation")
	}
	m.heapCurrent = start + aligned
	m.allocated += aligned
	return start, nil
}

// AllocatePages allocates `count` zeroed, page-aligned pages.
func (m *Manager) AllocatePages(count uint64) (uint64, error) {
	if count == 0 || count > (^uint64(0))/PageSize {
		return 0, invalid("invalid page count `%d`", count)
	}
	return m.AllocateAligned(count*PageSize, PageSize)
}

// ReserveRegion records [start, start+size) as reserved. It fails without
// side effects when the range intersects memory already handed out; a range
// inside the free part of the heap cuts the heap short at `start`.
func (m *Manager) ReserveRegion(start, size uint64) error {
	if err := m.check("reserving region"); err != nil {
		return err
	}
	if size == 0 || start+size < start {
		return invalid("invalid region [%#x, +%#x)", start, size)
	}
	if start < m.heapCurrent && start+size > m.heapStart {
		return &ErrOverlap{
			Start:       start,
			Size:        size,
			HeapStart:   m.heapStart,
			HeapCurrent: m.heapCurrent,
		}
	}
	if err := m.reserveSlots(1); err != nil {
		return err
	}

	if start >= m.heapCurrent && start < m.heapEnd {
		m.heapEnd = start
	}
	m.add(Region{Start: start, Size: size, Kind: Reserved})
	return nil
}

// FindKernelLocation proposes a load address for a kernel of `size` bytes:
// the canonical kernel address if it is free, otherwise the first page in an
// available region that fits clear of allocated and reserved memory.
func (m *Manager) FindKernelLocation(size uint64) (uint64, error) {
	if err := m.check("finding kernel location"); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, invalid("zero-sized kernel")
	}

	canonical := m.layout.KernelAddr
	if canonical >= m.heapCurrent && canonical+size >= canonical && canonical+size <= m.heapEnd {
		return canonical, nil
	}

	aligned := alignUp(size, PageSize)
	for _, r := range m.regions[:m.count] {
		if r.Kind != Available {
			continue
		}
		for lo := alignUp(r.Start, PageSize); lo+aligned <= r.End() && lo+aligned > lo; {
			if lo < m.heapCurrent && lo+aligned > m.heapStart {
				lo = alignUp(m.heapCurrent, PageSize)
				continue
			}
			if c, ok := m.conflict(lo, aligned); ok {
				lo = alignUp(c.End(), PageSize)
				continue
			}
			if !m.window.Contains(lo, aligned) {
				break
			}
			return lo, nil
		}
	}
	return 0, &ErrOutOfMemory{Requested: size, Available: m.AvailableBytes()}
}

// conflict returns a non-available region overlapping the range.
func (m *Manager) conflict(start, size uint64) (Region, bool) {
	for _, r := range m.regions[:m.count] {
		if r.Kind != Available && r.Overlaps(start, size) {
			return r, true
		}
	}
	return Region{}, false
}

// ReserveForKernel reserves the kernel's range and records it as loaded.
func (m *Manager) ReserveForKernel(start, size uint64) error {
	if err := m.check("reserving kernel"); err != nil {
		return err
	}
	if err := m.reserveSlots(2); err != nil {
		return errors.Wrap(err, "reserving kernel")
	}
	if err := m.ReserveRegion(start, size); err != nil {
		return errors.Wrap(err, "reserving kernel")
	}
	if err := m.MarkKernelLoaded(start, size); err != nil {
		return errors.Wrap(err, "reserving kernel")
	}

	m.logger().WithField("start", fmt.Sprintf("%#x", start)).
		WithField("size", humanize.IBytes(size)).
		Infof("reserved kernel region")
	return nil
}

// MarkKernelLoaded records a kernel region. It protects nothing.
func (m *Manager) MarkKernelLoaded(start, size uint64) error {
	return m.AddRegion(Region{Start: start, Size: size, Kind: Kernel})
}

// AddRegion appends a region to the catalogue.
func (m *Manager) AddRegion(r Region) error {
	if err := m.check("adding region"); err != nil {
		return err
	}
	if r.Size == 0 || r.End() < r.Start || !r.Kind.valid() {
		return invalid("invalid region %s", r)
	}
	if err := m.reserveSlots(1); err != nil {
		return err
	}
	m.add(r)
	return nil
}

// Regions returns a copy of the catalogue.
func (m *Manager) Regions() []Region {
	return append([]Region(nil), m.regions[:m.count]...)
}

func (m *Manager) Stats() Stats {
	return Stats{
		Total:       m.heapEnd - m.heapStart,
		Used:        m.allocated,
		Free:        m.AvailableBytes(),
		HeapStart:   m.heapStart,
		HeapCurrent: m.heapCurrent,
		HeapEnd:     m.heapEnd,
		Regions:     m.count,
	}
}

func (m *Manager) AvailableBytes() uint64 {
	if m.heapEnd < m.heapCurrent {
		return 0
	}
	return m.heapEnd - m.heapCurrent
}

// IsValidRange reports whether the range lies inside the heap bounds.
func (m *Manager) IsValidRange(start, size uint64) bool {
	return m.initialized &&
		start+size >= start &&
		start >= m.heapStart &&
		start+size <= m.heapEnd
}
