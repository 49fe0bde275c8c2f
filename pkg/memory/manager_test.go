package memory

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/weberc2/mono/stage2/pkg/hw"
	"github.com/weberc2/mono/stage2/pkg/types"
)

func newManager(t *testing.T) (*Manager, *hw.Window) {
	t.Helper()
	window := hw.NewWindow(0, make([]byte, 0x800000))
	var m Manager
	require.NoError(t, m.Init(DefaultLayout(), window))
	return &m, window
}

func TestUninitialized(t *testing.T) {
	var m Manager
	require.False(t, m.Initialized())
	require.False(t, m.IsValidRange(0x100000, 16))

	_, err := m.Allocate(16)
	require.True(t, errors.Is(err, types.UninitializedErr), "%v", err)
	require.True(t, errors.Is(m.ReserveRegion(0x300000, 16), types.UninitializedErr))
	_, err = m.FindKernelLocation(16)
	require.True(t, errors.Is(err, types.UninitializedErr), "%v", err)
	require.True(t, errors.Is(m.AddRegion(Region{Start: 0, Size: 1, Kind: Reserved}), types.UninitializedErr))
}

func TestInit(t *testing.T) {
	m, window := newManager(t)
	require.True(t, errors.Is(m.Init(DefaultLayout(), window), types.InvalidArgumentErr))

	require.Equal(
		t,
		[]Region{
			{Start: 0x100000, Size: 0x700000, Kind: Available},
			{Start: 0x7c00, Size: 0x98400, Kind: Bootloader},
		},
		m.Regions(),
	)

	var small Manager
	err := small.Init(DefaultLayout(), hw.NewWindow(0, make([]byte, 0x200000)))
	require.True(t, errors.Is(err, types.ResourceExhaustedErr), "%v", err)
	require.False(t, small.Initialized())

	var empty Manager
	layout := DefaultLayout()
	layout.HeapEnd = layout.HeapStart
	require.True(t, errors.Is(empty.Init(layout, window), types.InvalidArgumentErr))
}

func TestAllocateNeverOverlaps(t *testing.T) {
	m, window := newManager(t)
	garbage, err := window.Slice(0x100000, 0x700000)
	require.NoError(t, err)
	for i := range garbage {
		garbage[i] = 0xAA
	}

	type span struct{ start, size uint64 }
	var spans []span
	rng := rand.New(rand.NewSource(1))
	var total uint64
	for {
		size := uint64(rng.Intn(40000) + 1)
		start, err := m.Allocate(size)
		if err != nil {
			require.True(t, errors.Is(err, types.ResourceExhaustedErr), "%v", err)
			break
		}
		if start%8 != 0 {
			t.Fatalf("Allocate(%d): wanted 8-byte aligned address; found `%#x`", size, start)
		}

		b, err := window.Slice(start, size)
		require.NoError(t, err)
		for _, x := range b {
			if x != 0 {
				t.Fatalf("Allocate(%d): memory at `%#x` not zeroed", size, start)
			}
		}

		for _, s := range spans {
			if start < s.start+s.size && s.start < start+size {
				t.Fatalf("[%#x, +%d) overlaps [%#x, +%d)", start, size, s.start, s.size)
			}
		}
		spans = append(spans, span{start, size})
		total += alignUp(size, 8)
	}

	require.NotEmpty(t, spans)
	stats := m.Stats()
	require.Equal(t, total, stats.Used)
	require.LessOrEqual(t, stats.Used, uint64(0x700000))
	require.Equal(t, stats.HeapEnd-stats.HeapCurrent, stats.Free)
}

func TestAllocateAligned(t *testing.T) {
	m, _ := newManager(t)

	first, err := m.Allocate(3)
	require.NoError(t, err)
	require.Equal(t, uint64(0x100000), first)

	page, err := m.AllocateAligned(100, 4096)
	require.NoError(t, err)
	require.Equal(t, uint64(0x101000), page)

	pages, err := m.AllocatePages(2)
	require.NoError(t, err)
	require.Equal(t, uint64(0x102000), pages)
	require.Equal(t, uint64(0x104000), m.Stats().HeapCurrent)

	for _, tc := range []struct {
		size, alignment uint64
	}{
		{0, 8},
		{8, 0},
		{8, 12},
	} {
		_, err := m.AllocateAligned(tc.size, tc.alignment)
		if found := types.Kind(err); found != types.InvalidArgumentErr {
			t.Fatalf("AllocateAligned(%d, %d): wanted `%s`; found `%s`", tc.size, tc.alignment, types.InvalidArgumentErr, found)
		}
	}
}

func TestAllocateExhausted(t *testing.T) {
	m, _ := newManager(t)
	before := m.Stats()

	_, err := m.Allocate(0x700001)
	var oom *ErrOutOfMemory
	require.True(t, errors.As(err, &oom), "%v", err)
	require.True(t, errors.Is(err, types.ResourceExhaustedErr))
	require.Equal(t, before, m.Stats())

	_, err = m.Allocate(0x700000)
	require.NoError(t, err)
	require.Zero(t, m.AvailableBytes())
}

func TestReserveRegion(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Allocate(0x1000)
	require.NoError(t, err)

	// Intersects [heap_start, heap_current).
	before := m.Stats()
	for _, r := range []struct{ start, size uint64 }{
		{0x100000, 1},
		{0x100fff, 0x10},
		{0xff000, 0x2000},
	} {
		err := m.ReserveRegion(r.start, r.size)
		var overlap *ErrOverlap
		require.True(t, errors.As(err, &overlap), "ReserveRegion(%#x, %#x): %v", r.start, r.size, err)
		require.True(t, errors.Is(err, types.ResourceExhaustedErr))
		require.Equal(t, before, m.Stats())
	}

	// Below the heap: recorded only.
	require.NoError(t, m.ReserveRegion(0x90000, 0x1000))
	require.Equal(t, before.HeapEnd, m.Stats().HeapEnd)

	// Inside the free part of the heap: the heap ends at the region.
	require.NoError(t, m.ReserveRegion(0x400000, 0x1000))
	require.Equal(t, uint64(0x400000), m.Stats().HeapEnd)

	regions := m.Regions()
	require.Equal(t, Region{Start: 0x400000, Size: 0x1000, Kind: Reserved}, regions[len(regions)-1])

	require.True(t, m.IsValidRange(0x200000, 0x1000))
	require.False(t, m.IsValidRange(0x3ff000, 0x2000))
	require.False(t, m.IsValidRange(0x80000, 0x10))
}

func TestFindKernelLocation(t *testing.T) {
	m, _ := newManager(t)

	addr, err := m.FindKernelLocation(0x100000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200000), addr)

	// Heap already past the canonical address.
	_, err = m.Allocate(0x180000)
	require.NoError(t, err)
	addr, err = m.FindKernelLocation(0x100000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x280000), addr)

	// Skips reserved regions.
	require.NoError(t, m.ReserveRegion(0x280000, 0x80000))
	addr, err = m.FindKernelLocation(0x100000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x300000), addr)

	_, err = m.FindKernelLocation(0x600000)
	require.Equal(t, types.ResourceExhaustedErr, types.Kind(err))
}

func TestCatalogueFull(t *testing.T) {
	m, _ := newManager(t)
	for i := len(m.Regions()); i < MaxRegions; i++ {
		require.NoError(t, m.AddRegion(Region{Start: uint64(i) << 12, Size: 0x1000, Kind: AcpiReclaim}))
	}

	err := m.AddRegion(Region{Start: 0, Size: 1, Kind: Reserved})
	require.Equal(t, types.ResourceExhaustedErr, types.Kind(err))

	before := m.Stats()
	err = m.ReserveRegion(0x400000, 0x1000)
	require.Equal(t, types.ResourceExhaustedErr, types.Kind(err))
	require.Equal(t, before, m.Stats())

	require.Equal(t, types.InvalidArgumentErr, types.Kind(m.AddRegion(Region{Start: 0, Size: 0, Kind: Reserved})))
}

func TestReserveForKernel(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.ReserveForKernel(0x200000, 0x5000))

	regions := m.Regions()
	require.Equal(
		t,
		[]Region{
			{Start: 0x200000, Size: 0x5000, Kind: Reserved},
			{Start: 0x200000, Size: 0x5000, Kind: Kernel},
		},
		regions[len(regions)-2:],
	)
	require.Equal(t, uint64(0x200000), m.Stats().HeapEnd)

	// Room is left below the kernel for the hand-off page.
	page, err := m.AllocatePages(1)
	require.NoError(t, err)
	require.Equal(t, uint64(0x100000), page)

	// Only one free slot: neither region is recorded.
	for len(m.Regions()) < MaxRegions-1 {
		require.NoError(t, m.AddRegion(Region{Start: 0, Size: 1, Kind: BadMemory}))
	}
	err = m.ReserveForKernel(0x600000, 0x1000)
	require.Equal(t, types.ResourceExhaustedErr, types.Kind(err))
	require.Len(t, m.Regions(), MaxRegions-1)
}
