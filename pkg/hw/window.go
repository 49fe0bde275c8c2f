package hw

import (
	"fmt"

	"github.com/weberc2/mono/stage2/pkg/types"
)

// ErrOutOfWindow is returned for any access that is not entirely inside a
// Window.
type ErrOutOfWindow struct {
	Addr uint64
	Size uint64
	Base uint64
	End  uint64
}

func (err *ErrOutOfWindow) Error() string {
	return fmt.Sprintf(
		"range `%#x`+`%#x` is outside physical window [`%#x`, `%#x`)",
		err.Addr,
		err.Size,
		err.Base,
		err.End,
	)
}

func (err *ErrOutOfWindow) Is(target error) bool {
	return target == types.ResourceExhaustedErr
}

// Window is the only way the loader touches physical memory. It covers
// [Base, Base+Size) and rejects everything else.
type Window struct {
	base uint64
	mem  []byte
}

// NewWindow wraps `mem` as physical memory starting at `base`. On real
// hardware `mem` aliases identity-mapped RAM; hosted, it is an ordinary
// slice.
func NewWindow(base uint64, mem []byte) *Window {
	return &Window{base: base, mem: mem}
}

func (w *Window) Base() uint64 { return w.base }

func (w *Window) Size() uint64 { return uint64(len(w.mem)) }

func (w *Window) End() uint64 { return w.base + uint64(len(w.mem)) }

// Contains reports whether [addr, addr+size) lies entirely in the window.
func (w *Window) Contains(addr, size uint64) bool {
	if addr < w.base {
		return false
	}
	end := addr + size
	if end < addr {
		return false
	}
	return end <= w.End()
}

func (w *Window) check(addr, size uint64) error {
	if !w.Contains(addr, size) {
		return &ErrOutOfWindow{Addr: addr, Size: size, Base: w.base, End: w.End()}
	}
	return nil
}

// Slice returns a view of [addr, addr+size). Writes through the view are
// writes to physical memory.
func (w *Window) Slice(addr, size uint64) ([]byte, error) {
	if err := w.check(addr, size); err != nil {
		return nil, err
	}
	off := addr - w.base
	return w.mem[off : off+size : off+size], nil
}

func (w *Window) Read(addr uint64, b []byte) error {
	p, err := w.Slice(addr, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

func (w *Window) Write(addr uint64, b []byte) error {
	p, err := w.Slice(addr, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// Zero clears [addr, addr+size).
func (w *Window) Zero(addr, size uint64) error {
	p, err := w.Slice(addr, size)
	if err != nil {
		return err
	}
	for i := range p {
		p[i] = 0
	}
	return nil
}
