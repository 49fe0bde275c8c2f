// Package vga drives the 80x25 colour text buffer. The boot console is the
// loader's only log sink.
package vga

import (
	"github.com/pkg/errors"

	"github.com/weberc2/mono/stage2/pkg/hw"
)

const (
	Width  = 80
	Height = 25

	// BufferAddr is the physical address of the colour text buffer.
	BufferAddr uint64 = 0xB8000

	// DefaultAttr is light grey on black.
	DefaultAttr uint8 = 0x07

	bufferSize = Width * Height * 2
	rowSize    = Width * 2
)

// Cell is one character position: a code page 437 byte and its attribute
// (background in the high nibble, foreground in the low nibble).
type Cell struct {
	Char uint8
	Attr uint8
}

// Console writes characters into the text buffer, scrolling when the
// cursor passes the last row.
type Console struct {
	buf  []byte
	pos  int
	attr uint8
}

// NewConsole maps the text buffer at `addr` and clears it.
func NewConsole(window *hw.Window, addr uint64) (*Console, error) {
	buf, err := window.Slice(addr, bufferSize)
	if err != nil {
		return nil, errors.Wrap(err, "mapping vga text buffer")
	}
	c := Console{buf: buf, attr: DefaultAttr}
	c.Clear()
	return &c, nil
}

func (c *Console) blank(from, to int) {
	for i := from; i < to; i += 2 {
		c.buf[i] = ' '
		c.buf[i+1] = DefaultAttr
	}
}

// Clear blanks the screen and homes the cursor.
func (c *Console) Clear() {
	c.blank(0, bufferSize)
	c.pos = 0
}

// SetAttr sets the attribute for subsequent characters and returns the
// previous one.
func (c *Console) SetAttr(attr uint8) uint8 {
	old := c.attr
	c.attr = attr
	return old
}

func (c *Console) Attr() uint8 { return c.attr }

// Cursor returns the cursor's row and column.
func (c *Console) Cursor() (row, col int) {
	return c.pos / rowSize, (c.pos % rowSize) / 2
}

func (c *Console) PutByte(b byte) {
	switch b {
	case '\n':
		c.pos = (c.pos/rowSize + 1) * rowSize
	case '\r':
		c.pos -= c.pos % rowSize
	default:
		c.buf[c.pos] = b
		c.buf[c.pos+1] = c.attr
		c.pos += 2
	}

	if c.pos >= bufferSize {
		c.scroll()
		c.pos = bufferSize - rowSize
	}
}

func (c *Console) scroll() {
	copy(c.buf, c.buf[rowSize:])
	c.blank(bufferSize-rowSize, bufferSize)
}

func (c *Console) PutString(s string) {
	for i := 0; i < len(s); i++ {
		c.PutByte(s[i])
	}
}

// Write implements io.Writer. It never fails.
func (c *Console) Write(p []byte) (int, error) {
	for _, b := range p {
		c.PutByte(b)
	}
	return len(p), nil
}

// Cells returns a copy of the screen in row-major order.
func (c *Console) Cells() []Cell {
	cells := make([]Cell, Width*Height)
	for i := range cells {
		cells[i] = Cell{Char: c.buf[2*i], Attr: c.buf[2*i+1]}
	}
	return cells
}

// Lines returns the text of each row with trailing blanks removed.
func (c *Console) Lines() []string {
	lines := make([]string, Height)
	for row := range lines {
		line := make([]byte, Width)
		for col := range line {
			line[col] = c.buf[row*rowSize+col*2]
		}
		end := Width
		for end > 0 && line[end-1] == ' ' {
			end--
		}
		lines[row] = string(line[:end])
	}
	return lines
}
