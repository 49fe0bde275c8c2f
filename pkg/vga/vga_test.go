package vga

import (
	"fmt"
	"image/color"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/weberc2/mono/stage2/pkg/hw"
)

func newConsole(t *testing.T) (*Console, *hw.Window) {
	t.Helper()
	window := hw.NewWindow(0xA0000, make([]byte, 0x20000))
	c, err := NewConsole(window, BufferAddr)
	require.NoError(t, err)
	return c, window
}

func TestNewConsoleOutsideWindow(t *testing.T) {
	_, err := NewConsole(hw.NewWindow(0, make([]byte, 0x1000)), BufferAddr)
	require.Error(t, err)
}

func TestConsoleWritesThroughWindow(t *testing.T) {
	c, window := newConsole(t)
	c.PutString("hi")
	c.SetAttr(0x1F)
	c.PutByte('!')

	raw := make([]byte, 8)
	require.NoError(t, window.Read(BufferAddr, raw))
	require.Equal(t, []byte{'h', 0x07, 'i', 0x07, '!', 0x1F, ' ', 0x07}, raw)

	row, col := c.Cursor()
	if row != 0 || col != 3 {
		t.Fatalf("Cursor(): wanted `(0, 3)`; found `(%d, %d)`", row, col)
	}
}

func TestConsoleNewlines(t *testing.T) {
	c, _ := newConsole(t)
	fmt.Fprintf(c, "one\ntwo\r2\n")

	lines := c.Lines()
	require.Equal(t, "one", lines[0])
	require.Equal(t, "2wo", lines[1])
	row, col := c.Cursor()
	require.Equal(t, 2, row)
	require.Equal(t, 0, col)
}

func TestConsoleScrolls(t *testing.T) {
	c, _ := newConsole(t)
	for i := 0; i < Height+2; i++ {
		fmt.Fprintf(c, "line %d\n", i)
	}

	lines := c.Lines()
	require.Equal(t, "line 3", lines[0])
	require.Equal(t, fmt.Sprintf("line %d", Height+1), lines[Height-2])
	require.Equal(t, "", lines[Height-1])
	row, _ := c.Cursor()
	require.Equal(t, Height-1, row)

	// Wrapping off the last column scrolls too.
	c.Clear()
	c.PutString(strings.Repeat("x", Width*Height+1))
	lines = c.Lines()
	require.Equal(t, strings.Repeat("x", Width), lines[0])
	require.Equal(t, "x", lines[Height-1])

	for _, cell := range c.Cells()[Width*(Height-1)+1:] {
		require.Equal(t, Cell{Char: ' ', Attr: DefaultAttr}, cell)
	}
}

func TestFormatter(t *testing.T) {
	c, _ := newConsole(t)
	logger := NewLogger(c, logrus.InfoLevel)

	logger.WithField("component", "ata").
		WithField("sectors", 2048).
		WithField("model", "QEMU").
		Infof("identified disk")
	logger.WithField("component", "mbr").Warnf("bad signature")
	logger.Debugf("hidden")

	lines := c.Lines()
	require.Equal(t, "[ata] identified disk model=QEMU sectors=2048", lines[0])
	require.Equal(t, "[mbr] bad signature", lines[1])
	require.Equal(t, "", lines[2])

	cells := c.Cells()
	require.Equal(t, DefaultAttr, cells[0].Attr)
	require.Equal(t, AttrWarn, cells[Width].Attr)
}

func TestLevelAttr(t *testing.T) {
	for _, testCase := range []struct {
		level  logrus.Level
		wanted uint8
	}{
		{logrus.PanicLevel, AttrError},
		{logrus.ErrorLevel, AttrError},
		{logrus.WarnLevel, AttrWarn},
		{logrus.InfoLevel, DefaultAttr},
		{logrus.DebugLevel, AttrDebug},
		{logrus.TraceLevel, AttrDebug},
	} {
		if found := levelAttr(testCase.level); found != testCase.wanted {
			t.Fatalf("levelAttr(%s): wanted `%#x`; found `%#x`", testCase.level, testCase.wanted, found)
		}
	}
}

func TestRender(t *testing.T) {
	c, _ := newConsole(t)
	c.SetAttr(0x1E)
	c.PutString(" A")

	img := Render(c.Cells())
	bounds := img.Bounds()
	require.Equal(t, Width*CellWidth, bounds.Dx())
	require.Equal(t, Height*CellHeight, bounds.Dy())

	rgba := func(x, y int) color.RGBA {
		r, g, b, a := img.At(x, y).RGBA()
		return color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a >> 8)}
	}
	require.Equal(t, Palette[1], rgba(CellWidth/2, CellHeight/2))
	require.Equal(t, Palette[0], rgba(CellWidth*2+3, CellHeight/2))

	// The glyph cell contains foreground pixels.
	var lit int
	for y := 0; y < CellHeight; y++ {
		for x := CellWidth; x < 2*CellWidth; x++ {
			if rgba(x, y) == Palette[0x0E] {
				lit++
			}
		}
	}
	require.NotZero(t, lit)
}
