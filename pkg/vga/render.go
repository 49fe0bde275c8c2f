package vga

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// Palette is the standard 16-colour text mode palette.
var Palette = [16]color.RGBA{
	{0x00, 0x00, 0x00, 0xff}, // black
	{0x00, 0x00, 0xaa, 0xff}, // blue
	{0x00, 0xaa, 0x00, 0xff}, // green
	{0x00, 0xaa, 0xaa, 0xff}, // cyan
	{0xaa, 0x00, 0x00, 0xff}, // red
	{0xaa, 0x00, 0xaa, 0xff}, // magenta
	{0xaa, 0x55, 0x00, 0xff}, // brown
	{0xaa, 0xaa, 0xaa, 0xff}, // light grey
	{0x55, 0x55, 0x55, 0xff}, // dark grey
	{0x55, 0x55, 0xff, 0xff}, // light blue
	{0x55, 0xff, 0x55, 0xff}, // light green
	{0x55, 0xff, 0xff, 0xff}, // light cyan
	{0xff, 0x55, 0x55, 0xff}, // light red
	{0xff, 0x55, 0xff, 0xff}, // light magenta
	{0xff, 0xff, 0x55, 0xff}, // yellow
	{0xff, 0xff, 0xff, 0xff}, // white
}

var face = basicfont.Face7x13

// Cell size in pixels.
var (
	CellWidth  = face.Advance
	CellHeight = face.Height
)

// Render rasterises a screen of cells. The blink bit is ignored.
func Render(cells []Cell) image.Image {
	ctx := gg.NewContext(Width*CellWidth, Height*CellHeight)
	ctx.SetFontFace(face)
	for i, cell := range cells {
		if i >= Width*Height {
			break
		}
		x := float64((i % Width) * CellWidth)
		y := float64((i / Width) * CellHeight)

		ctx.SetColor(Palette[(cell.Attr>>4)&0x07])
		ctx.DrawRectangle(x, y, float64(CellWidth), float64(CellHeight))
		ctx.Fill()

		if cell.Char > ' ' && cell.Char < 0x7f {
			ctx.SetColor(Palette[cell.Attr&0x0f])
			ctx.DrawString(string(rune(cell.Char)), x, y+float64(face.Ascent))
		}
	}
	return ctx.Image()
}
