package tileserr

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const tileSize = 256

// ErrorTile renders a valid 256x256 PNG carrying a short error message.
// Map clients display it in place of the tile instead of a broken image.
func ErrorTile(msg string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, tileSize, tileSize))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{40, 40, 40, 180}), image.Point{}, draw.Src)

	// Thin red border so the tile is identifiable at a glance.
	border := color.RGBA{200, 60, 60, 255}
	for i := 0; i < tileSize; i++ {
		img.Set(i, 0, border)
		img.Set(i, tileSize-1, border)
		img.Set(0, i, border)
		img.Set(tileSize-1, i, border)
	}

	drawLines(img, wrapText(msg, 34))

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		// Encoding an in-memory RGBA image cannot fail; keep the contract
		// of always returning a PNG anyway.
		return minimalPNG()
	}
	return buf.Bytes()
}

func drawLines(img *image.RGBA, lines []string) {
	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil() + 2
	startY := tileSize/2 - (len(lines)*lineHeight)/2

	for i, line := range lines {
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(color.RGBA{255, 255, 255, 255}),
			Face: face,
		}
		width := d.MeasureString(line).Ceil()
		d.Dot = fixed.P((tileSize-width)/2, startY+i*lineHeight)
		d.DrawString(line)
	}
}

func wrapText(msg string, width int) []string {
	if msg == "" {
		msg = "tile unavailable"
	}
	var lines []string
	for len(msg) > width {
		cut := width
		for cut > 0 && msg[cut] != ' ' {
			cut--
		}
		if cut == 0 {
			cut = width
		}
		lines = append(lines, msg[:cut])
		msg = msg[cut:]
		for len(msg) > 0 && msg[0] == ' ' {
			msg = msg[1:]
		}
	}
	if msg != "" {
		lines = append(lines, msg)
	}
	if len(lines) > 6 {
		lines = lines[:6]
	}
	return lines
}

func minimalPNG() []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1)))
	return buf.Bytes()
}
