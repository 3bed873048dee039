package processor

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// drawBox draws a rectangle outline on the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()

	for t := 0; t < thickness; t++ {
		// Top and bottom edges
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if i < bounds.Min.X {
				continue
			}
			if y+t >= bounds.Min.Y && y+t < bounds.Max.Y {
				img.SetRGBA(i, y+t, c)
			}
			if y+h-t >= bounds.Min.Y && y+h-t < bounds.Max.Y {
				img.SetRGBA(i, y+h-t, c)
			}
		}
		// Left and right edges
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if j < bounds.Min.Y {
				continue
			}
			if x+t >= bounds.Min.X && x+t < bounds.Max.X {
				img.SetRGBA(x+t, j, c)
			}
			if x+w-t >= bounds.Min.X && x+w-t < bounds.Max.X {
				img.SetRGBA(x+w-t, j, c)
			}
		}
	}
}

// drawLabel draws text on a translucent background with its top-left corner at (x, y)
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	bgColor := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if (image.Point{px, py}).In(img.Bounds()) {
				img.Set(px, py, bgColor)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

// drawDot draws a filled circle
func drawDot(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy > r*r {
				continue
			}
			p := image.Point{cx + dx, cy + dy}
			if p.In(img.Bounds()) {
				img.SetRGBA(p.X, p.Y, c)
			}
		}
	}
}

// drawLine draws a line using Bresenham's algorithm, thickened by one pixel
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy

	bounds := img.Bounds()
	plot := func(x, y int) {
		for _, p := range []image.Point{{x, y}, {x + 1, y}, {x, y + 1}} {
			if p.In(bounds) {
				img.SetRGBA(p.X, p.Y, c)
			}
		}
	}

	for {
		plot(x0, y0)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

// blendMask tints the masked area: 60% frame, 40% color.
// The mask is scaled to the image with nearest-neighbour sampling.
func blendMask(img *image.RGBA, mask []uint8, mw, mh int, c color.RGBA) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return
	}

	for y := 0; y < h; y++ {
		my := y * mh / h
		for x := 0; x < w; x++ {
			mx := x * mw / w
			if mask[my*mw+mx] == 0 {
				continue
			}
			px := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			img.SetRGBA(b.Min.X+x, b.Min.Y+y, color.RGBA{
				R: blend(px.R, c.R),
				G: blend(px.G, c.G),
				B: blend(px.B, c.B),
				A: 255,
			})
		}
	}
}

func blend(base, over uint8) uint8 {
	return uint8((6*int(base) + 4*int(over) + 5) / 10)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
