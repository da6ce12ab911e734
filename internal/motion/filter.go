package motion

import (
	"image"

	"github.com/zsiec/delphis/media"
)

// meanShift replaces each pixel with the mean of the window neighbours whose
// color stays within colorRadius on every channel (one iteration of the
// classic filter). It flattens water texture while keeping object edges.
// A radius ≤ 0 disables the pass.
func meanShift(src *image.RGBA, radius, colorRadius int) *image.RGBA {
	if radius <= 0 {
		return src
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := src.PixOffset(x, y)
			cr := int(src.Pix[o])
			cg := int(src.Pix[o+1])
			cb := int(src.Pix[o+2])

			var sr, sg, sb, n int
			for dy := -radius; dy <= radius; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				row := src.PixOffset(0, yy)
				for dx := -radius; dx <= radius; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w {
						continue
					}
					p := row + xx*4
					pr := int(src.Pix[p])
					pg := int(src.Pix[p+1])
					pb := int(src.Pix[p+2])
					if absInt(pr-cr) > colorRadius || absInt(pg-cg) > colorRadius || absInt(pb-cb) > colorRadius {
						continue
					}
					sr += pr
					sg += pg
					sb += pb
					n++
				}
			}
			d := dst.PixOffset(x, y)
			dst.Pix[d] = uint8(sr / n)
			dst.Pix[d+1] = uint8(sg / n)
			dst.Pix[d+2] = uint8(sb / n)
			dst.Pix[d+3] = 0xff
		}
	}
	return dst
}

// grayscale converts to 8-bit luma (Rec. 601 weights).
func grayscale(src *image.RGBA) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		so := src.PixOffset(0, y)
		do := dst.PixOffset(0, y)
		for x := 0; x < w; x++ {
			r := int(src.Pix[so])
			g := int(src.Pix[so+1])
			bb := int(src.Pix[so+2])
			dst.Pix[do] = uint8((299*r + 587*g + 114*bb + 500) / 1000)
			so += 4
			do++
		}
	}
	return dst
}

// Blur applies a box blur with the given radius; the dispatcher uses it as
// the optional preprocessing step before tiling. Radius ≤ 0 is a no-op.
func Blur(src *image.RGBA, radius int) *image.RGBA {
	if radius <= 0 {
		return src
	}
	b := src.Bounds()
	if b.Min != (image.Point{}) {
		src = media.CloneRGBA(src)
		b = src.Bounds()
	}
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sr, sg, sb, n int
			for dy := -radius; dy <= radius; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -radius; dx <= radius; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w {
						continue
					}
					p := src.PixOffset(xx, yy)
					sr += int(src.Pix[p])
					sg += int(src.Pix[p+1])
					sb += int(src.Pix[p+2])
					n++
				}
			}
			d := dst.PixOffset(x, y)
			dst.Pix[d] = uint8(sr / n)
			dst.Pix[d+1] = uint8(sg / n)
			dst.Pix[d+2] = uint8(sb / n)
			dst.Pix[d+3] = 0xff
		}
	}
	return dst
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
