package motion

import "image"

// adaptiveMeanThreshold marks a pixel as foreground (255) when its value
// falls at or below the mean of the surrounding block minus c — the
// binary-inverse mean-adaptive threshold. Block windows clamp at the borders.
func adaptiveMeanThreshold(gray *image.Gray, block int, c float64) *image.Gray {
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return dst
	}

	// Summed-area table, one row/col of padding.
	sat := make([]uint64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		row := gray.PixOffset(0, y)
		var acc uint64
		for x := 0; x < w; x++ {
			acc += uint64(gray.Pix[row+x])
			sat[(y+1)*(w+1)+x+1] = sat[y*(w+1)+x+1] + acc
		}
	}

	half := block / 2
	for y := 0; y < h; y++ {
		y0, y1 := maxInt(0, y-half), minInt(h-1, y+half)
		for x := 0; x < w; x++ {
			x0, x1 := maxInt(0, x-half), minInt(w-1, x+half)
			sum := sat[(y1+1)*(w+1)+x1+1] -
				sat[y0*(w+1)+x1+1] -
				sat[(y1+1)*(w+1)+x0] +
				sat[y0*(w+1)+x0]
			count := float64((y1 - y0 + 1) * (x1 - x0 + 1))
			if float64(gray.Pix[gray.PixOffset(x, y)]) <= float64(sum)/count-c {
				dst.Pix[dst.PixOffset(x, y)] = 0xff
			}
		}
	}
	return dst
}

// ellipseKernel returns the offsets of a k×k elliptical structuring element.
// k=3 yields the 4-connected cross.
func ellipseKernel(k int) []image.Point {
	if k < 1 {
		k = 1
	}
	r := k / 2
	if r == 0 {
		return []image.Point{{}}
	}
	var pts []image.Point
	rr := r * r
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= rr {
				pts = append(pts, image.Pt(dx, dy))
			}
		}
	}
	return pts
}

// open performs a morphological opening (erode then dilate) with an
// elliptical kernel of size k, removing speckle smaller than the kernel.
func open(mask *image.Gray, k int) *image.Gray {
	kern := ellipseKernel(k)
	return dilate(erode(mask, kern), kern)
}

func erode(mask *image.Gray, kern []image.Point) *image.Gray {
	w, h := mask.Bounds().Dx(), mask.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			keep := true
			for _, p := range kern {
				xx, yy := x+p.X, y+p.Y
				if xx < 0 || yy < 0 || xx >= w || yy >= h || mask.Pix[yy*mask.Stride+xx] == 0 {
					keep = false
					break
				}
			}
			if keep {
				dst.Pix[y*dst.Stride+x] = 0xff
			}
		}
	}
	return dst
}

func dilate(mask *image.Gray, kern []image.Point) *image.Gray {
	w, h := mask.Bounds().Dx(), mask.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for _, p := range kern {
				xx, yy := x+p.X, y+p.Y
				if xx >= 0 && yy >= 0 && xx < w && yy < h && mask.Pix[yy*mask.Stride+xx] != 0 {
					dst.Pix[y*dst.Stride+x] = 0xff
					break
				}
			}
		}
	}
	return dst
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
