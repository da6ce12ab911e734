package motion

import "image"

type component struct {
	area int
	bbox image.Rectangle
}

// components labels the 8-connected foreground regions of mask and returns
// per-component area and bounding box, plus the label map (-1 = background).
func components(mask *image.Gray) ([]component, []int32) {
	w, h := mask.Bounds().Dx(), mask.Bounds().Dy()
	labels := make([]int32, w*h)
	for i := range labels {
		labels[i] = -1
	}

	var comps []component
	var queue []int

	for start := 0; start < w*h; start++ {
		if labels[start] >= 0 || mask.Pix[(start/w)*mask.Stride+start%w] == 0 {
			continue
		}
		id := int32(len(comps))
		c := component{bbox: image.Rect(start%w, start/w, start%w+1, start/w+1)}

		queue = append(queue[:0], start)
		labels[start] = id
		for len(queue) > 0 {
			cur := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			cx, cy := cur%w, cur/w

			c.area++
			if cx < c.bbox.Min.X {
				c.bbox.Min.X = cx
			}
			if cy < c.bbox.Min.Y {
				c.bbox.Min.Y = cy
			}
			if cx+1 > c.bbox.Max.X {
				c.bbox.Max.X = cx + 1
			}
			if cy+1 > c.bbox.Max.Y {
				c.bbox.Max.Y = cy + 1
			}

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					nx, ny := cx+dx, cy+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					n := ny*w + nx
					if labels[n] >= 0 || mask.Pix[ny*mask.Stride+nx] == 0 {
						continue
					}
					labels[n] = id
					queue = append(queue, n)
				}
			}
		}
		comps = append(comps, c)
	}
	return comps, labels
}

// colorStats returns the mean RGB of each labeled component and of the whole
// image, computed over src (which must be anchored at (0,0) and match the
// label map dimensions).
func colorStats(src *image.RGBA, labels []int32, n int) ([][3]float64, [3]float64) {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	sums := make([][3]float64, n)
	counts := make([]int, n)
	var global [3]float64

	for y := 0; y < h; y++ {
		o := src.PixOffset(0, y)
		for x := 0; x < w; x++ {
			r := float64(src.Pix[o])
			g := float64(src.Pix[o+1])
			b := float64(src.Pix[o+2])
			global[0] += r
			global[1] += g
			global[2] += b
			if id := labels[y*w+x]; id >= 0 {
				sums[id][0] += r
				sums[id][1] += g
				sums[id][2] += b
				counts[id]++
			}
			o += 4
		}
	}

	total := float64(w * h)
	if total > 0 {
		global[0] /= total
		global[1] /= total
		global[2] /= total
	}
	means := make([][3]float64, n)
	for i := range sums {
		if counts[i] == 0 {
			continue
		}
		means[i][0] = sums[i][0] / float64(counts[i])
		means[i][1] = sums[i][1] / float64(counts[i])
		means[i][2] = sums[i][2] / float64(counts[i])
	}
	return means, global
}
