package imaging

import "sort"

// removeRuledLines clears near-full-width horizontal runs and near-full-
// height vertical runs, which correspond to notebook rules and table
// borders rather than strokes.
func removeRuledLines(bin *Binary) {
	minHorizontalRun := bin.Width / 2
	if minHorizontalRun < 32 {
		minHorizontalRun = 32
	}
	for y := 0; y < bin.Height; y++ {
		runStart := -1
		for x := 0; x <= bin.Width; x++ {
			ink := x < bin.Width && bin.At(x, y) != 0
			if ink && runStart < 0 {
				runStart = x
			}
			if !ink && runStart >= 0 {
				if x-runStart >= minHorizontalRun {
					for i := runStart; i < x; i++ {
						bin.Set(i, y, 0)
					}
				}
				runStart = -1
			}
		}
	}

	minVerticalRun := bin.Height / 2
	if minVerticalRun < 32 {
		minVerticalRun = 32
	}
	for x := 0; x < bin.Width; x++ {
		runStart := -1
		for y := 0; y <= bin.Height; y++ {
			ink := y < bin.Height && bin.At(x, y) != 0
			if ink && runStart < 0 {
				runStart = y
			}
			if !ink && runStart >= 0 {
				if y-runStart >= minVerticalRun {
					for i := runStart; i < y; i++ {
						bin.Set(x, i, 0)
					}
				}
				runStart = -1
			}
		}
	}
}

type component struct {
	pixels []int // indices into Pix
	minX   int
	minY   int
	maxX   int
	maxY   int
}

func (c *component) width() int  { return c.maxX - c.minX + 1 }
func (c *component) height() int { return c.maxY - c.minY + 1 }

// findComponents labels 8-connected ink components and erases those below
// minArea as noise.
func findComponents(bin *Binary, minArea int) []component {
	w, h := bin.Width, bin.Height
	visited := make([]bool, w*h)
	var comps []component

	var stack []int
	for start := 0; start < w*h; start++ {
		if bin.Pix[start] == 0 || visited[start] {
			continue
		}

		comp := component{minX: w, minY: h, maxX: -1, maxY: -1}
		stack = stack[:0]
		stack = append(stack, start)
		visited[start] = true

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp.pixels = append(comp.pixels, idx)

			x, y := idx%w, idx/w
			if x < comp.minX {
				comp.minX = x
			}
			if x > comp.maxX {
				comp.maxX = x
			}
			if y < comp.minY {
				comp.minY = y
			}
			if y > comp.maxY {
				comp.maxY = y
			}

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					nidx := ny*w + nx
					if bin.Pix[nidx] != 0 && !visited[nidx] {
						visited[nidx] = true
						stack = append(stack, nidx)
					}
				}
			}
		}

		if len(comp.pixels) < minArea {
			for _, idx := range comp.pixels {
				bin.Pix[idx] = 0
			}
			continue
		}
		comps = append(comps, comp)
	}

	return comps
}

// strokeWidthStats measures horizontal run lengths inside one component's
// bounding box and returns mean and variance of the run widths.
func strokeWidthStats(bin *Binary, c *component) (mean, variance float64) {
	var runs []int
	for y := c.minY; y <= c.maxY; y++ {
		runStart := -1
		for x := c.minX; x <= c.maxX+1; x++ {
			ink := x <= c.maxX && bin.At(x, y) != 0
			if ink && runStart < 0 {
				runStart = x
			}
			if !ink && runStart >= 0 {
				runs = append(runs, x-runStart)
				runStart = -1
			}
		}
	}
	if len(runs) == 0 {
		return 0, 0
	}

	var sum float64
	for _, r := range runs {
		sum += float64(r)
	}
	mean = sum / float64(len(runs))

	for _, r := range runs {
		d := float64(r) - mean
		variance += d * d
	}
	variance /= float64(len(runs))
	return mean, variance
}

// rejectPrinted erases components that look machine-printed: tightly
// uniform stroke widths combined with a height close to the dominant
// glyph height and dense bounding-box fill. Handwriting is kept because
// its stroke widths vary and its component heights are irregular.
func rejectPrinted(bin *Binary, comps []component) []component {
	if len(comps) < 4 {
		return comps
	}

	heights := make([]int, len(comps))
	for i := range comps {
		heights[i] = comps[i].height()
	}
	sort.Ints(heights)
	medianHeight := float64(heights[len(heights)/2])

	const (
		strokeCVLimit   = 0.32 // coefficient of variation below which strokes look machine-drawn
		heightTolerance = 0.25
		fillLimit       = 0.45
	)

	kept := comps[:0]
	for i := range comps {
		c := &comps[i]
		mean, variance := strokeWidthStats(bin, c)

		printed := false
		if mean > 0 {
			cv := sqrtf(variance) / mean
			heightDev := absf(float64(c.height())-medianHeight) / medianHeight
			fill := float64(len(c.pixels)) / float64(c.width()*c.height())
			printed = cv < strokeCVLimit && heightDev < heightTolerance && fill > fillLimit
		}

		if printed {
			for _, idx := range c.pixels {
				bin.Pix[idx] = 0
			}
			continue
		}
		kept = append(kept, *c)
	}
	return kept
}
