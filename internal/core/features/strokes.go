package features

import (
	"math"

	"writerid-backend/internal/core/imaging"
)

const (
	strokeWidthBins = 16
	curvatureBins   = 8
	slantBins       = 9
	densityDims     = 3
)

// strokeGeometry assembles the stroke-statistics block: stroke width
// histogram, contour curvature histogram, slant histogram and density
// measures (16+8+9+3 = 36 values).
func strokeGeometry(bin *imaging.Binary) []float32 {
	out := make([]float32, 0, strokeDims)
	out = append(out, strokeWidthHistogram(bin)...)
	out = append(out, curvatureHistogram(bin)...)
	out = append(out, slantHistogram(bin)...)
	out = append(out, densityStats(bin)...)
	return out
}

// strokeWidthHistogram bins horizontal and vertical ink run lengths.
// Runs longer than strokeWidthBins land in the last bin.
func strokeWidthHistogram(bin *imaging.Binary) []float32 {
	hist := make([]float32, strokeWidthBins)
	var total int

	record := func(length int) {
		if length <= 0 {
			return
		}
		b := length - 1
		if b >= strokeWidthBins {
			b = strokeWidthBins - 1
		}
		hist[b]++
		total++
	}

	for y := 0; y < bin.Height; y++ {
		run := 0
		for x := 0; x <= bin.Width; x++ {
			if x < bin.Width && bin.At(x, y) != 0 {
				run++
			} else {
				record(run)
				run = 0
			}
		}
	}
	for x := 0; x < bin.Width; x++ {
		run := 0
		for y := 0; y <= bin.Height; y++ {
			if y < bin.Height && bin.At(x, y) != 0 {
				run++
			} else {
				record(run)
				run = 0
			}
		}
	}

	if total > 0 {
		for i := range hist {
			hist[i] /= float32(total)
		}
	}
	return hist
}

// chainDirections orders the 8-neighborhood counterclockwise so that the
// difference of two direction indices measures the contour turn angle.
var chainDirections = [8][2]int{
	{1, 0}, {1, -1}, {0, -1}, {-1, -1}, {-1, 0}, {-1, 1}, {0, 1}, {1, 1},
}

func isContour(bin *imaging.Binary, x, y int) bool {
	if bin.At(x, y) == 0 {
		return false
	}
	for _, d := range chainDirections {
		nx, ny := x+d[0], y+d[1]
		if nx < 0 || ny < 0 || nx >= bin.Width || ny >= bin.Height || bin.At(nx, ny) == 0 {
			return true
		}
	}
	return false
}

// curvatureHistogram histograms the turn between the two contour
// neighbors of each contour pixel, in chain-code units.
func curvatureHistogram(bin *imaging.Binary) []float32 {
	hist := make([]float32, curvatureBins)
	var total int

	for y := 1; y < bin.Height-1; y++ {
		for x := 1; x < bin.Width-1; x++ {
			if !isContour(bin, x, y) {
				continue
			}

			first, second := -1, -1
			for i, d := range chainDirections {
				nx, ny := x+d[0], y+d[1]
				if isContour(bin, nx, ny) {
					if first < 0 {
						first = i
					} else {
						second = i
						break
					}
				}
			}
			if second < 0 {
				continue
			}

			turn := (second - first + curvatureBins) % curvatureBins
			hist[turn]++
			total++
		}
	}

	if total > 0 {
		for i := range hist {
			hist[i] /= float32(total)
		}
	}
	return hist
}

// slantHistogram shears the image by candidate slant angles and records
// the normalized sharpness of the vertical projection profile at each; a
// strongly slanted hand peaks at its shear-corrected angle.
func slantHistogram(bin *imaging.Binary) []float32 {
	angles := make([]float64, slantBins)
	for i := range angles {
		// -40..40 degrees in uniform steps
		angles[i] = -40 + float64(i)*80/float64(slantBins-1)
	}

	scores := make([]float64, slantBins)
	var totalScore float64
	for i, deg := range angles {
		shear := math.Tan(deg * math.Pi / 180)
		counts := make([]int, bin.Width*2+1)

		for y := 0; y < bin.Height; y++ {
			for x := 0; x < bin.Width; x++ {
				if bin.At(x, y) == 0 {
					continue
				}
				col := x + int(shear*float64(y)) + bin.Width/2
				if col >= 0 && col < len(counts) {
					counts[col]++
				}
			}
		}

		var sum, sumSq float64
		for _, c := range counts {
			sum += float64(c)
			sumSq += float64(c) * float64(c)
		}
		n := float64(len(counts))
		mean := sum / n
		scores[i] = sumSq/n - mean*mean
		totalScore += scores[i]
	}

	out := make([]float32, slantBins)
	if totalScore > 0 {
		for i := range out {
			out[i] = float32(scores[i] / totalScore)
		}
	}
	return out
}

func densityStats(bin *imaging.Binary) []float32 {
	rowsWithInk, colsWithInk := 0, 0

	for y := 0; y < bin.Height; y++ {
		for x := 0; x < bin.Width; x++ {
			if bin.At(x, y) != 0 {
				rowsWithInk++
				break
			}
		}
	}
	for x := 0; x < bin.Width; x++ {
		for y := 0; y < bin.Height; y++ {
			if bin.At(x, y) != 0 {
				colsWithInk++
				break
			}
		}
	}

	return []float32{
		float32(bin.InkRatio()),
		float32(rowsWithInk) / float32(bin.Height),
		float32(colsWithInk) / float32(bin.Width),
	}
}
