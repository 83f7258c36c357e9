package imaging

import "math"

func sqrtf(x float64) float64 { return math.Sqrt(x) }

func absf(x float64) float64 { return math.Abs(x) }

// deskew finds the rotation within [-maxDegrees, maxDegrees] that
// maximizes the variance of the horizontal projection profile (text lines
// concentrate ink into few rows when level) and rotates the image by it.
func deskew(bin *Binary, maxDegrees, stepDegrees float64) *Binary {
	if maxDegrees <= 0 || stepDegrees <= 0 {
		return bin
	}

	bestAngle := 0.0
	bestScore := profileVariance(bin, 0)
	for angle := -maxDegrees; angle <= maxDegrees+1e-9; angle += stepDegrees {
		if angle == 0 {
			continue
		}
		score := profileVariance(bin, angle)
		if score > bestScore {
			bestScore = score
			bestAngle = angle
		}
	}

	if bestAngle == 0 {
		return bin
	}
	return rotate(bin, -bestAngle)
}

// profileVariance computes the variance of per-row ink counts as if the
// image were rotated by the given angle, without materializing the
// rotation.
func profileVariance(bin *Binary, degrees float64) float64 {
	rad := degrees * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)

	cx, cy := float64(bin.Width)/2, float64(bin.Height)/2
	counts := make([]int, bin.Height)

	for y := 0; y < bin.Height; y++ {
		for x := 0; x < bin.Width; x++ {
			if bin.At(x, y) == 0 {
				continue
			}
			ry := -sin*(float64(x)-cx) + cos*(float64(y)-cy) + cy
			row := int(ry)
			if row >= 0 && row < bin.Height {
				counts[row]++
			}
		}
	}

	var sum float64
	for _, c := range counts {
		sum += float64(c)
	}
	mean := sum / float64(len(counts))

	var variance float64
	for _, c := range counts {
		d := float64(c) - mean
		variance += d * d
	}
	return variance / float64(len(counts))
}

// rotate produces a new image rotated by degrees around the center using
// nearest-neighbor sampling. Output keeps the input dimensions; corners
// rotated out of frame are dropped.
func rotate(bin *Binary, degrees float64) *Binary {
	rad := degrees * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)

	cx, cy := float64(bin.Width)/2, float64(bin.Height)/2
	out := NewBinary(bin.Width, bin.Height)

	for y := 0; y < bin.Height; y++ {
		for x := 0; x < bin.Width; x++ {
			// inverse mapping: sample the source pixel that lands here
			sx := cos*(float64(x)-cx) + sin*(float64(y)-cy) + cx
			sy := -sin*(float64(x)-cx) + cos*(float64(y)-cy) + cy
			ix, iy := int(sx+0.5), int(sy+0.5)
			if ix >= 0 && ix < bin.Width && iy >= 0 && iy < bin.Height {
				out.Set(x, y, bin.At(ix, iy))
			}
		}
	}
	return out
}
