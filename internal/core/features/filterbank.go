package features

import (
	"math"

	"writerid-backend/internal/core/imaging"
)

const (
	filterOrientations = 8
	filterScales       = 4
)

// filterScaleLengths are the half-lengths of the oriented line probes.
var filterScaleLengths = [filterScales]int{1, 2, 3, 4}

// filterBankStats measures, for each of 8 orientations and 4 scales, how
// strongly local ink is aligned along an oriented line segment. For every
// ink pixel the response is the fraction of probe positions along the
// segment that are also ink; mean and standard deviation over all ink
// pixels form the descriptor block (8*4*2 = 64 values).
func filterBankStats(bin *imaging.Binary) []float32 {
	type probe struct{ dx, dy float64 }
	probes := make([]probe, filterOrientations)
	for o := 0; o < filterOrientations; o++ {
		theta := float64(o) * math.Pi / filterOrientations
		probes[o] = probe{dx: math.Cos(theta), dy: math.Sin(theta)}
	}

	out := make([]float32, 0, filterBankDims)

	for o := 0; o < filterOrientations; o++ {
		for s := 0; s < filterScales; s++ {
			half := filterScaleLengths[s]

			var sum, sumSq float64
			var count int
			for y := 0; y < bin.Height; y++ {
				for x := 0; x < bin.Width; x++ {
					if bin.At(x, y) == 0 {
						continue
					}

					hits, positions := 0, 0
					for t := -half; t <= half; t++ {
						if t == 0 {
							continue
						}
						px := x + int(math.Round(float64(t)*probes[o].dx))
						py := y + int(math.Round(float64(t)*probes[o].dy))
						if px < 0 || py < 0 || px >= bin.Width || py >= bin.Height {
							continue
						}
						positions++
						if bin.At(px, py) != 0 {
							hits++
						}
					}
					if positions == 0 {
						continue
					}

					r := float64(hits) / float64(positions)
					sum += r
					sumSq += r * r
					count++
				}
			}

			if count == 0 {
				out = append(out, 0, 0)
				continue
			}
			mean := sum / float64(count)
			variance := sumSq/float64(count) - mean*mean
			if variance < 0 {
				variance = 0
			}
			out = append(out, float32(mean), float32(math.Sqrt(variance)))
		}
	}

	return out
}
