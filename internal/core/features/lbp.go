package features

import "writerid-backend/internal/core/imaging"

// uniformLBPTable maps each 8-bit LBP code to one of 59 bins: the 58
// uniform patterns (at most two 0/1 transitions around the circle) each
// get their own bin, all non-uniform patterns share the last.
var uniformLBPTable = buildUniformLBPTable()

func buildUniformLBPTable() [256]int {
	var table [256]int
	next := 0
	for code := 0; code < 256; code++ {
		if transitions(uint8(code)) <= 2 {
			table[code] = next
			next++
		} else {
			table[code] = lbpBins - 1
		}
	}
	return table
}

func transitions(code uint8) int {
	count := 0
	for i := 0; i < 8; i++ {
		a := (code >> uint(i)) & 1
		b := (code >> uint((i+1)%8)) & 1
		if a != b {
			count++
		}
	}
	return count
}

// lbpNeighbors visits the 8-neighborhood clockwise from the top-left.
var lbpNeighbors = [8][2]int{
	{-1, -1}, {0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0},
}

// lbpHistogram computes the uniform LBP histogram over interior pixels,
// normalized to sum to 1.
func lbpHistogram(bin *imaging.Binary) []float32 {
	hist := make([]float32, lbpBins)
	var total int

	for y := 1; y < bin.Height-1; y++ {
		for x := 1; x < bin.Width-1; x++ {
			center := bin.At(x, y)
			var code uint8
			for i, d := range lbpNeighbors {
				if bin.At(x+d[0], y+d[1]) >= center {
					code |= 1 << uint(i)
				}
			}
			hist[uniformLBPTable[code]]++
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
