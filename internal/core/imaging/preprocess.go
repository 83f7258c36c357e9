package imaging

import (
	"errors"
	"fmt"
	"image"
)

// ErrNoHandwriting is returned when segmentation leaves no usable ink,
// e.g. a blank page or a crop containing only printed content.
var ErrNoHandwriting = errors.New("no handwriting region could be isolated")

// Rect is a crop region in pixel coordinates of the decoded image.
type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

type Options struct {
	// MinInkRatio is the minimum fraction of ink pixels that must survive
	// segmentation for the image to count as handwriting.
	MinInkRatio float64

	// MaxInkRatio rejects near-solid images (failed scans, inverted input).
	MaxInkRatio float64

	MaxSkewDegrees  float64
	SkewStepDegrees float64

	RemoveRuledLines bool
	RemovePrinted    bool

	// MinComponentArea drops specks below this pixel count.
	MinComponentArea int
}

func DefaultOptions() Options {
	return Options{
		MinInkRatio:      0.002,
		MaxInkRatio:      0.55,
		MaxSkewDegrees:   15,
		SkewStepDegrees:  0.5,
		RemoveRuledLines: true,
		RemovePrinted:    true,
		MinComponentArea: 12,
	}
}

// Binary is a binarized handwriting image. Pix is row-major, 1 = ink.
type Binary struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewBinary(w, h int) *Binary {
	return &Binary{Width: w, Height: h, Pix: make([]uint8, w*h)}
}

func (b *Binary) At(x, y int) uint8 {
	return b.Pix[y*b.Width+x]
}

func (b *Binary) Set(x, y int, v uint8) {
	b.Pix[y*b.Width+x] = v
}

func (b *Binary) InkRatio() float64 {
	var ink int
	for _, p := range b.Pix {
		if p != 0 {
			ink++
		}
	}
	return float64(ink) / float64(len(b.Pix))
}

// ToFloat resamples the binary image to w*h with nearest-neighbor and
// returns ink as 1.0, background as 0.0, row-major. Used to feed the
// embedding backbone a fixed-size input.
func (b *Binary) ToFloat(w, h int) []float32 {
	out := make([]float32, w*h)
	for y := 0; y < h; y++ {
		sy := y * b.Height / h
		for x := 0; x < w; x++ {
			sx := x * b.Width / w
			if b.At(sx, sy) != 0 {
				out[y*w+x] = 1.0
			}
		}
	}
	return out
}

// Preprocess turns raw upload bytes into a cleaned, deskewed, binarized
// handwriting-only image. The pipeline is deterministic for identical
// input and options.
func Preprocess(data []byte, crop *Rect, opts Options) (*Binary, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}

	if crop != nil && crop.Width > 0 && crop.Height > 0 {
		img, err = cropImage(img, *crop)
		if err != nil {
			return nil, err
		}
	}

	bin := binarize(img)

	if opts.RemoveRuledLines {
		removeRuledLines(bin)
	}

	comps := findComponents(bin, opts.MinComponentArea)
	if opts.RemovePrinted {
		comps = rejectPrinted(bin, comps)
	}

	ratio := bin.InkRatio()
	if ratio < opts.MinInkRatio || ratio > opts.MaxInkRatio {
		return nil, ErrNoHandwriting
	}
	if len(comps) == 0 {
		return nil, ErrNoHandwriting
	}

	bin = deskew(bin, opts.MaxSkewDegrees, opts.SkewStepDegrees)
	bin = cropToContent(bin, 4)
	if bin == nil {
		return nil, ErrNoHandwriting
	}

	return bin, nil
}

func cropImage(img image.Image, r Rect) (image.Image, error) {
	bounds := img.Bounds()
	x0 := bounds.Min.X + r.X
	y0 := bounds.Min.Y + r.Y
	x1 := x0 + r.Width
	y1 := y0 + r.Height
	if x0 < bounds.Min.X || y0 < bounds.Min.Y || x1 > bounds.Max.X || y1 > bounds.Max.Y || r.Width <= 0 || r.Height <= 0 {
		return nil, fmt.Errorf("crop region (%d,%d %dx%d) outside image bounds %v", r.X, r.Y, r.Width, r.Height, bounds)
	}

	out := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			out.Set(x, y, img.At(x0+x, y0+y))
		}
	}
	return out, nil
}

// inkScore combines a darkness cue with a saturation cue so that colored
// pen ink on light paper scores high even when it is not especially dark.
func inkScore(r, g, b uint32) uint8 {
	r8 := int(r >> 8)
	g8 := int(g >> 8)
	b8 := int(b >> 8)

	lum := (299*r8 + 587*g8 + 114*b8) / 1000

	maxC := max(r8, max(g8, b8))
	minC := min(r8, min(g8, b8))
	sat := maxC - minC

	score := (255 - lum) + sat/2
	if score > 255 {
		score = 255
	}
	return uint8(score)
}

// binarize applies Otsu's threshold to the ink-score channel.
func binarize(img image.Image) *Binary {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	scores := make([]uint8, w*h)
	var hist [256]int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			s := inkScore(r, g, b)
			scores[y*w+x] = s
			hist[s]++
		}
	}

	threshold := otsuThreshold(hist[:], w*h)

	bin := NewBinary(w, h)
	for i, s := range scores {
		if int(s) > threshold {
			bin.Pix[i] = 1
		}
	}
	return bin
}

func otsuThreshold(hist []int, total int) int {
	var sum float64
	for i, c := range hist {
		sum += float64(i) * float64(c)
	}

	var sumB, wB float64
	bestThreshold, bestVar := 127, -1.0
	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(hist[t])

		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > bestVar {
			bestVar = between
			bestThreshold = t
		}
	}
	return bestThreshold
}

// cropToContent trims the image to the bounding box of remaining ink with
// a small margin. Returns nil when no ink remains.
func cropToContent(bin *Binary, margin int) *Binary {
	minX, minY := bin.Width, bin.Height
	maxX, maxY := -1, -1
	for y := 0; y < bin.Height; y++ {
		for x := 0; x < bin.Width; x++ {
			if bin.At(x, y) != 0 {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < 0 {
		return nil
	}

	minX = max(0, minX-margin)
	minY = max(0, minY-margin)
	maxX = min(bin.Width-1, maxX+margin)
	maxY = min(bin.Height-1, maxY+margin)

	out := NewBinary(maxX-minX+1, maxY-minY+1)
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			out.Set(x-minX, y-minY, bin.At(x, y))
		}
	}
	return out
}
