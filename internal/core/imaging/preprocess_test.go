package imaging_test

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"writerid-backend/internal/core/imaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func blankPage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	return img
}

// drawStroke draws a thick diagonal stroke starting at (x0, y0).
func drawStroke(img *image.RGBA, x0, y0, length, thickness int) {
	for i := 0; i < length; i++ {
		for t := 0; t < thickness; t++ {
			img.Set(x0+i, y0+i+t, color.Black)
		}
	}
}

// scribblePage is a page with three stroke-like components, enough ink to
// pass segmentation but few enough components to look like handwriting.
func scribblePage(t *testing.T) []byte {
	img := blankPage(120, 120)
	drawStroke(img, 10, 20, 30, 3)
	drawStroke(img, 50, 40, 25, 4)
	drawStroke(img, 20, 70, 35, 3)
	return encodePNG(t, img)
}

func TestPreprocessExtractsStrokes(t *testing.T) {
	bin, err := imaging.Preprocess(scribblePage(t), nil, imaging.DefaultOptions())
	require.NoError(t, err)

	assert.Greater(t, bin.InkRatio(), 0.0)
	assert.Less(t, bin.Width, 120, "output should be cropped to content")
	assert.Less(t, bin.Height, 120, "output should be cropped to content")
}

func TestPreprocessIsDeterministic(t *testing.T) {
	data := scribblePage(t)

	bin1, err := imaging.Preprocess(data, nil, imaging.DefaultOptions())
	require.NoError(t, err)
	bin2, err := imaging.Preprocess(data, nil, imaging.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, bin1.Pix, bin2.Pix)
}

func TestPreprocessRejectsBlankPage(t *testing.T) {
	data := encodePNG(t, blankPage(100, 100))

	_, err := imaging.Preprocess(data, nil, imaging.DefaultOptions())
	assert.ErrorIs(t, err, imaging.ErrNoHandwriting)
}

func TestPreprocessRejectsSolidPage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.Black)
		}
	}

	_, err := imaging.Preprocess(encodePNG(t, img), nil, imaging.DefaultOptions())
	assert.ErrorIs(t, err, imaging.ErrNoHandwriting)
}

func TestPreprocessRejectsSpecks(t *testing.T) {
	img := blankPage(100, 100)
	img.Set(50, 50, color.Black)
	img.Set(51, 50, color.Black)
	img.Set(50, 51, color.Black)

	_, err := imaging.Preprocess(encodePNG(t, img), nil, imaging.DefaultOptions())
	assert.ErrorIs(t, err, imaging.ErrNoHandwriting)
}

func TestPreprocessRemovesRuledLines(t *testing.T) {
	img := blankPage(120, 120)
	// full-width ruled line plus real strokes
	for x := 0; x < 120; x++ {
		img.Set(x, 60, color.Black)
	}
	drawStroke(img, 10, 20, 30, 3)
	drawStroke(img, 50, 30, 25, 4)

	bin, err := imaging.Preprocess(encodePNG(t, img), nil, imaging.DefaultOptions())
	require.NoError(t, err)

	// with the ruled line removed, content should not span the full width
	assert.Less(t, bin.Width, 110)
}

func TestPreprocessCropRegion(t *testing.T) {
	img := blankPage(200, 200)
	drawStroke(img, 20, 20, 30, 3)
	drawStroke(img, 60, 40, 25, 4)
	drawStroke(img, 30, 70, 30, 3)
	data := encodePNG(t, img)

	crop := &imaging.Rect{X: 0, Y: 0, Width: 120, Height: 120}
	bin, err := imaging.Preprocess(data, crop, imaging.DefaultOptions())
	require.NoError(t, err)
	assert.Greater(t, bin.InkRatio(), 0.0)

	// crop that excludes all strokes
	empty := &imaging.Rect{X: 150, Y: 150, Width: 40, Height: 40}
	_, err = imaging.Preprocess(data, empty, imaging.DefaultOptions())
	assert.ErrorIs(t, err, imaging.ErrNoHandwriting)

	// crop outside bounds
	bad := &imaging.Rect{X: 190, Y: 190, Width: 40, Height: 40}
	_, err = imaging.Preprocess(data, bad, imaging.DefaultOptions())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, imaging.ErrNoHandwriting)
}

func TestToFloatResamples(t *testing.T) {
	bin := imaging.NewBinary(4, 4)
	for x := 0; x < 4; x++ {
		bin.Set(x, 0, 1)
	}

	out := bin.ToFloat(8, 8)
	require.Len(t, out, 64)

	// top quarter rows map to the ink row
	assert.Equal(t, float32(1), out[0])
	assert.Equal(t, float32(1), out[7])
	assert.Equal(t, float32(0), out[63])
}
